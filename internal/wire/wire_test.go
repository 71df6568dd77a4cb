package wire

import (
	"errors"
	"testing"
	"time"

	"github.com/MainaJoseph/aura-editor-sub000/internal/collab"
	"github.com/goccy/go-json"
)

func TestSinceSurvivesJSON(testContext *testing.T) {
	created := time.Unix(1_700_000_000, 0).UTC()
	view := collab.Since{
		Snapshot: &collab.SnapshotRecord{DocumentID: "doc-1", SequenceNum: 4, Payload: []byte{0, 1, 2}, CreatedAt: created},
		Fragments: []collab.FragmentRecord{
			{DocumentID: "doc-1", SequenceNum: 5, Payload: []byte("x"), OriginClientID: "client-a", CreatedAt: created},
			{DocumentID: "doc-1", SequenceNum: 7, Payload: []byte("y"), OriginClientID: "client-b", CreatedAt: created},
		},
	}

	body, err := json.Marshal(EncodeSince("doc-1", view))
	if err != nil {
		testContext.Fatalf("marshal failed: %v", err)
	}
	var received Since
	if err := json.Unmarshal(body, &received); err != nil {
		testContext.Fatalf("unmarshal failed: %v", err)
	}
	if received.HighWaterMark != 7 {
		testContext.Fatalf("expected high water mark 7, got %d", received.HighWaterMark)
	}
	decoded, err := received.Decode()
	if err != nil {
		testContext.Fatalf("decode failed: %v", err)
	}
	if decoded.Snapshot == nil || string(decoded.Snapshot.Payload) != string([]byte{0, 1, 2}) {
		testContext.Fatalf("snapshot payload lost: %+v", decoded.Snapshot)
	}
	if len(decoded.Fragments) != 2 || decoded.Fragments[1].OriginClientID != "client-b" {
		testContext.Fatalf("unexpected fragments %+v", decoded.Fragments)
	}
}

func TestDecodeRejectsFragmentsCoveredBySnapshot(testContext *testing.T) {
	message := Since{
		DocumentID: "doc-1",
		Snapshot:   &Snapshot{SequenceNum: 5, Payload: []byte{1}},
		Fragments:  []Fragment{{SequenceNum: 5, Payload: []byte{2}, OriginClientID: "a"}},
	}
	if _, err := message.Decode(); !errors.Is(err, collab.ErrInvalidSequenceNum) {
		testContext.Fatalf("expected out of order error, got %v", err)
	}
}

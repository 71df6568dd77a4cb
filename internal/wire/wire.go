// Package wire defines the JSON bodies exchanged between the sync server and
// remote sync clients. Byte payloads travel base64 encoded.
package wire

import (
	"fmt"
	"time"

	"github.com/MainaJoseph/aura-editor-sub000/internal/collab"
	"github.com/MainaJoseph/aura-editor-sub000/internal/presence"
)

// PushRequest appends one fragment to a document.
type PushRequest struct {
	Payload        []byte `json:"payload"`
	OriginClientID string `json:"origin_client_id"`
}

// PushResponse acknowledges a push with the assigned sequence number.
type PushResponse struct {
	SequenceNum int64 `json:"sequence_num"`
}

// Fragment is one log entry.
type Fragment struct {
	SequenceNum    int64  `json:"sequence_num"`
	Payload        []byte `json:"payload"`
	OriginClientID string `json:"origin_client_id"`
	CreatedAtUnix  int64  `json:"created_at"`
}

// Snapshot is a merged state.
type Snapshot struct {
	SequenceNum   int64  `json:"sequence_num"`
	Payload       []byte `json:"payload"`
	CreatedAtUnix int64  `json:"created_at"`
}

// Since is the body of GET /since and of every stream message.
type Since struct {
	DocumentID    string     `json:"document_id"`
	Snapshot      *Snapshot  `json:"snapshot,omitempty"`
	Fragments     []Fragment `json:"fragments"`
	HighWaterMark int64      `json:"high_water_mark"`
}

// Content is the plain-text mirror body.
type Content struct {
	Content     string `json:"content"`
	SequenceNum int64  `json:"sequence_num,omitempty"`
	UpdatedAt   int64  `json:"updated_at,omitempty"`
}

// Heartbeat reports presence in a scope. The user comes from the session.
type Heartbeat struct {
	FileID    string `json:"file_id,omitempty"`
	UserName  string `json:"user_name,omitempty"`
	UserColor string `json:"user_color,omitempty"`
}

// PresenceList is the body of GET /presence/:scopeID.
type PresenceList struct {
	ScopeID string           `json:"scope_id"`
	Entries []presence.Entry `json:"entries"`
}

// Error is returned with every non-2xx status.
type Error struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// EncodeSince converts a store view into its wire form.
func EncodeSince(documentID collab.DocumentID, since collab.Since) Since {
	encoded := Since{
		DocumentID:    documentID.String(),
		Fragments:     make([]Fragment, 0, len(since.Fragments)),
		HighWaterMark: since.HighWaterMark().Int64(),
	}
	if since.Snapshot != nil {
		encoded.Snapshot = &Snapshot{
			SequenceNum:   since.Snapshot.SequenceNum.Int64(),
			Payload:       since.Snapshot.Payload,
			CreatedAtUnix: since.Snapshot.CreatedAt.Unix(),
		}
	}
	for _, fragment := range since.Fragments {
		encoded.Fragments = append(encoded.Fragments, Fragment{
			SequenceNum:    fragment.SequenceNum.Int64(),
			Payload:        fragment.Payload,
			OriginClientID: fragment.OriginClientID.String(),
			CreatedAtUnix:  fragment.CreatedAt.Unix(),
		})
	}
	return encoded
}

// Decode validates the wire form and converts it back into a store view.
func (s Since) Decode() (collab.Since, error) {
	documentID, err := collab.NewDocumentID(s.DocumentID)
	if err != nil {
		return collab.Since{}, err
	}
	var decoded collab.Since
	if s.Snapshot != nil {
		sequence, err := collab.NewSequenceNum(s.Snapshot.SequenceNum)
		if err != nil {
			return collab.Since{}, err
		}
		decoded.Snapshot = &collab.SnapshotRecord{
			DocumentID:  documentID,
			SequenceNum: sequence,
			Payload:     s.Snapshot.Payload,
			CreatedAt:   time.Unix(s.Snapshot.CreatedAtUnix, 0).UTC(),
		}
	}
	previous := collab.SequenceNum(0)
	if decoded.Snapshot != nil {
		previous = decoded.Snapshot.SequenceNum
	}
	decoded.Fragments = make([]collab.FragmentRecord, 0, len(s.Fragments))
	for _, fragment := range s.Fragments {
		sequence, err := collab.NewSequenceNum(fragment.SequenceNum)
		if err != nil {
			return collab.Since{}, err
		}
		if sequence <= previous {
			return collab.Since{}, fmt.Errorf("%w: fragment %d out of order", collab.ErrInvalidSequenceNum, sequence)
		}
		previous = sequence
		origin, err := collab.NewClientID(fragment.OriginClientID)
		if err != nil {
			return collab.Since{}, err
		}
		decoded.Fragments = append(decoded.Fragments, collab.FragmentRecord{
			DocumentID:     documentID,
			SequenceNum:    sequence,
			Payload:        fragment.Payload,
			OriginClientID: origin,
			CreatedAt:      time.Unix(fragment.CreatedAtUnix, 0).UTC(),
		})
	}
	return decoded, nil
}

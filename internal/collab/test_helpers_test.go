package collab

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MainaJoseph/aura-editor-sub000/internal/crdt"
	"github.com/MainaJoseph/aura-editor-sub000/internal/events"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

const testDocumentID = "doc1"

func mustService(testContext *testing.T, threshold int) *Service {
	testContext.Helper()
	return mustServiceWithEvents(testContext, threshold, nil)
}

func mustServiceWithEvents(testContext *testing.T, threshold int, publisher events.Publisher) *Service {
	testContext.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(testContext.Name())
	database, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	sqlDatabase, err := database.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql database: %v", err)
	}
	sqlDatabase.SetMaxOpenConns(1)
	testContext.Cleanup(func() {
		_ = sqlDatabase.Close()
	})
	if err := database.AutoMigrate(Models()...); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database: database,
		Clock: func() time.Time {
			return time.Unix(1700000000, 0).UTC()
		},
		Events:              publisher,
		CompactionThreshold: threshold,
	})
	if err != nil {
		testContext.Fatalf("failed to create service: %v", err)
	}
	return service
}

func mustDocumentID(testContext *testing.T, value string) DocumentID {
	testContext.Helper()
	id, err := NewDocumentID(value)
	if err != nil {
		testContext.Fatalf("unexpected document id error: %v", err)
	}
	return id
}

func mustClientID(testContext *testing.T, value string) ClientID {
	testContext.Helper()
	id, err := NewClientID(value)
	if err != nil {
		testContext.Fatalf("unexpected client id error: %v", err)
	}
	return id
}

func mustPush(testContext *testing.T, service *Service, documentID DocumentID, payload []byte, origin ClientID) SequenceNum {
	testContext.Helper()
	seq, err := service.PushFragment(context.Background(), documentID, payload, origin)
	if err != nil {
		testContext.Fatalf("push fragment failed: %v", err)
	}
	return seq
}

func mustGetSince(testContext *testing.T, service *Service, documentID DocumentID) Since {
	testContext.Helper()
	since, err := service.GetSince(context.Background(), documentID)
	if err != nil {
		testContext.Fatalf("get since failed: %v", err)
	}
	return since
}

// typist records the delta produced by every local edit on one replica.
type typist struct {
	document *crdt.Document
	deltas   [][]byte
}

func newTypist(client string) *typist {
	t := &typist{document: crdt.NewDocument(client)}
	t.document.Observe(func(update []byte, origin crdt.Origin) {
		if origin.IsLocal() {
			t.deltas = append(t.deltas, update)
		}
	})
	return t
}

func (t *typist) mustType(testContext *testing.T, text string) []byte {
	testContext.Helper()
	if err := t.document.Insert(t.document.Len(), text); err != nil {
		testContext.Fatalf("insert failed: %v", err)
	}
	return t.deltas[len(t.deltas)-1]
}

// rebuild replays a GetSince result into a fresh replica and returns its canonical state and text.
func rebuild(testContext *testing.T, since Since) ([]byte, string) {
	testContext.Helper()
	document := crdt.NewDocument("reader")
	defer document.Destroy()
	if since.Snapshot != nil {
		if err := document.ApplyUpdate(since.Snapshot.Payload, crdt.Origin("snapshot")); err != nil {
			testContext.Fatalf("apply snapshot failed: %v", err)
		}
	}
	for _, fragment := range since.Fragments {
		if err := document.ApplyUpdate(fragment.Payload, crdt.Origin(fragment.OriginClientID)); err != nil {
			testContext.Fatalf("apply fragment %d failed: %v", fragment.SequenceNum, err)
		}
	}
	state, err := document.EncodeState()
	if err != nil {
		testContext.Fatalf("encode state failed: %v", err)
	}
	return state, document.Text()
}

type recordingScheduler struct {
	mu        sync.Mutex
	scheduled []DocumentID
}

func (r *recordingScheduler) Schedule(documentID DocumentID) {
	r.mu.Lock()
	r.scheduled = append(r.scheduled, documentID)
	r.mu.Unlock()
}

func (r *recordingScheduler) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.scheduled)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingPublisher) Publish(_ context.Context, event events.Event) error {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
	return nil
}

func (r *recordingPublisher) snapshot() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.events...)
}

type rejectingPublisher struct {
	err      error
	attempts atomic.Int32
}

func (r *rejectingPublisher) Publish(context.Context, events.Event) error {
	r.attempts.Add(1)
	return r.err
}

// queryGate parks the first fragment query issued after it is armed until
// release is called.
type queryGate struct {
	armed       atomic.Bool
	reached     chan struct{}
	released    chan struct{}
	releaseOnce sync.Once
}

func mustInstallQueryGate(testContext *testing.T, service *Service) *queryGate {
	testContext.Helper()
	gate := &queryGate{reached: make(chan struct{}), released: make(chan struct{})}
	if err := service.db.Callback().Query().After("gorm:query").Register("collab_test:fragment_gate", gate.hold); err != nil {
		testContext.Fatalf("failed to register query gate: %v", err)
	}
	testContext.Cleanup(gate.release)
	return gate
}

func (g *queryGate) hold(db *gorm.DB) {
	if db.Statement.Table != (Fragment{}).TableName() || !g.armed.CompareAndSwap(true, false) {
		return
	}
	close(g.reached)
	<-g.released
}

func (g *queryGate) release() {
	g.releaseOnce.Do(func() {
		close(g.released)
	})
}

func (g *queryGate) awaitReached(testContext *testing.T) {
	testContext.Helper()
	select {
	case <-g.reached:
	case <-time.After(2 * time.Second):
		testContext.Fatalf("gated query never ran")
	}
}

// Package syncclient keeps one live replica of a document converged with the
// shared log. All replica state is owned by a single goroutine; public
// methods hand work to it and wait.
package syncclient

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MainaJoseph/aura-editor-sub000/internal/collab"
	"github.com/MainaJoseph/aura-editor-sub000/internal/crdt"
	"github.com/MainaJoseph/aura-editor-sub000/internal/presence"
	"go.uber.org/zap"
)

var (
	// ErrClosed is returned by operations on a client that has been closed.
	ErrClosed = errors.New("syncclient: client closed")
	// ErrMissingStore indicates a Config without a Store.
	ErrMissingStore = errors.New("syncclient: store is required")
)

// State is the client lifecycle position.
type State int32

const (
	StateUninitialized State = iota
	StateLoading
	StateSynced
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateLoading:
		return "loading"
	case StateSynced:
		return "synced"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// RemoteChange is delivered to SubscribeRemote listeners each time remote
// state has been merged into the replica.
type RemoteChange struct {
	HighWaterMark collab.SequenceNum
	Text          string
}

type pushResult struct {
	payload []byte
	seq     collab.SequenceNum
	err     error
}

// Client is the per-document sync session.
type Client struct {
	documentID     collab.DocumentID
	clientID       collab.ClientID
	store          Store
	mirror         Mirror
	presence       *Presence
	initialContent InitialContentFunc
	options        Options
	logger         *zap.Logger
	release        func()

	state        atomic.Int32
	syncedSignal chan struct{}
	remote       listeners[RemoteChange]

	commands    chan func()
	pushResults chan pushResult
	closeSignal chan struct{}
	closeOnce   sync.Once
	closeCtx    context.Context
	done        chan struct{}
	background  sync.WaitGroup

	// Owned by the loop goroutine.
	document       *crdt.Document
	pending        [][]byte
	applyingRemote bool
	highWaterMark  collab.SequenceNum
	delivered      bool
	pushing        bool
	flushAfterPush bool
	mirroring      atomic.Bool
	debounce       *time.Timer
	debounceC      <-chan time.Time
	unsubscribe    func()
}

// New starts a client. The first heartbeat, when presence is configured, is
// sent before New returns control to the loop's regular schedule.
func New(cfg Config) (*Client, error) {
	if cfg.Store == nil {
		return nil, ErrMissingStore
	}
	if _, err := collab.NewDocumentID(cfg.DocumentID.String()); err != nil {
		return nil, err
	}
	clientID := cfg.ClientID
	if clientID == "" {
		generated, err := collab.GenerateClientID()
		if err != nil {
			return nil, err
		}
		clientID = generated
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	client := &Client{
		documentID:     cfg.DocumentID,
		clientID:       clientID,
		store:          cfg.Store,
		mirror:         cfg.Mirror,
		presence:       cfg.Presence,
		initialContent: cfg.InitialContent,
		options:        cfg.Options.withDefaults(),
		logger:         logger.With(zap.String("document_id", cfg.DocumentID.String()), zap.String("client_id", clientID.String())),
		release:        cfg.Release,
		syncedSignal:   make(chan struct{}),
		commands:       make(chan func()),
		pushResults:    make(chan pushResult, 1),
		closeSignal:    make(chan struct{}),
		done:           make(chan struct{}),
		document:       crdt.NewDocument(clientID.String()),
	}
	client.document.Observe(client.captureLocal)
	client.state.Store(int32(StateLoading))

	deliveries, unsubscribe := cfg.Store.Watch(context.Background(), cfg.DocumentID)
	client.unsubscribe = unsubscribe
	go client.run(deliveries)
	return client, nil
}

// ClientID returns the identity fragments from this client are tagged with.
func (c *Client) ClientID() collab.ClientID {
	return c.clientID
}

// State returns the lifecycle position.
func (c *Client) State() State {
	return State(c.state.Load())
}

// Synced reports whether the cold-start load has completed.
func (c *Client) Synced() bool {
	return c.State() == StateSynced
}

// SubscribeSynced delivers exactly one value once the client becomes synced,
// immediately if it already is.
func (c *Client) SubscribeSynced(ctx context.Context) (<-chan struct{}, func()) {
	stream := make(chan struct{}, 1)
	watchContext, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-c.syncedSignal:
			stream <- struct{}{}
		case <-watchContext.Done():
		}
	}()
	return stream, cancel
}

// SubscribeRemote delivers a notice each time remote state is merged. A
// listener that falls behind sees only the newest notice.
func (c *Client) SubscribeRemote(ctx context.Context) (<-chan RemoteChange, func()) {
	return c.remote.subscribe(ctx)
}

// Insert places text at the rune position.
func (c *Client) Insert(ctx context.Context, position int, text string) error {
	var editErr error
	if err := c.do(ctx, func() {
		editErr = c.document.Insert(position, text)
	}); err != nil {
		return err
	}
	return editErr
}

// Delete removes length runes starting at position.
func (c *Client) Delete(ctx context.Context, position, length int) error {
	var editErr error
	if err := c.do(ctx, func() {
		editErr = c.document.Delete(position, length)
	}); err != nil {
		return err
	}
	return editErr
}

// Text returns the current content of the replica.
func (c *Client) Text(ctx context.Context) (string, error) {
	var text string
	err := c.do(ctx, func() {
		text = c.document.Text()
	})
	return text, err
}

// Close tears the session down: pending edits are flushed, the mirror is
// written once more, presence is left and the replica is released. Every
// step is attempted even when an earlier one fails. ctx bounds the flush and
// the final writes.
func (c *Client) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.closeCtx = ctx
		close(c.closeSignal)
	})
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	command := func() {
		defer close(finished)
		fn()
	}
	select {
	case c.commands <- command:
	case <-c.closeSignal:
		return ErrClosed
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-finished
	return nil
}

func (c *Client) run(deliveries <-chan collab.Since) {
	defer close(c.done)

	mirrorTicker := time.NewTicker(c.options.MirrorInterval)
	var (
		heartbeatTicker *time.Ticker
		heartbeatC      <-chan time.Time
	)
	if c.presence != nil && c.presence.Tracker != nil {
		c.sendHeartbeat()
		heartbeatTicker = time.NewTicker(c.options.HeartbeatInterval)
		heartbeatC = heartbeatTicker.C
	}

	for {
		select {
		case command := <-c.commands:
			command()
		case since, open := <-deliveries:
			if !open {
				deliveries = nil
				continue
			}
			c.applyDelivery(since)
		case <-c.debounceC:
			c.debounce = nil
			c.debounceC = nil
			c.flush()
		case result := <-c.pushResults:
			c.handlePushResult(result)
		case <-mirrorTicker.C:
			c.mirrorAsync()
		case <-heartbeatC:
			c.sendHeartbeat()
		case <-c.closeSignal:
			c.teardown(c.closeCtx, mirrorTicker, heartbeatTicker)
			return
		}
	}
}

// captureLocal buffers deltas produced by local edits. Deltas produced while
// merging remote state are never captured, so they are not pushed back.
func (c *Client) captureLocal(update []byte, origin crdt.Origin) {
	if c.applyingRemote || !origin.IsLocal() {
		return
	}
	c.pending = append(c.pending, update)
	if c.debounce != nil {
		c.debounce.Stop()
	}
	c.debounce = time.NewTimer(c.options.Debounce)
	c.debounceC = c.debounce.C
}

func (c *Client) applyDelivery(since collab.Since) {
	if c.State() == StateClosed {
		return
	}
	if !c.delivered {
		c.coldStart(since)
		return
	}

	applied := false
	if since.Snapshot != nil && since.Snapshot.SequenceNum > c.highWaterMark {
		if c.applyRemote(since.Snapshot.Payload, "snapshot", since.Snapshot.SequenceNum) {
			applied = true
		}
	}
	for _, fragment := range since.Fragments {
		if fragment.SequenceNum <= c.highWaterMark || fragment.OriginClientID == c.clientID {
			continue
		}
		if c.applyRemote(fragment.Payload, crdt.Origin(fragment.OriginClientID), fragment.SequenceNum) {
			applied = true
		}
	}
	c.advance(since.HighWaterMark())
	if applied {
		c.remote.broadcast(RemoteChange{HighWaterMark: c.highWaterMark, Text: c.document.Text()})
	}
}

func (c *Client) coldStart(since collab.Since) {
	if since.Empty() {
		if c.initialContent != nil {
			ctx, cancel := context.WithTimeout(context.Background(), c.options.OperationTimeout)
			content, err := c.initialContent(ctx, c.documentID)
			cancel()
			if err != nil {
				c.logger.Warn("initial content unavailable, waiting for next delivery", zap.Error(err))
				return
			}
			if content != "" {
				if err := c.document.Insert(0, content); err != nil {
					c.logger.Warn("seeding initial content failed", zap.Error(err))
					return
				}
			}
		}
		c.delivered = true
		c.markSynced()
		return
	}

	if since.Snapshot != nil {
		c.applyRemote(since.Snapshot.Payload, "snapshot", since.Snapshot.SequenceNum)
	}
	for _, fragment := range since.Fragments {
		c.applyRemote(fragment.Payload, crdt.Origin(fragment.OriginClientID), fragment.SequenceNum)
	}
	c.advance(since.HighWaterMark())
	c.delivered = true
	c.markSynced()
	c.remote.broadcast(RemoteChange{HighWaterMark: c.highWaterMark, Text: c.document.Text()})
}

func (c *Client) applyRemote(payload []byte, origin crdt.Origin, seq collab.SequenceNum) bool {
	c.applyingRemote = true
	err := c.document.ApplyUpdate(payload, origin)
	c.applyingRemote = false
	if err != nil {
		c.logger.Warn("remote update rejected", zap.Int64("sequence_num", seq.Int64()), zap.Error(err))
		return false
	}
	return true
}

func (c *Client) advance(seq collab.SequenceNum) {
	if seq > c.highWaterMark {
		c.highWaterMark = seq
	}
}

func (c *Client) markSynced() {
	if c.state.CompareAndSwap(int32(StateLoading), int32(StateSynced)) {
		close(c.syncedSignal)
	}
}

// flush merges the pending deltas into one payload and pushes it. Only one
// push is in flight at a time; edits arriving meanwhile go out after it.
func (c *Client) flush() {
	if len(c.pending) == 0 {
		return
	}
	if c.pushing {
		c.flushAfterPush = true
		return
	}
	payload, err := c.takePending()
	if err != nil {
		return
	}
	c.pushing = true
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.options.OperationTimeout)
		defer cancel()
		seq, err := c.store.PushFragment(ctx, c.documentID, payload, c.clientID)
		c.pushResults <- pushResult{payload: payload, seq: seq, err: err}
	}()
}

func (c *Client) takePending() ([]byte, error) {
	payload, err := crdt.MergeUpdates(c.pending...)
	if err != nil {
		c.logger.Error("pending deltas could not be merged", zap.Int("deltas", len(c.pending)), zap.Error(err))
		return nil, err
	}
	c.pending = nil
	return payload, nil
}

func (c *Client) handlePushResult(result pushResult) {
	c.pushing = false
	if result.err != nil {
		// Back into the buffer; the next flush carries it with newer edits.
		c.pending = append([][]byte{result.payload}, c.pending...)
		c.logger.Debug("push failed, batch re-queued", zap.Error(result.err))
	} else if result.seq == c.highWaterMark+1 {
		c.highWaterMark = result.seq
	}
	if c.flushAfterPush {
		c.flushAfterPush = false
		c.flush()
	}
}

func (c *Client) mirrorAsync() {
	if c.mirror == nil || !c.Synced() {
		return
	}
	if !c.mirroring.CompareAndSwap(false, true) {
		return
	}
	content := c.document.Text()
	c.background.Add(1)
	go func() {
		defer c.background.Done()
		defer c.mirroring.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), c.options.OperationTimeout)
		defer cancel()
		if err := c.mirror.SyncPlainText(ctx, c.documentID, content); err != nil {
			c.logger.Debug("plain-text mirror failed", zap.Error(err))
		}
	}()
}

func (c *Client) heartbeat() presence.Heartbeat {
	return presence.Heartbeat{
		ScopeID:   c.presence.ScopeID,
		UserID:    c.presence.UserID,
		FileID:    c.documentID.String(),
		UserName:  c.presence.UserName,
		UserColor: c.presence.UserColor,
	}
}

func (c *Client) sendHeartbeat() {
	heartbeat := c.heartbeat()
	c.background.Add(1)
	go func() {
		defer c.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.options.OperationTimeout)
		defer cancel()
		if err := c.presence.Tracker.Heartbeat(ctx, heartbeat); err != nil {
			c.logger.Debug("presence heartbeat failed", zap.Error(err))
		}
	}()
}

func (c *Client) teardown(ctx context.Context, mirrorTicker, heartbeatTicker *time.Ticker) {
	if c.debounce != nil {
		c.debounce.Stop()
		c.debounce = nil
		c.debounceC = nil
	}

	c.flushForClose(ctx)

	c.background.Wait()
	if c.mirror != nil && c.Synced() {
		if err := c.mirror.SyncPlainText(ctx, c.documentID, c.document.Text()); err != nil {
			c.logger.Debug("final plain-text mirror failed", zap.Error(err))
		}
	}

	if c.presence != nil && c.presence.Tracker != nil {
		if err := c.presence.Tracker.Leave(ctx, c.presence.ScopeID, c.presence.UserID); err != nil {
			c.logger.Debug("presence leave failed", zap.Error(err))
		}
	}

	mirrorTicker.Stop()
	if heartbeatTicker != nil {
		heartbeatTicker.Stop()
	}

	if c.unsubscribe != nil {
		c.unsubscribe()
	}

	c.state.Store(int32(StateClosed))
	c.document.Destroy()
	if c.release != nil {
		c.release()
	}
}

func (c *Client) flushForClose(ctx context.Context) {
	if c.pushing {
		select {
		case result := <-c.pushResults:
			c.flushAfterPush = false
			c.handlePushResult(result)
		case <-ctx.Done():
			c.logger.Warn("close timed out waiting for in-flight push")
			return
		}
	}
	if len(c.pending) == 0 {
		return
	}
	payload, err := c.takePending()
	if err != nil {
		return
	}
	seq, err := c.store.PushFragment(ctx, c.documentID, payload, c.clientID)
	if err != nil {
		c.logger.Warn("final flush failed, local edits lost", zap.Error(err))
		return
	}
	if seq == c.highWaterMark+1 {
		c.highWaterMark = seq
	}
}

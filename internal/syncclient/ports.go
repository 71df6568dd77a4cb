package syncclient

import (
	"context"
	"time"

	"github.com/MainaJoseph/aura-editor-sub000/internal/collab"
	"github.com/MainaJoseph/aura-editor-sub000/internal/presence"
	"go.uber.org/zap"
)

// Store is the log the client pushes to and follows. *collab.Service
// satisfies it in-process; the remote package satisfies it over HTTP.
type Store interface {
	PushFragment(ctx context.Context, documentID collab.DocumentID, payload []byte, origin collab.ClientID) (collab.SequenceNum, error)
	Watch(ctx context.Context, documentID collab.DocumentID) (<-chan collab.Since, func())
}

// Mirror receives the periodic plain-text projection.
type Mirror interface {
	SyncPlainText(ctx context.Context, documentID collab.DocumentID, content string) error
}

// PresenceTracker receives heartbeats and the final leave.
type PresenceTracker interface {
	Heartbeat(ctx context.Context, heartbeat presence.Heartbeat) error
	Leave(ctx context.Context, scopeID presence.ScopeID, userID presence.UserID) error
}

// InitialContentFunc supplies the plain text a brand-new document is seeded
// from, typically the body of a document that predates collaboration.
type InitialContentFunc func(ctx context.Context, documentID collab.DocumentID) (string, error)

// Presence enables heartbeats for the client.
type Presence struct {
	Tracker   PresenceTracker
	ScopeID   presence.ScopeID
	UserID    presence.UserID
	UserName  string
	UserColor string
}

// Options holds the client timings.
type Options struct {
	Debounce          time.Duration
	MirrorInterval    time.Duration
	HeartbeatInterval time.Duration
	OperationTimeout  time.Duration
}

// DefaultOptions returns 100 ms debounce, 2 s mirror, 5 s heartbeat.
func DefaultOptions() Options {
	return Options{
		Debounce:          100 * time.Millisecond,
		MirrorInterval:    2 * time.Second,
		HeartbeatInterval: 5 * time.Second,
		OperationTimeout:  10 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	defaults := DefaultOptions()
	if o.Debounce <= 0 {
		o.Debounce = defaults.Debounce
	}
	if o.MirrorInterval <= 0 {
		o.MirrorInterval = defaults.MirrorInterval
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if o.OperationTimeout <= 0 {
		o.OperationTimeout = defaults.OperationTimeout
	}
	return o
}

// Config describes one client session.
type Config struct {
	DocumentID     collab.DocumentID
	ClientID       collab.ClientID
	Store          Store
	Mirror         Mirror
	Presence       *Presence
	InitialContent InitialContentFunc
	Options        Options
	Logger         *zap.Logger
	// Release runs last during Close, after the document is destroyed.
	Release func()
}

// Package presence tracks who is active in which scope. Entries are
// ephemeral: they are refreshed by heartbeats, hidden once they miss the
// active window and purged by the sweeper after the stale window.
package presence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// DefaultActiveWindow bounds how old a heartbeat may be for ListActive to return it.
	DefaultActiveWindow = 30 * time.Second
	// DefaultStaleWindow bounds how old a heartbeat may be before SweepStale deletes it.
	DefaultStaleWindow = 60 * time.Second

	maxIdentifierLength = 190
	maxLabelLength      = 64
)

var (
	// ErrInvalidScopeID indicates an empty or oversized scope identifier.
	ErrInvalidScopeID = errors.New("presence: invalid scope id")
	// ErrInvalidUserID indicates an empty or oversized user identifier.
	ErrInvalidUserID = errors.New("presence: invalid user id")
	// ErrInvalidWindows indicates an active window that is not shorter than the stale window.
	ErrInvalidWindows = errors.New("presence: active window must be positive and shorter than stale window")
)

// ScopeID groups entries, usually one workspace or project.
type ScopeID string

// NewScopeID validates raw input and returns a ScopeID.
func NewScopeID(rawInput string) (ScopeID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" || len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: %q", ErrInvalidScopeID, rawInput)
	}
	return ScopeID(trimmed), nil
}

func (id ScopeID) String() string {
	return string(id)
}

// UserID identifies the person behind an entry.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" || len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: %q", ErrInvalidUserID, rawInput)
	}
	return UserID(trimmed), nil
}

func (id UserID) String() string {
	return string(id)
}

// Heartbeat is what a client reports on every beat.
type Heartbeat struct {
	ScopeID   ScopeID
	UserID    UserID
	FileID    string
	UserName  string
	UserColor string
}

// Entry is one user's presence in a scope.
type Entry struct {
	ScopeID   ScopeID   `json:"scope_id"`
	UserID    UserID    `json:"user_id"`
	FileID    string    `json:"file_id,omitempty"`
	UserName  string    `json:"user_name"`
	UserColor string    `json:"user_color"`
	LastSeen  time.Time `json:"last_seen"`
}

// Store is implemented by every presence backend.
type Store interface {
	Heartbeat(ctx context.Context, heartbeat Heartbeat) error
	ListActive(ctx context.Context, scopeID ScopeID, caller UserID) ([]Entry, error)
	Leave(ctx context.Context, scopeID ScopeID, userID UserID) error
	SweepStale(ctx context.Context) (int64, error)
}

// Windows holds the two presence horizons. Active is shorter than Stale so an
// entry that misses a beat disappears from listings before it is deleted.
type Windows struct {
	Active time.Duration
	Stale  time.Duration
}

// DefaultWindows returns the 30 s / 60 s horizons.
func DefaultWindows() Windows {
	return Windows{Active: DefaultActiveWindow, Stale: DefaultStaleWindow}
}

func (w Windows) validate() error {
	if w.Active <= 0 || w.Stale <= w.Active {
		return fmt.Errorf("%w: active=%s stale=%s", ErrInvalidWindows, w.Active, w.Stale)
	}
	return nil
}

func normalizeHeartbeat(heartbeat Heartbeat) Heartbeat {
	heartbeat.FileID = strings.TrimSpace(heartbeat.FileID)
	heartbeat.UserName = truncate(strings.TrimSpace(heartbeat.UserName), maxLabelLength)
	heartbeat.UserColor = truncate(strings.TrimSpace(heartbeat.UserColor), maxLabelLength)
	if len(heartbeat.FileID) > maxIdentifierLength {
		heartbeat.FileID = heartbeat.FileID[:maxIdentifierLength]
	}
	return heartbeat
}

func truncate(value string, limit int) string {
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit])
}

func validateHeartbeat(heartbeat Heartbeat) error {
	if heartbeat.ScopeID == "" {
		return ErrInvalidScopeID
	}
	if heartbeat.UserID == "" {
		return ErrInvalidUserID
	}
	return nil
}

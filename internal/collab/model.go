package collab

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidDocumentID indicates that a document identifier is empty or exceeds storage bounds.
	ErrInvalidDocumentID = errors.New("collab: invalid document id")
	// ErrInvalidClientID indicates that a client identifier is empty or exceeds storage bounds.
	ErrInvalidClientID = errors.New("collab: invalid client id")
	// ErrInvalidSequenceNum indicates that a sequence number is negative.
	ErrInvalidSequenceNum = errors.New("collab: invalid sequence number")
	// ErrInvalidPayload indicates that a fragment payload is empty.
	ErrInvalidPayload = errors.New("collab: invalid payload")
)

// DocumentID scopes every fragment, snapshot and mirror to one editable artifact.
type DocumentID string

// NewDocumentID validates raw input and returns a DocumentID.
func NewDocumentID(rawInput string) (DocumentID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDocumentID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidDocumentID, maxIdentifierLength)
	}
	return DocumentID(trimmed), nil
}

// String returns the underlying string identifier.
func (id DocumentID) String() string {
	return string(id)
}

// ClientID identifies one live sync client. Echo suppression compares these by equality.
type ClientID string

// NewClientID validates raw input and returns a ClientID.
func NewClientID(rawInput string) (ClientID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidClientID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidClientID, maxIdentifierLength)
	}
	return ClientID(trimmed), nil
}

// GenerateClientID issues a fresh UUIDv7 client identifier.
func GenerateClientID() (ClientID, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return ClientID(value.String()), nil
}

// String returns the underlying string identifier.
func (id ClientID) String() string {
	return string(id)
}

// SequenceNum orders fragments and snapshots within one document.
type SequenceNum int64

// NewSequenceNum validates the value and returns a SequenceNum.
func NewSequenceNum(value int64) (SequenceNum, error) {
	if value < 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidSequenceNum, value)
	}
	return SequenceNum(value), nil
}

// Int64 returns the sequence number as an int64.
func (seq SequenceNum) Int64() int64 {
	return int64(seq)
}

// FragmentRecord is one stored delta returned by GetSince.
type FragmentRecord struct {
	DocumentID     DocumentID
	SequenceNum    SequenceNum
	Payload        []byte
	OriginClientID ClientID
	CreatedAt      time.Time
}

// SnapshotRecord is a merged state covering every fragment up to SequenceNum.
type SnapshotRecord struct {
	DocumentID  DocumentID
	SequenceNum SequenceNum
	Payload     []byte
	CreatedAt   time.Time
}

// Since is the answer to GetSince: the latest snapshot, if any, and every
// fragment after it in ascending order. Deliveries may be shared between
// readers and must be treated as read-only.
type Since struct {
	Snapshot  *SnapshotRecord
	Fragments []FragmentRecord
}

// Empty reports whether the document has never been written.
func (s Since) Empty() bool {
	return s.Snapshot == nil && len(s.Fragments) == 0
}

// HighWaterMark returns the highest sequence number contained in the result.
func (s Since) HighWaterMark() SequenceNum {
	var highest SequenceNum
	if s.Snapshot != nil {
		highest = s.Snapshot.SequenceNum
	}
	for _, fragment := range s.Fragments {
		if fragment.SequenceNum > highest {
			highest = fragment.SequenceNum
		}
	}
	return highest
}

// PlainTextRecord is the plain-text projection kept for readers that do not speak the CRDT format.
type PlainTextRecord struct {
	DocumentID  DocumentID
	Content     string
	SequenceNum SequenceNum
	UpdatedAt   time.Time
}

// Package collab stores the per-document update log and snapshots, folds the
// log through compaction, and keeps the plain-text mirror for readers that do
// not speak the CRDT format.
package collab

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MainaJoseph/aura-editor-sub000/internal/events"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

// DefaultCompactionThreshold is the backlog size that triggers compaction.
const DefaultCompactionThreshold = 50

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// ServiceError carries a stable operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason code.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew     = "collab.service.new"
	opPushFragment   = "collab.push_fragment"
	opGetSince       = "collab.get_since"
	opCompact        = "collab.compact"
	opSyncPlainText  = "collab.sync_plain_text"
	opPlainText      = "collab.plain_text"
	fieldDocumentID  = "document_id"
	fieldSequenceNum = "sequence_num"
	fieldOrigin      = "origin_client_id"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// CompactionScheduler runs compaction outside the caller's request path.
// Schedule must not block.
type CompactionScheduler interface {
	Schedule(documentID DocumentID)
}

// ServiceConfig describes the dependencies of the store service.
type ServiceConfig struct {
	Database            *gorm.DB
	Clock               func() time.Time
	Logger              *zap.Logger
	Events              events.Publisher
	CompactionThreshold int
}

// Service is the Update Log & Snapshot Store.
type Service struct {
	db        *gorm.DB
	clock     func() time.Time
	logger    *zap.Logger
	events    events.Publisher
	threshold int64

	scheduleMu sync.RWMutex
	scheduler  CompactionScheduler

	locks sync.Map
	reads singleflight.Group
	feed  *changeFeed
}

// NewService validates the configuration and constructs the store.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	publisher := cfg.Events
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	threshold := cfg.CompactionThreshold
	if threshold <= 0 {
		threshold = DefaultCompactionThreshold
	}
	return &Service{
		db:        cfg.Database,
		clock:     clock,
		logger:    logger,
		events:    publisher,
		threshold: int64(threshold),
		feed:      newChangeFeed(),
	}, nil
}

// SetCompactionScheduler wires the background compaction trigger. The
// scheduler usually depends on the service itself, hence the late binding.
func (s *Service) SetCompactionScheduler(scheduler CompactionScheduler) {
	s.scheduleMu.Lock()
	s.scheduler = scheduler
	s.scheduleMu.Unlock()
}

func (s *Service) compactionScheduler() CompactionScheduler {
	s.scheduleMu.RLock()
	defer s.scheduleMu.RUnlock()
	return s.scheduler
}

// documentLock serialises sequence assignment and compaction per document
// within this process.
func (s *Service) documentLock(documentID DocumentID) *sync.Mutex {
	lock, _ := s.locks.LoadOrStore(documentID, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("collab service error", attrs...)
}

package collab

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

const reasonWatchQueryFailed = "watch_query_failed"

// changeFeed fans out "document changed" signals. Each subscriber holds a
// single-slot channel, so bursts collapse into one pending signal and a slow
// subscriber never blocks a writer.
type changeFeed struct {
	mu          sync.RWMutex
	subscribers map[DocumentID]map[int64]chan struct{}
	nextID      int64
}

func newChangeFeed() *changeFeed {
	return &changeFeed{subscribers: make(map[DocumentID]map[int64]chan struct{})}
}

func (f *changeFeed) subscribe(documentID DocumentID) (<-chan struct{}, func()) {
	signal := make(chan struct{}, 1)
	f.mu.Lock()
	f.nextID++
	subscriberID := f.nextID
	if _, ok := f.subscribers[documentID]; !ok {
		f.subscribers[documentID] = make(map[int64]chan struct{})
	}
	f.subscribers[documentID][subscriberID] = signal
	f.mu.Unlock()

	var once sync.Once
	return signal, func() {
		once.Do(func() {
			f.mu.Lock()
			subscribers := f.subscribers[documentID]
			if subscribers != nil {
				delete(subscribers, subscriberID)
				if len(subscribers) == 0 {
					delete(f.subscribers, documentID)
				}
			}
			f.mu.Unlock()
		})
	}
}

func (f *changeFeed) publish(documentID DocumentID) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, signal := range f.subscribers[documentID] {
		select {
		case signal <- struct{}{}:
		default:
		}
	}
}

func (s *Service) notifyChanged(documentID DocumentID) {
	if s.feed != nil {
		s.feed.publish(documentID)
	}
}

// Watch streams the document's current GetSince view, first immediately and
// then after every push or compaction. Each view is a fresh query started
// after the signal, never one shared with GetSince callers. Only the newest
// view is kept when the reader falls behind. The stream ends when ctx is done
// or cleanup is called.
func (s *Service) Watch(ctx context.Context, documentID DocumentID) (<-chan Since, func()) {
	deliveries := make(chan Since, 1)
	if s.feed == nil || s.db == nil {
		close(deliveries)
		return deliveries, func() {}
	}
	signal, unsubscribe := s.feed.subscribe(documentID)
	watchContext, cancel := context.WithCancel(ctx)

	go func() {
		defer close(deliveries)
		defer unsubscribe()
		for {
			since, err := s.loadSince(s.db.WithContext(watchContext), documentID)
			if err != nil {
				if watchContext.Err() != nil {
					return
				}
				s.loggerOrDefault().Warn("collab watch query failed",
					zap.String("reason", reasonWatchQueryFailed),
					zap.String(fieldDocumentID, documentID.String()),
					zap.Error(err))
			} else {
				offerLatest(deliveries, since)
			}
			select {
			case <-watchContext.Done():
				return
			case <-signal:
			}
		}
	}()

	return deliveries, cancel
}

// offerLatest replaces any undelivered value with the newer one. Only the
// watch goroutine sends, so the drain-then-send cannot block.
func offerLatest(deliveries chan Since, since Since) {
	select {
	case <-deliveries:
	default:
	}
	deliveries <- since
}

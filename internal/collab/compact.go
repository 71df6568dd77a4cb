package collab

import (
	"context"
	"time"

	"github.com/MainaJoseph/aura-editor-sub000/internal/crdt"
	"github.com/MainaJoseph/aura-editor-sub000/internal/events"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	compactionClientID          = "compactor"
	queryDocumentSequenceIn     = "document_id = ? AND sequence_num IN ?"
	queryDocumentBeforeSequence = "document_id = ? AND sequence_num < ?"
	queryDocumentUpToSequence   = "document_id = ? AND sequence_num <= ?"
	reasonLoadFailed            = "load_failed"
	reasonDecodeFailed          = "decode_failed"
	reasonEncodeFailed          = "encode_failed"
	reasonPersistFailed         = "persist_failed"
	reasonEventFailed           = "event_failed"
)

// CompactionResult summarises one compaction run.
type CompactionResult struct {
	DocumentID  DocumentID
	SequenceNum SequenceNum
	Folded      int
	Content     string
}

// Compact folds the latest snapshot and every fragment after it into a new
// snapshot. The new snapshot is written, the folded fragments and older
// snapshots are removed, and the plain-text mirror is refreshed in one
// transaction. Readers never observe a state missing any fragment. A
// document with no fragments beyond its snapshot is left untouched and the
// result reports Folded == 0.
func (s *Service) Compact(ctx context.Context, documentID DocumentID) (CompactionResult, error) {
	result := CompactionResult{DocumentID: documentID}
	if s.db == nil {
		s.logError(opCompact, reasonMissingDatabase, errMissingDatabase)
		return result, newServiceError(opCompact, reasonMissingDatabase, errMissingDatabase)
	}

	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	current, err := s.loadSince(s.db.WithContext(ctx), documentID)
	if err != nil {
		return result, newServiceError(opCompact, reasonLoadFailed, err)
	}
	if len(current.Fragments) == 0 {
		if current.Snapshot != nil {
			result.SequenceNum = current.Snapshot.SequenceNum
		}
		return result, nil
	}

	document := crdt.NewDocument(compactionClientID)
	defer document.Destroy()
	if current.Snapshot != nil {
		if err := document.ApplyUpdate(current.Snapshot.Payload, crdt.Origin(compactionClientID)); err != nil {
			s.logError(opCompact, reasonDecodeFailed, err,
				zap.String(fieldDocumentID, documentID.String()),
				zap.Int64(fieldSequenceNum, current.Snapshot.SequenceNum.Int64()))
			return result, newServiceError(opCompact, reasonDecodeFailed, err)
		}
	}
	consumed := make([]int64, 0, len(current.Fragments))
	for _, fragment := range current.Fragments {
		if err := document.ApplyUpdate(fragment.Payload, crdt.Origin(fragment.OriginClientID)); err != nil {
			s.logError(opCompact, reasonDecodeFailed, err,
				zap.String(fieldDocumentID, documentID.String()),
				zap.Int64(fieldSequenceNum, fragment.SequenceNum.Int64()))
			return result, newServiceError(opCompact, reasonDecodeFailed, err)
		}
		consumed = append(consumed, fragment.SequenceNum.Int64())
	}
	merged, err := document.EncodeState()
	if err != nil {
		s.logError(opCompact, reasonEncodeFailed, err, zap.String(fieldDocumentID, documentID.String()))
		return result, newServiceError(opCompact, reasonEncodeFailed, err)
	}

	covered := current.HighWaterMark()
	content := document.Text()
	now := s.clock().UTC().Unix()
	transactionError := s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		snapshot := Snapshot{
			DocumentID:       documentID.String(),
			SequenceNum:      covered.Int64(),
			Payload:          merged,
			CreatedAtSeconds: now,
		}
		if err := transaction.Create(&snapshot).Error; err != nil {
			return err
		}
		if err := transaction.Where(queryDocumentSequenceIn, documentID.String(), consumed).
			Delete(&Fragment{}).Error; err != nil {
			return err
		}
		if err := transaction.Where(queryDocumentBeforeSequence, documentID.String(), covered.Int64()).
			Delete(&Snapshot{}).Error; err != nil {
			return err
		}
		if current.Snapshot != nil {
			// Leftovers of an interrupted run, already folded into the base snapshot.
			if err := transaction.Where(queryDocumentUpToSequence, documentID.String(), current.Snapshot.SequenceNum.Int64()).
				Delete(&Fragment{}).Error; err != nil {
				return err
			}
		}
		return upsertMirror(transaction, DocumentMirror{
			DocumentID:       documentID.String(),
			Content:          content,
			SequenceNum:      covered.Int64(),
			UpdatedAtSeconds: now,
		})
	})
	if transactionError != nil {
		s.logError(opCompact, reasonPersistFailed, transactionError,
			zap.String(fieldDocumentID, documentID.String()),
			zap.Int64(fieldSequenceNum, covered.Int64()))
		return result, newServiceError(opCompact, reasonPersistFailed, transactionError)
	}

	result.SequenceNum = covered
	result.Folded = len(consumed)
	result.Content = content
	s.notifyChanged(documentID)
	s.publishEvent(ctx, opCompact, events.Event{
		Type:        events.TypeDocumentCompacted,
		DocumentID:  documentID.String(),
		SequenceNum: covered.Int64(),
		OccurredAt:  time.Unix(now, 0).UTC(),
	})
	s.loggerOrDefault().Info("collab document compacted",
		zap.String(fieldDocumentID, documentID.String()),
		zap.Int64(fieldSequenceNum, covered.Int64()),
		zap.Int("folded", len(consumed)))
	return result, nil
}

// upsertMirror replaces the mirror row with the compacted projection.
func upsertMirror(transaction *gorm.DB, mirror DocumentMirror) error {
	return transaction.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "document_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"content", "sequence_num", "updated_at_s"}),
	}).Create(&mirror).Error
}

// publishEvent offers the event to the publisher, which drops rather than
// waits when backed up. Failures are logged; the stored state is already
// committed.
func (s *Service) publishEvent(ctx context.Context, operation string, event events.Event) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(context.WithoutCancel(ctx), event); err != nil {
		s.logError(operation, reasonEventFailed, err, zap.String(fieldDocumentID, event.DocumentID))
	}
}

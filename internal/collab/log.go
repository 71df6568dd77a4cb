package collab

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	queryDocument               = "document_id = ?"
	queryDocumentAfterSequence  = "document_id = ? AND sequence_num > ?"
	orderSequenceAsc            = "sequence_num ASC"
	orderSequenceDesc           = "sequence_num DESC"
	selectMaxSequence           = "COALESCE(MAX(sequence_num), 0)"
	reasonMissingDatabase       = "missing_database"
	reasonInvalidPayload        = "invalid_payload"
	reasonSequenceFailed        = "sequence_failed"
	reasonFragmentInsertFailed  = "fragment_insert_failed"
	reasonBacklogCountFailed    = "backlog_count_failed"
	reasonHeadQueryFailed       = "head_query_failed"
	reasonSnapshotQueryFailed   = "snapshot_query_failed"
	reasonFragmentQueryFailed   = "fragment_query_failed"
	reasonFragmentRecordInvalid = "fragment_record_invalid"
)

// PushFragment appends a delta to the document's log and returns its
// sequence number. Numbers come from the per-document head row, which is
// seeded from the highest existing snapshot or fragment and incremented in
// the same transaction as the insert, so concurrent pushers never share a
// number. Crossing the compaction threshold schedules compaction without
// waiting for it.
func (s *Service) PushFragment(ctx context.Context, documentID DocumentID, payload []byte, origin ClientID) (SequenceNum, error) {
	if s.db == nil {
		s.logError(opPushFragment, reasonMissingDatabase, errMissingDatabase)
		return 0, newServiceError(opPushFragment, reasonMissingDatabase, errMissingDatabase)
	}
	if len(payload) == 0 {
		return 0, newServiceError(opPushFragment, reasonInvalidPayload, ErrInvalidPayload)
	}

	lock := s.documentLock(documentID)
	lock.Lock()
	var (
		assigned int64
		backlog  int64
	)
	transactionError := s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		next, err := nextSequence(transaction, documentID)
		if err != nil {
			s.logError(opPushFragment, reasonSequenceFailed, err, zap.String(fieldDocumentID, documentID.String()))
			return newServiceError(opPushFragment, reasonSequenceFailed, err)
		}
		fragment := Fragment{
			DocumentID:       documentID.String(),
			SequenceNum:      next,
			Payload:          payload,
			OriginClientID:   origin.String(),
			CreatedAtSeconds: s.clock().UTC().Unix(),
		}
		if err := transaction.Create(&fragment).Error; err != nil {
			s.logError(opPushFragment, reasonFragmentInsertFailed, err,
				zap.String(fieldDocumentID, documentID.String()),
				zap.Int64(fieldSequenceNum, next),
				zap.String(fieldOrigin, origin.String()))
			return newServiceError(opPushFragment, reasonFragmentInsertFailed, err)
		}
		assigned = next

		covered, err := latestSnapshotSequence(transaction, documentID)
		if err != nil {
			s.logError(opPushFragment, reasonBacklogCountFailed, err, zap.String(fieldDocumentID, documentID.String()))
			return newServiceError(opPushFragment, reasonBacklogCountFailed, err)
		}
		if err := transaction.Model(&Fragment{}).
			Where(queryDocumentAfterSequence, documentID.String(), covered).
			Count(&backlog).Error; err != nil {
			s.logError(opPushFragment, reasonBacklogCountFailed, err, zap.String(fieldDocumentID, documentID.String()))
			return newServiceError(opPushFragment, reasonBacklogCountFailed, err)
		}
		return nil
	})
	lock.Unlock()
	if transactionError != nil {
		return 0, transactionError
	}

	s.notifyChanged(documentID)
	if backlog >= s.threshold {
		if scheduler := s.compactionScheduler(); scheduler != nil {
			scheduler.Schedule(documentID)
		}
	}
	return SequenceNum(assigned), nil
}

// GetSince returns the latest snapshot, if any, and every fragment after it
// in ascending order. Concurrent reads that observe the same head sequence
// share one query, so a caller never joins a read started before a fragment
// it could already see was committed. The shared query does not inherit any
// one caller's cancellation.
func (s *Service) GetSince(ctx context.Context, documentID DocumentID) (Since, error) {
	if s.db == nil {
		s.logError(opGetSince, reasonMissingDatabase, errMissingDatabase)
		return Since{}, newServiceError(opGetSince, reasonMissingDatabase, errMissingDatabase)
	}
	head, err := headSequence(s.db.WithContext(ctx), documentID)
	if err != nil {
		s.logError(opGetSince, reasonHeadQueryFailed, err, zap.String(fieldDocumentID, documentID.String()))
		return Since{}, newServiceError(opGetSince, reasonHeadQueryFailed, err)
	}
	key := fmt.Sprintf("%s@%d", documentID, head)
	resultChannel := s.reads.DoChan(key, func() (interface{}, error) {
		return s.loadSince(s.db.WithContext(context.WithoutCancel(ctx)), documentID)
	})
	select {
	case result := <-resultChannel:
		if result.Err != nil {
			return Since{}, result.Err
		}
		return result.Val.(Since), nil
	case <-ctx.Done():
		return Since{}, ctx.Err()
	}
}

// loadSince reads the reconciled view: when more than one snapshot exists the
// one with the highest sequence wins. Fragments are read before the snapshot
// so a compaction committing in between only hides fragments the snapshot
// already covers.
func (s *Service) loadSince(db *gorm.DB, documentID DocumentID) (Since, error) {
	var fragments []Fragment
	if err := db.Where(queryDocument, documentID.String()).
		Order(orderSequenceAsc).
		Find(&fragments).Error; err != nil {
		s.logError(opGetSince, reasonFragmentQueryFailed, err, zap.String(fieldDocumentID, documentID.String()))
		return Since{}, newServiceError(opGetSince, reasonFragmentQueryFailed, err)
	}

	var snapshots []Snapshot
	if err := db.Where(queryDocument, documentID.String()).
		Order(orderSequenceDesc).
		Limit(1).
		Find(&snapshots).Error; err != nil {
		s.logError(opGetSince, reasonSnapshotQueryFailed, err, zap.String(fieldDocumentID, documentID.String()))
		return Since{}, newServiceError(opGetSince, reasonSnapshotQueryFailed, err)
	}

	result := Since{}
	var covered int64
	if len(snapshots) > 0 {
		latest := snapshots[0]
		covered = latest.SequenceNum
		result.Snapshot = &SnapshotRecord{
			DocumentID:  documentID,
			SequenceNum: SequenceNum(latest.SequenceNum),
			Payload:     latest.Payload,
			CreatedAt:   time.Unix(latest.CreatedAtSeconds, 0).UTC(),
		}
	}

	result.Fragments = make([]FragmentRecord, 0, len(fragments))
	for _, fragment := range fragments {
		if fragment.SequenceNum <= covered {
			continue
		}
		origin, err := NewClientID(fragment.OriginClientID)
		if err != nil {
			s.logError(opGetSince, reasonFragmentRecordInvalid, err,
				zap.String(fieldDocumentID, documentID.String()),
				zap.Int64(fieldSequenceNum, fragment.SequenceNum))
			return Since{}, newServiceError(opGetSince, reasonFragmentRecordInvalid, err)
		}
		result.Fragments = append(result.Fragments, FragmentRecord{
			DocumentID:     documentID,
			SequenceNum:    SequenceNum(fragment.SequenceNum),
			Payload:        fragment.Payload,
			OriginClientID: origin,
			CreatedAt:      time.Unix(fragment.CreatedAtSeconds, 0).UTC(),
		})
	}
	return result, nil
}

// headSequence returns the last sequence handed out for the document, or 0.
func headSequence(db *gorm.DB, documentID DocumentID) (int64, error) {
	var heads []DocumentHead
	if err := db.Where(queryDocument, documentID.String()).Limit(1).Find(&heads).Error; err != nil {
		return 0, err
	}
	if len(heads) == 0 {
		return 0, nil
	}
	return heads[0].LastSequence, nil
}

func nextSequence(transaction *gorm.DB, documentID DocumentID) (int64, error) {
	var head DocumentHead
	err := transaction.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where(queryDocument, documentID.String()).
		Take(&head).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		base, baseErr := highestSequence(transaction, documentID)
		if baseErr != nil {
			return 0, baseErr
		}
		head = DocumentHead{DocumentID: documentID.String(), LastSequence: base}
		if createErr := transaction.Create(&head).Error; createErr != nil {
			return 0, createErr
		}
	} else if err != nil {
		return 0, err
	}

	if err := transaction.Model(&DocumentHead{}).
		Where(queryDocument, documentID.String()).
		UpdateColumn("last_sequence", gorm.Expr("last_sequence + ?", 1)).Error; err != nil {
		return 0, err
	}
	if err := transaction.Where(queryDocument, documentID.String()).Take(&head).Error; err != nil {
		return 0, err
	}
	return head.LastSequence, nil
}

func highestSequence(transaction *gorm.DB, documentID DocumentID) (int64, error) {
	snapshotMax, err := latestSnapshotSequence(transaction, documentID)
	if err != nil {
		return 0, err
	}
	var fragmentMax int64
	if err := transaction.Model(&Fragment{}).
		Where(queryDocument, documentID.String()).
		Select(selectMaxSequence).
		Scan(&fragmentMax).Error; err != nil {
		return 0, err
	}
	if fragmentMax > snapshotMax {
		return fragmentMax, nil
	}
	return snapshotMax, nil
}

func latestSnapshotSequence(transaction *gorm.DB, documentID DocumentID) (int64, error) {
	var snapshotMax int64
	err := transaction.Model(&Snapshot{}).
		Where(queryDocument, documentID.String()).
		Select(selectMaxSequence).
		Scan(&snapshotMax).Error
	return snapshotMax, err
}

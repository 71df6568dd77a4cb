package collab

import (
	"context"
	"errors"
	"time"

	"github.com/MainaJoseph/aura-editor-sub000/internal/events"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	reasonMirrorWriteFailed = "mirror_write_failed"
	reasonMirrorReadFailed  = "mirror_read_failed"
	reasonMirrorNotFound    = "not_found"
)

// ErrMirrorNotFound indicates that no plain-text projection exists for the document yet.
var ErrMirrorNotFound = errors.New("collab: plain-text mirror not found")

// SyncPlainText overwrites the plain-text projection of a document. Writes
// are last-writer-wins and carry no ordering guarantee relative to the log.
func (s *Service) SyncPlainText(ctx context.Context, documentID DocumentID, content string) error {
	if s.db == nil {
		s.logError(opSyncPlainText, reasonMissingDatabase, errMissingDatabase)
		return newServiceError(opSyncPlainText, reasonMissingDatabase, errMissingDatabase)
	}
	now := s.clock().UTC()
	mirror := DocumentMirror{
		DocumentID:       documentID.String(),
		Content:          content,
		UpdatedAtSeconds: now.Unix(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "document_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"content", "updated_at_s"}),
	}).Create(&mirror).Error
	if err != nil {
		s.logError(opSyncPlainText, reasonMirrorWriteFailed, err, zap.String(fieldDocumentID, documentID.String()))
		return newServiceError(opSyncPlainText, reasonMirrorWriteFailed, err)
	}
	s.publishEvent(ctx, opSyncPlainText, events.Event{
		Type:       events.TypeDocumentMirrored,
		DocumentID: documentID.String(),
		Content:    content,
		OccurredAt: now,
	})
	return nil
}

// PlainText returns the stored plain-text projection.
func (s *Service) PlainText(ctx context.Context, documentID DocumentID) (PlainTextRecord, error) {
	if s.db == nil {
		s.logError(opPlainText, reasonMissingDatabase, errMissingDatabase)
		return PlainTextRecord{}, newServiceError(opPlainText, reasonMissingDatabase, errMissingDatabase)
	}
	var mirror DocumentMirror
	err := s.db.WithContext(ctx).Where(queryDocument, documentID.String()).Take(&mirror).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return PlainTextRecord{}, newServiceError(opPlainText, reasonMirrorNotFound, ErrMirrorNotFound)
	}
	if err != nil {
		s.logError(opPlainText, reasonMirrorReadFailed, err, zap.String(fieldDocumentID, documentID.String()))
		return PlainTextRecord{}, newServiceError(opPlainText, reasonMirrorReadFailed, err)
	}
	return PlainTextRecord{
		DocumentID:  documentID,
		Content:     mirror.Content,
		SequenceNum: SequenceNum(mirror.SequenceNum),
		UpdatedAt:   time.Unix(mirror.UpdatedAtSeconds, 0).UTC(),
	}, nil
}

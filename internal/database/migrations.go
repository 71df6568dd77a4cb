package database

import (
	"errors"
	"time"

	"github.com/MainaJoseph/aura-editor-sub000/internal/collab"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	migrationPruneSupersededSnapshots = "2026-09-14_prune_superseded_snapshots"
	migrationSeedDocumentHeads        = "2026-09-21_seed_document_heads"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationPruneSupersededSnapshots, apply: pruneSupersededSnapshots},
		{name: migrationSeedDocumentHeads, apply: seedDocumentHeads},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: time.Now().UTC().Unix()}).Error
		})
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

type documentSequence struct {
	DocumentID  string
	SequenceNum int64
}

// pruneSupersededSnapshots keeps only the newest snapshot per document, and
// drops fragments that snapshot already covers. Both are left behind when a
// compaction is interrupted between its writes.
func pruneSupersededSnapshots(db *gorm.DB) error {
	var latest []documentSequence
	if err := db.Model(&collab.Snapshot{}).
		Select("document_id, MAX(sequence_num) AS sequence_num").
		Group("document_id").
		Scan(&latest).Error; err != nil {
		return err
	}
	for _, head := range latest {
		if err := db.Where("document_id = ? AND sequence_num < ?", head.DocumentID, head.SequenceNum).
			Delete(&collab.Snapshot{}).Error; err != nil {
			return err
		}
		if err := db.Where("document_id = ? AND sequence_num <= ?", head.DocumentID, head.SequenceNum).
			Delete(&collab.Fragment{}).Error; err != nil {
			return err
		}
	}
	return nil
}

// seedDocumentHeads fills the sequence counter for documents written before
// counters existed, so the next push continues after the highest stored entry.
func seedDocumentHeads(db *gorm.DB) error {
	heads := make(map[string]int64)
	for _, model := range []any{&collab.Fragment{}, &collab.Snapshot{}} {
		var rows []documentSequence
		if err := db.Model(model).
			Select("document_id, MAX(sequence_num) AS sequence_num").
			Group("document_id").
			Scan(&rows).Error; err != nil {
			return err
		}
		for _, row := range rows {
			if row.SequenceNum > heads[row.DocumentID] {
				heads[row.DocumentID] = row.SequenceNum
			}
		}
	}
	for documentID, last := range heads {
		head := collab.DocumentHead{DocumentID: documentID, LastSequence: last}
		if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&head).Error; err != nil {
			return err
		}
	}
	return nil
}

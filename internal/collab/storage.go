package collab

// Fragment stores one append-only CRDT delta.
type Fragment struct {
	ID               int64  `gorm:"column:id;primaryKey;autoIncrement"`
	DocumentID       string `gorm:"column:document_id;size:190;not null;uniqueIndex:idx_collab_fragment_sequence,priority:1"`
	SequenceNum      int64  `gorm:"column:sequence_num;not null;uniqueIndex:idx_collab_fragment_sequence,priority:2"`
	Payload          []byte `gorm:"column:payload;not null"`
	OriginClientID   string `gorm:"column:origin_client_id;size:190;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Fragment) TableName() string {
	return "collab_fragments"
}

// Snapshot stores a merged CRDT state covering every fragment up to SequenceNum.
// Rows are keyed by an independent id so a partially failed compaction can
// leave two snapshots side by side; readers pick the highest sequence.
type Snapshot struct {
	ID               int64  `gorm:"column:id;primaryKey;autoIncrement"`
	DocumentID       string `gorm:"column:document_id;size:190;not null;uniqueIndex:idx_collab_snapshot_sequence,priority:1"`
	SequenceNum      int64  `gorm:"column:sequence_num;not null;uniqueIndex:idx_collab_snapshot_sequence,priority:2"`
	Payload          []byte `gorm:"column:payload;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Snapshot) TableName() string {
	return "collab_snapshots"
}

// DocumentHead holds the last sequence number handed out for a document.
type DocumentHead struct {
	DocumentID   string `gorm:"column:document_id;primaryKey;size:190;not null"`
	LastSequence int64  `gorm:"column:last_sequence;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (DocumentHead) TableName() string {
	return "collab_document_heads"
}

// DocumentMirror stores the plain-text projection of a document.
type DocumentMirror struct {
	DocumentID       string `gorm:"column:document_id;primaryKey;size:190;not null"`
	Content          string `gorm:"column:content;type:text;not null"`
	SequenceNum      int64  `gorm:"column:sequence_num;not null;default:0"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (DocumentMirror) TableName() string {
	return "collab_document_mirrors"
}

// Models lists every table owned by this package, for AutoMigrate.
func Models() []any {
	return []any{&Fragment{}, &Snapshot{}, &DocumentHead{}, &DocumentMirror{}}
}

package users

import (
	"hash/fnv"
	"strings"
	"time"
)

// Identity maps a provider-specific login onto the canonical collaborator id
// and remembers how that collaborator is shown to others.
type Identity struct {
	Provider    string    `gorm:"column:provider;primaryKey;size:32;not null"`
	Subject     string    `gorm:"column:subject;primaryKey;size:190;not null"`
	UserID      string    `gorm:"column:user_id;size:190;not null;index"`
	DisplayName string    `gorm:"column:user_display_name;size:320"`
	Color       string    `gorm:"column:user_color;size:32"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at;autoUpdateTime"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing user identities.
func (Identity) TableName() string {
	return "user_identities"
}

// Profile is what collaborators see of each other.
type Profile struct {
	UserID      string
	DisplayName string
	Color       string
}

var palette = []string{
	"#e6194b", "#3cb44b", "#4363d8", "#f58231",
	"#911eb4", "#42d4f4", "#f032e6", "#469990",
	"#9a6324", "#800000", "#808000", "#000075",
}

// colorFor picks a stable palette color for users that never chose one.
func colorFor(userID string) string {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(userID))
	return palette[hasher.Sum32()%uint32(len(palette))]
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}

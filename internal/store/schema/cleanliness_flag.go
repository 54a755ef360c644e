package schema

import "time"

// CleanlinessFlag represents the cleanliness_flags table - cached self-containment of an owner's case set
type CleanlinessFlag struct {
	ID      int64  `gorm:"column:id;primaryKey;autoIncrement"`
	Domain  string `gorm:"column:domain;not null;type:text;uniqueIndex:idx_cleanliness_flags_owner,priority:1"`
	OwnerID string `gorm:"column:owner_id;not null;type:text;uniqueIndex:idx_cleanliness_flags_owner,priority:2"`
	IsClean bool   `gorm:"column:is_clean;not null;default:false"`
	// Hint is diagnostic only: the first case that made the set dirty
	Hint string `gorm:"column:hint;type:text"`
	// LastChecked is nil until the flag was computed once
	LastChecked   *time.Time `gorm:"column:last_checked"`
	InvalidatedAt *time.Time `gorm:"column:invalidated_at;index"`
	UpdatedAt     time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the table name for the CleanlinessFlag model
func (CleanlinessFlag) TableName() string {
	return "cleanliness_flags"
}

// Fresh reports whether the flag was computed after its last invalidation
func (f *CleanlinessFlag) Fresh() bool {
	if f.LastChecked == nil {
		return false
	}
	return f.InvalidatedAt == nil || f.LastChecked.After(*f.InvalidatedAt)
}

package schema

import (
	"time"

	"gorm.io/datatypes"

	"github.com/dimagi/casecore/internal/domain"
)

// Case represents the cases table - the cached projection of a case transaction log
type Case struct {
	ID     string `gorm:"column:id;primaryKey;type:text"`
	Domain string `gorm:"column:domain;not null;type:text;index:idx_cases_owner,priority:1"`
	// The columns below are denormalized from State for querying
	CaseType string `gorm:"column:case_type;type:text"`
	OwnerID  string `gorm:"column:owner_id;type:text;index:idx_cases_owner,priority:2"`
	Closed   bool   `gorm:"column:closed;not null;default:false"`
	// State is the projected domain.CaseState, nil until the first projection
	State datatypes.JSON `gorm:"column:state"`
	// Checksum is the sha256 of the canonical JSON of State
	Checksum string `gorm:"column:checksum;type:text"`
	// LastTransactionID is the id of the last applied transaction
	LastTransactionID int64 `gorm:"column:last_transaction_id;not null;default:0"`
	// AppliedDigest is the chained digest of the applied transaction id sequence
	AppliedDigest string `gorm:"column:applied_digest;type:text"`
	AppliedCount  int    `gorm:"column:applied_count;not null;default:0"`
	// Dirty is set whenever the log changes and cleared when a projection is saved
	Dirty      bool       `gorm:"column:dirty;not null;default:true;index"`
	DeletedOn  *time.Time `gorm:"column:deleted_on"`
	DeletionID *string    `gorm:"column:deletion_id;type:text"`
	// ServerModifiedOn is the server date of the last appended transaction
	ServerModifiedOn time.Time `gorm:"column:server_modified_on;not null"`
	CreatedAt        time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the table name for the Case model
func (Case) TableName() string {
	return "cases"
}

// CaseIndex represents the case_indices table - edges derived from case projections
type CaseIndex struct {
	ID             int64               `gorm:"column:id;primaryKey;autoIncrement"`
	Domain         string              `gorm:"column:domain;not null;type:text"`
	CaseID         string              `gorm:"column:case_id;not null;type:text;uniqueIndex:idx_case_indices_identifier,priority:1"`
	Identifier     string              `gorm:"column:identifier;not null;type:text;uniqueIndex:idx_case_indices_identifier,priority:2"`
	ReferencedType string              `gorm:"column:referenced_type;type:text"`
	ReferencedID   string              `gorm:"column:referenced_id;not null;type:text;index"`
	Relationship   domain.Relationship `gorm:"column:relationship;not null;type:text"`
}

// TableName specifies the table name for the CaseIndex model
func (CaseIndex) TableName() string {
	return "case_indices"
}

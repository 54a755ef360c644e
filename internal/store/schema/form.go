package schema

import (
	"time"

	"gorm.io/datatypes"

	"github.com/dimagi/casecore/internal/domain"
)

// Form represents the forms table - one immutable row per submission
type Form struct {
	// ID is the form id; the first submission of an instance uses its instanceID
	ID string `gorm:"column:id;primaryKey;type:text"`
	// Domain is the tenant the form was submitted to
	Domain string `gorm:"column:domain;not null;type:text;index:idx_forms_domain_received,priority:1"`
	// InstanceID is the client generated meta/instanceID, shared by every version of an edited form
	InstanceID string `gorm:"column:instance_id;not null;type:text;index:idx_forms_instance,priority:2"`
	XMLNS      string `gorm:"column:xmlns;not null;type:text"`
	// State is one of normal, archived, deprecated, deleted, error
	State domain.FormState `gorm:"column:state;not null;type:text;index:idx_forms_instance,priority:1"`
	// OrigID points at the root of the edit chain, nil for the root itself
	OrigID *string `gorm:"column:orig_id;type:text;index"`
	// DeprecatedFormID points back at the version this form replaced
	DeprecatedFormID *string `gorm:"column:deprecated_form_id;type:text"`
	// SupersededByID points forward from a deprecated form to its replacement
	SupersededByID *string    `gorm:"column:superseded_by_id;type:text"`
	UserID         string     `gorm:"column:user_id;type:text"`
	DeviceID       string     `gorm:"column:device_id;type:text"`
	AppVersion     string     `gorm:"column:app_version;type:text"`
	TimeStart      *time.Time `gorm:"column:time_start"`
	TimeEnd        *time.Time `gorm:"column:time_end"`
	// MD5 is the hex digest of the raw payload, used for duplicate detection
	MD5 string `gorm:"column:md5;not null;type:text"`
	// Raw is the submitted XML
	Raw        []byte     `gorm:"column:raw"`
	ReceivedOn time.Time  `gorm:"column:received_on;not null;index:idx_forms_domain_received,priority:2"`
	DeletedOn  *time.Time `gorm:"column:deleted_on"`
	DeletionID *string    `gorm:"column:deletion_id;type:text"`
	// Problem holds the error text of a form stored in the error state
	Problem   *string   `gorm:"column:problem;type:text"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`

	// Associations
	Attachments []FormAttachment `gorm:"foreignKey:FormID;constraint:OnDelete:CASCADE"`
}

// TableName specifies the table name for the Form model
func (Form) TableName() string {
	return "forms"
}

// RootID returns the id of the first form in the edit chain
func (f *Form) RootID() string {
	if f.OrigID != nil && *f.OrigID != "" {
		return *f.OrigID
	}
	return f.ID
}

// FormAttachment represents the form_attachments table - blob references of a form
type FormAttachment struct {
	ID            int64  `gorm:"column:id;primaryKey;autoIncrement"`
	FormID        string `gorm:"column:form_id;not null;type:text;uniqueIndex:idx_form_attachments_name,priority:1"`
	Name          string `gorm:"column:name;not null;type:text;uniqueIndex:idx_form_attachments_name,priority:2"`
	BlobID        string `gorm:"column:blob_id;not null;type:text"`
	ContentType   string `gorm:"column:content_type;not null;type:text"`
	ContentLength int64  `gorm:"column:content_length;not null"`
	MD5           string `gorm:"column:md5;not null;type:text"`
}

// TableName specifies the table name for the FormAttachment model
func (FormAttachment) TableName() string {
	return "form_attachments"
}

// FormOperation represents the form_operations table - audit log of state changes
type FormOperation struct {
	ID        int64                    `gorm:"column:id;primaryKey;autoIncrement"`
	FormID    string                   `gorm:"column:form_id;not null;type:text;index"`
	Operation domain.FormOperationType `gorm:"column:operation;not null;type:text"`
	UserID    string                   `gorm:"column:user_id;type:text"`
	Date      time.Time                `gorm:"column:date;not null"`
	// Meta carries operation specific context, e.g. the replacing form id of an edit
	Meta datatypes.JSON `gorm:"column:meta"`
}

// TableName specifies the table name for the FormOperation model
func (FormOperation) TableName() string {
	return "form_operations"
}

package domain

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// FormState represents the lifecycle state of a stored form
type FormState string

const (
	FormStateNormal     FormState = "normal"
	FormStateArchived   FormState = "archived"
	FormStateDeprecated FormState = "deprecated"
	FormStateDeleted    FormState = "deleted"
	FormStateError      FormState = "error"
)

// CanTransition reports whether a form may move from s to next
func (s FormState) CanTransition(next FormState) bool {
	switch s {
	case FormStateNormal:
		return next == FormStateArchived || next == FormStateDeprecated || next == FormStateDeleted
	case FormStateArchived:
		return next == FormStateNormal || next == FormStateDeleted
	case FormStateDeprecated, FormStateError:
		return next == FormStateDeleted
	default:
		return false
	}
}

// ContributesToProjection reports whether transactions from a form in this state are applied
func (s FormState) ContributesToProjection() bool {
	return s == FormStateNormal
}

// SubmissionStatus is the outcome of a submission as reported to the receiver
type SubmissionStatus string

const (
	SubmissionStatusNormal    SubmissionStatus = "normal"
	SubmissionStatusDuplicate SubmissionStatus = "duplicate"
	SubmissionStatusEdit      SubmissionStatus = "edit"
	SubmissionStatusDeviceLog SubmissionStatus = "device_log"
)

// FormOperationType identifies an entry in a form's operation log
type FormOperationType string

const (
	FormOperationArchive   FormOperationType = "archive"
	FormOperationUnarchive FormOperationType = "unarchive"
	FormOperationEdit      FormOperationType = "edit"
	FormOperationDelete    FormOperationType = "delete"
)

// Relationship is the kind of a case index edge
type Relationship string

const (
	RelationshipChild     Relationship = "child"
	RelationshipExtension Relationship = "extension"
)

// IsValidRelationship checks if a relationship is known
func IsValidRelationship(r Relationship) bool {
	return r == RelationshipChild || r == RelationshipExtension
}

// LedgerKind distinguishes absolute stock counts from relative movements
type LedgerKind string

const (
	// LedgerKindBalance sets the balance to the reported quantity
	LedgerKindBalance LedgerKind = "balance"
	// LedgerKindTransfer moves the reported quantity in or out
	LedgerKindTransfer LedgerKind = "transfer"
)

// NegativeBalancePolicy decides what happens when a ledger would go below zero
type NegativeBalancePolicy string

const (
	NegativeBalanceReject NegativeBalancePolicy = "reject"
	NegativeBalanceAllow  NegativeBalancePolicy = "allow"
)

// ParseNegativeBalancePolicy parses a configured policy, defaulting to reject
func ParseNegativeBalancePolicy(s string) (NegativeBalancePolicy, error) {
	switch NegativeBalancePolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", NegativeBalanceReject:
		return NegativeBalanceReject, nil
	case NegativeBalanceAllow:
		return NegativeBalanceAllow, nil
	default:
		return "", fmt.Errorf("unknown negative balance policy %q", s)
	}
}

// LedgerRef identifies one ledger value
type LedgerRef struct {
	CaseID    string `json:"case_id"`
	SectionID string `json:"section_id"`
	EntryID   string `json:"entry_id"`
}

func (r LedgerRef) String() string {
	return r.CaseID + "/" + r.SectionID + "/" + r.EntryID
}

// Typed case attributes that may appear in a case update block
const (
	CasePropertyType       = "case_type"
	CasePropertyName       = "case_name"
	CasePropertyOwnerID    = "owner_id"
	CasePropertyExternalID = "external_id"
	CasePropertyDateOpened = "date_opened"
	CasePropertyLocationID = "location_id"
)

// reservedCaseProperties cannot be used as extra property names
var reservedCaseProperties = map[string]struct{}{
	"case_id":     {},
	"closed":      {},
	"closed_on":   {},
	"closed_by":   {},
	"opened_by":   {},
	"modified_on": {},
	"deleted":     {},
	"deleted_on":  {},
	"deletion_id": {},
	"indices":     {},
	"attachments": {},
}

var propertyNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.-]*$`)

// IsTypedCaseProperty reports whether name maps onto a typed case attribute
func IsTypedCaseProperty(name string) bool {
	switch name {
	case CasePropertyType, CasePropertyName, CasePropertyOwnerID,
		CasePropertyExternalID, CasePropertyDateOpened, CasePropertyLocationID:
		return true
	}
	return false
}

// ValidateExtraPropertyName checks an open case property name
func ValidateExtraPropertyName(name string) error {
	if !propertyNamePattern.MatchString(name) {
		return fmt.Errorf("invalid case property name %q", name)
	}
	if _, ok := reservedCaseProperties[name]; ok {
		return fmt.Errorf("case property %q is reserved", name)
	}
	return nil
}

// CaseCreate carries the attributes set by a create block
type CaseCreate struct {
	CaseType string `json:"case_type"`
	CaseName string `json:"case_name"`
	OwnerID  string `json:"owner_id"`
}

// IndexChange adds or retargets a named index; an empty ReferencedID removes it
type IndexChange struct {
	Identifier     string       `json:"identifier"`
	ReferencedType string       `json:"referenced_type,omitempty"`
	ReferencedID   string       `json:"referenced_id"`
	Relationship   Relationship `json:"relationship,omitempty"`
}

// AttachmentChange adds or removes a named case attachment
type AttachmentChange struct {
	Identifier    string `json:"identifier"`
	BlobID        string `json:"blob_id,omitempty"`
	ContentType   string `json:"content_type,omitempty"`
	ContentLength int64  `json:"content_length,omitempty"`
	MD5           string `json:"md5,omitempty"`
	Remove        bool   `json:"remove,omitempty"`
}

// CaseDiff is the details payload of a form transaction: the literal change to apply
type CaseDiff struct {
	XMLNS        string             `json:"xmlns,omitempty"`
	UserID       string             `json:"user_id,omitempty"`
	DateModified *time.Time         `json:"date_modified,omitempty"`
	Create       *CaseCreate        `json:"create,omitempty"`
	Update       map[string]string  `json:"update,omitempty"`
	Close        bool               `json:"close,omitempty"`
	Indices      []IndexChange      `json:"indices,omitempty"`
	Attachments  []AttachmentChange `json:"attachments,omitempty"`
}

// TransactionType derives the flag set describing the diff
func (d CaseDiff) TransactionType() TransactionType {
	t := TransactionForm
	if d.Create != nil {
		t = t.With(TransactionCaseCreate)
	}
	if d.Close {
		t = t.With(TransactionCaseClose)
	}
	if len(d.Indices) > 0 {
		t = t.With(TransactionCaseIndex)
	}
	if len(d.Attachments) > 0 {
		t = t.With(TransactionCaseAttachment)
	}
	return t
}

// RebuildDetail is the details payload of a rebuild-typed transaction
type RebuildDetail struct {
	Reason           string `json:"reason,omitempty"`
	UserID           string `json:"user_id,omitempty"`
	FormID           string `json:"form_id,omitempty"`
	Archived         *bool  `json:"archived,omitempty"`
	DeprecatedFormID string `json:"deprecated_form_id,omitempty"`
}

// CaseIndexRef is an index as it appears on a projected case
type CaseIndexRef struct {
	Identifier     string       `json:"identifier"`
	ReferencedType string       `json:"referenced_type"`
	ReferencedID   string       `json:"referenced_id"`
	Relationship   Relationship `json:"relationship"`
}

// CaseAttachmentRef is an attachment as it appears on a projected case
type CaseAttachmentRef struct {
	Identifier    string `json:"identifier"`
	BlobID        string `json:"blob_id"`
	ContentType   string `json:"content_type"`
	ContentLength int64  `json:"content_length"`
	MD5           string `json:"md5"`
}

// CaseState is the projection of a case's transaction log
type CaseState struct {
	CaseID            string              `json:"case_id"`
	Domain            string              `json:"domain"`
	CaseType          string              `json:"case_type"`
	Name              string              `json:"name"`
	OwnerID           string              `json:"owner_id"`
	ExternalID        string              `json:"external_id,omitempty"`
	LocationID        string              `json:"location_id,omitempty"`
	OpenedOn          *time.Time          `json:"opened_on,omitempty"`
	OpenedBy          string              `json:"opened_by,omitempty"`
	Closed            bool                `json:"closed"`
	ClosedOn          *time.Time          `json:"closed_on,omitempty"`
	ClosedBy          string              `json:"closed_by,omitempty"`
	ModifiedOn        time.Time           `json:"modified_on"`
	ModifiedBy        string              `json:"modified_by,omitempty"`
	Indices           []CaseIndexRef      `json:"indices,omitempty"`
	Attachments       []CaseAttachmentRef `json:"attachments,omitempty"`
	Extra             map[string]string   `json:"extra,omitempty"`
	FormIDs           []string            `json:"form_ids,omitempty"`
	LastTransactionID int64               `json:"last_transaction_id"`
	DeletedOn         *time.Time          `json:"deleted_on,omitempty"`
	DeletionID        string              `json:"deletion_id,omitempty"`
}

// Deleted reports whether the case carries a soft delete marker
func (c *CaseState) Deleted() bool {
	return c.DeletedOn != nil
}

// Index returns the named index, if present
func (c *CaseState) Index(identifier string) (CaseIndexRef, bool) {
	for _, idx := range c.Indices {
		if idx.Identifier == identifier {
			return idx, true
		}
	}
	return CaseIndexRef{}, false
}

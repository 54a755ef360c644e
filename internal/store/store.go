package store

import (
	"context"
	"time"

	"github.com/dimagi/casecore/internal/domain"
	"github.com/dimagi/casecore/internal/store/schema"
)

// SchemaVersion is the version of the persisted layout managed by Migrate
const SchemaVersion = 1

// NewCaseTransaction is one case transaction produced by processing a form
type NewCaseTransaction struct {
	CaseID     string
	Type       domain.TransactionType
	Details    []byte
	ClientDate *time.Time
}

// NewLedgerEntry is one ledger movement produced by processing a form
type NewLedgerEntry struct {
	CaseID     string
	SectionID  string
	EntryID    string
	Kind       domain.LedgerKind
	Quantity   int64
	ReportDate *time.Time
}

// Ref returns the ledger key of the entry
func (e NewLedgerEntry) Ref() domain.LedgerRef {
	return domain.LedgerRef{CaseID: e.CaseID, SectionID: e.SectionID, EntryID: e.EntryID}
}

// DeprecateInput names the form a submission replaces
type DeprecateInput struct {
	FormID string
	UserID string
}

// SaveSubmissionInput is everything a form produces, committed as one unit
type SaveSubmissionInput struct {
	// Form is stored with its attachments; ReceivedOn is used as the server date of every transaction
	Form                  *schema.Form
	Transactions          []NewCaseTransaction
	Ledger                []NewLedgerEntry
	NegativeBalancePolicy domain.NegativeBalancePolicy
	// Deprecates is set when the submission is an edit
	Deprecates *DeprecateInput
}

// SaveSubmissionResult reports what a submission touched
type SaveSubmissionResult struct {
	// Duplicate is set when a form with the same id already exists; nothing was written
	Duplicate bool
	// CaseIDs is every case whose log changed, sorted
	CaseIDs []string
	// LedgerRefs is every ledger key whose balance changed
	LedgerRefs []domain.LedgerRef
}

// SetFormArchivedInput archives or unarchives a form
type SetFormArchivedInput struct {
	FormID  string
	UserID  string
	Archive bool
	At      time.Time
}

// DeleteFormInput soft deletes a form
type DeleteFormInput struct {
	FormID     string
	DeletionID string
	At         time.Time
}

// FormMutationResult reports the effect of a form state change
type FormMutationResult struct {
	// Changed is false when the operation was a no-op
	Changed    bool
	Form       *schema.Form
	CaseIDs    []string
	LedgerRefs []domain.LedgerRef
}

// AppendRebuildInput appends a system rebuild transaction to a case log
type AppendRebuildInput struct {
	CaseID string
	Type   domain.TransactionType
	Detail domain.RebuildDetail
	At     time.Time
}

// SaveCaseProjectionInput replaces the cached projection of a case
type SaveCaseProjectionInput struct {
	CaseID            string
	State             []byte
	CaseType          string
	OwnerID           string
	Closed            bool
	Checksum          string
	LastTransactionID int64
	AppliedDigest     string
	AppliedCount      int
	Indices           []schema.CaseIndex
	At                time.Time
}

// SaveCaseProjectionResult reports side effects of saving a projection
type SaveCaseProjectionResult struct {
	// StillDirty is set when transactions were appended after the projected ones
	StillDirty bool
	// InvalidatedOwners lists owners whose cleanliness flags were invalidated
	InvalidatedOwners []string
	Domain            string
}

// LedgerRestamp is the recomputed delta and balance of a stored ledger transaction
type LedgerRestamp struct {
	ID             int64
	Delta          int64
	UpdatedBalance int64
}

// RewriteLedgerInput rewrites the ledger of one case after replay
type RewriteLedgerInput struct {
	CaseID   string
	Restamps []LedgerRestamp
	Values   []schema.LedgerValue
	At       time.Time
}

// SaveCleanlinessFlagInput is the result of a full cleanliness computation
type SaveCleanlinessFlagInput struct {
	Domain  string
	OwnerID string
	IsClean bool
	Hint    string
	At      time.Time
}

// AppendCheckpointInput records a completed restore
type AppendCheckpointInput struct {
	Checkpoint schema.SyncCheckpoint
	// AllowRegression accepts a position lower than the current one
	AllowRegression bool
}

// Store defines the interface for database operations
//
//go:generate mockgen -source=store.go -destination=../mocks/store.go -package=mocks -mock_names=Store=MockStore
type Store interface {
	// Migrate creates or updates the schema and records the schema version
	Migrate(ctx context.Context) error
	// GetSchemaVersion returns the recorded schema version, 0 when never migrated
	GetSchemaVersion(ctx context.Context) (int, error)

	// GetForm retrieves a form with its attachments, nil when not found
	GetForm(ctx context.Context, formID string) (*schema.Form, error)
	// GetLiveFormByInstanceID retrieves the current version of a submitted instance, nil when not found
	GetLiveFormByInstanceID(ctx context.Context, domainName string, instanceID string) (*schema.Form, error)
	// GetFormOperations returns the operation log of a form, oldest first
	GetFormOperations(ctx context.Context, formID string) ([]schema.FormOperation, error)
	// GetFormChain returns every version of the edit chain containing the form, oldest first
	GetFormChain(ctx context.Context, formID string) ([]schema.Form, error)
	// GetFormCaseIDs returns the cases the form has transactions against
	GetFormCaseIDs(ctx context.Context, formID string) ([]string, error)
	// SaveSubmission stores a form and appends all of its transactions atomically
	SaveSubmission(ctx context.Context, input SaveSubmissionInput) (*SaveSubmissionResult, error)
	// SetFormArchived archives or unarchives a form, revoking or restoring its transactions
	SetFormArchived(ctx context.Context, input SetFormArchivedInput) (*FormMutationResult, error)
	// DeleteForm soft deletes a form and the cases it created
	DeleteForm(ctx context.Context, input DeleteFormInput) (*FormMutationResult, error)

	// GetCaseTransactions returns the log of a case ordered by server date then id
	GetCaseTransactions(ctx context.Context, caseID string, includeRevoked bool) ([]schema.CaseTransaction, error)
	// AppendRebuildTransaction appends a rebuild-typed transaction and marks the case dirty
	AppendRebuildTransaction(ctx context.Context, input AppendRebuildInput) (*schema.CaseTransaction, error)
	// ExistingCaseIDs reports which of the given cases have a transaction log
	ExistingCaseIDs(ctx context.Context, caseIDs []string) (map[string]bool, error)

	// GetCase retrieves a cached case row, nil when not found
	GetCase(ctx context.Context, caseID string) (*schema.Case, error)
	// GetCases retrieves cached case rows
	GetCases(ctx context.Context, caseIDs []string) ([]schema.Case, error)
	// SaveCaseProjection stores a projection, replaces the case's index rows and invalidates affected owners
	SaveCaseProjection(ctx context.Context, input SaveCaseProjectionInput) (*SaveCaseProjectionResult, error)
	// ListDirtyCaseIDs returns cases waiting for a rebuild; an empty domain matches every domain
	ListDirtyCaseIDs(ctx context.Context, domainName string, limit int) ([]string, error)
	// ListOpenCaseIDsForOwners returns open, non-deleted cases owned by any of the owners
	ListOpenCaseIDsForOwners(ctx context.Context, domainName string, ownerIDs []string) ([]string, error)
	// GetOutgoingIndices returns the index rows of the given cases
	GetOutgoingIndices(ctx context.Context, caseIDs []string) ([]schema.CaseIndex, error)
	// GetIncomingIndices returns index rows pointing at the given cases with the given relationship
	GetIncomingIndices(ctx context.Context, caseIDs []string, relationship domain.Relationship) ([]schema.CaseIndex, error)

	// GetLedgerTransactions returns the movements of a ledger key ordered by server date then id
	GetLedgerTransactions(ctx context.Context, ref domain.LedgerRef, includeRevoked bool) ([]schema.LedgerTransaction, error)
	// GetCaseLedgerTransactions returns the movements of every ledger key of a case
	GetCaseLedgerTransactions(ctx context.Context, caseID string, includeRevoked bool) ([]schema.LedgerTransaction, error)
	// GetLedgerSnapshot reads the non-revoked movements and the materialized balance of a key in one transaction
	GetLedgerSnapshot(ctx context.Context, ref domain.LedgerRef) ([]schema.LedgerTransaction, *schema.LedgerValue, error)
	// GetLedgerValue retrieves a materialized balance, nil when not found
	GetLedgerValue(ctx context.Context, ref domain.LedgerRef) (*schema.LedgerValue, error)
	// GetLedgerValues returns the materialized balances of the given cases
	GetLedgerValues(ctx context.Context, caseIDs []string) ([]schema.LedgerValue, error)
	// RewriteCaseLedger restamps ledger transactions and replaces the ledger values of a case
	RewriteCaseLedger(ctx context.Context, input RewriteLedgerInput) error
	// SetDailyConsumption updates the consumption estimate of a ledger value
	SetDailyConsumption(ctx context.Context, ref domain.LedgerRef, consumption *float64) error

	// GetCleanlinessFlag retrieves the flag of an owner, nil when never computed
	GetCleanlinessFlag(ctx context.Context, domainName string, ownerID string) (*schema.CleanlinessFlag, error)
	// SaveCleanlinessFlag stores the result of a full computation
	SaveCleanlinessFlag(ctx context.Context, input SaveCleanlinessFlagInput) (*schema.CleanlinessFlag, error)
	// InvalidateCleanliness stamps invalidated_at for the owners
	InvalidateCleanliness(ctx context.Context, domainName string, ownerIDs []string, at time.Time) error
	// FindForeignDependents returns cases owned by someone else that index a case of the owner, in id order
	FindForeignDependents(ctx context.Context, domainName string, ownerID string, limit int) ([]string, error)
	// ListStaleCleanlinessFlags returns flags invalidated after their last computation
	ListStaleCleanlinessFlags(ctx context.Context, limit int) ([]schema.CleanlinessFlag, error)

	// UpsertDevice registers a device or updates its owners
	UpsertDevice(ctx context.Context, device *schema.Device) error
	// GetDevice retrieves a device, nil when not found
	GetDevice(ctx context.Context, deviceID string) (*schema.Device, error)
	// GetLatestCheckpoint retrieves the newest checkpoint row of a device, nil when none
	GetLatestCheckpoint(ctx context.Context, deviceID string) (*schema.SyncCheckpoint, error)
	// AppendCheckpoint appends a checkpoint row, rejecting regressions with domain.ErrCheckpointRegression
	AppendCheckpoint(ctx context.Context, input AppendCheckpointInput) (*schema.SyncCheckpoint, error)

	// GetChangesAfter returns journal entries with a cursor greater than the given one
	GetChangesAfter(ctx context.Context, cursor int64, limit int) ([]schema.ChangesJournal, error)
	// GetKeyValue retrieves a value from the key value store, empty when not found
	GetKeyValue(ctx context.Context, key string) (string, error)
	// SetKeyValue stores a value in the key value store
	SetKeyValue(ctx context.Context, key string, value string) error
}

// Package forms is the write path of the engine: submissions, edits, archival and deletion.
package forms

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/dimagi/casecore/internal/adapter"
	"github.com/dimagi/casecore/internal/blob"
	"github.com/dimagi/casecore/internal/domain"
	"github.com/dimagi/casecore/internal/locks"
	"github.com/dimagi/casecore/internal/logger"
	"github.com/dimagi/casecore/internal/metrics"
	"github.com/dimagi/casecore/internal/processor"
	"github.com/dimagi/casecore/internal/store"
	"github.com/dimagi/casecore/internal/store/schema"
	"github.com/dimagi/casecore/internal/xform"
)

// Attachment is a file submitted alongside the form XML
type Attachment struct {
	Name        string
	ContentType string
	Data        []byte
}

// SubmitInput is one submission as received
type SubmitInput struct {
	Domain      string
	Raw         []byte
	Attachments []Attachment
	// AuthUserID is the authenticated submitter, used when the form carries no meta/userID
	AuthUserID string
}

// EditInput replaces the content of a form
type EditInput struct {
	Raw         []byte
	Attachments []Attachment
	UserID      string
}

// SubmitResult is the outcome of a submission
type SubmitResult struct {
	FormID  string
	Status  domain.SubmissionStatus
	CaseIDs []string
}

// Refresher brings case projections up to date after their log changed.
// Failures leave the cases dirty; they are rebuilt on the next read.
type Refresher interface {
	Refresh(ctx context.Context, caseIDs []string)
}

// Service defines the form store operations
//
//go:generate mockgen -source=forms.go -destination=../mocks/forms.go -package=mocks -mock_names=Service=MockFormService
type Service interface {
	Submit(ctx context.Context, input SubmitInput) (*SubmitResult, error)
	Edit(ctx context.Context, formID string, input EditInput) (*SubmitResult, error)
	Archive(ctx context.Context, formID string, userID string) error
	Unarchive(ctx context.Context, formID string, userID string) error
	Delete(ctx context.Context, formID string, deletionID string) error
	Get(ctx context.Context, formID string) (*schema.Form, error)
	Operations(ctx context.Context, formID string) ([]schema.FormOperation, error)
	Chain(ctx context.Context, formID string) ([]schema.Form, error)
}

// Config holds the write path settings
type Config struct {
	NegativeBalancePolicy domain.NegativeBalancePolicy
}

type service struct {
	cfg       Config
	store     store.Store
	blobs     blob.Store
	registry  *processor.Registry
	locker    locks.Locker
	refresher Refresher
	clock     adapter.Clock
	ids       adapter.IDGenerator
}

// NewService creates the form store service
func NewService(
	cfg Config,
	st store.Store,
	blobs blob.Store,
	registry *processor.Registry,
	locker locks.Locker,
	refresher Refresher,
	clock adapter.Clock,
	ids adapter.IDGenerator,
) Service {
	if cfg.NegativeBalancePolicy == "" {
		cfg.NegativeBalancePolicy = domain.NegativeBalanceReject
	}
	return &service{
		cfg:       cfg,
		store:     st,
		blobs:     blobs,
		registry:  registry,
		locker:    locker,
		refresher: refresher,
		clock:     clock,
		ids:       ids,
	}
}

func instanceLockKey(domainName, instanceID string) string {
	return "instance:" + domainName + ":" + instanceID
}

// Submit stores a new submission. A resubmission of a known instance is a duplicate when the
// payload is identical and an edit of the live version otherwise.
func (s *service) Submit(ctx context.Context, input SubmitInput) (*SubmitResult, error) {
	parsed, err := xform.Parse(input.Raw)
	if err != nil {
		metrics.SubmissionErrors.WithLabelValues("malformed").Inc()
		return nil, err
	}
	digest := md5Hex(input.Raw)
	ctx = logger.WithFields(ctx,
		zap.String("domain", input.Domain),
		zap.String("instanceID", parsed.Meta.InstanceID))

	release, err := s.locker.Lock(ctx, instanceLockKey(input.Domain, parsed.Meta.InstanceID))
	if err != nil {
		return nil, fmt.Errorf("failed to lock instance: %w", err)
	}
	defer release()

	live, err := s.store.GetLiveFormByInstanceID(ctx, input.Domain, parsed.Meta.InstanceID)
	if err != nil {
		return nil, err
	}

	formID := parsed.Meta.InstanceID
	var previous *schema.Form
	if live != nil && live.State == domain.FormStateDeleted {
		// a deleted instance is accepted again as a new form
		live = nil
		formID = s.ids.NewUUID()
	}
	if live != nil {
		if live.MD5 == digest {
			logger.InfoCtx(ctx, "Duplicate submission", zap.String("formID", live.ID))
			metrics.Submissions.WithLabelValues(string(domain.SubmissionStatusDuplicate)).Inc()
			return &SubmitResult{FormID: live.ID, Status: domain.SubmissionStatusDuplicate}, nil
		}
		if live.State == domain.FormStateNormal {
			previous = live
		}
		formID = s.ids.NewUUID()
	} else if formID == parsed.Meta.InstanceID {
		// the instance id may already be taken by a deprecated version or another domain
		existing, err := s.store.GetForm(ctx, formID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			formID = s.ids.NewUUID()
		}
	}

	userID := parsed.Meta.UserID
	if userID == "" {
		userID = input.AuthUserID
	}

	return s.save(ctx, saveInput{
		domain:      input.Domain,
		formID:      formID,
		parsed:      parsed,
		raw:         input.Raw,
		md5:         digest,
		attachments: input.Attachments,
		userID:      userID,
		previous:    previous,
		editor:      userID,
	})
}

// Edit replaces a normal form with a new version
func (s *service) Edit(ctx context.Context, formID string, input EditInput) (*SubmitResult, error) {
	parsed, err := xform.Parse(input.Raw)
	if err != nil {
		metrics.SubmissionErrors.WithLabelValues("malformed").Inc()
		return nil, err
	}

	old, err := s.store.GetForm(ctx, formID)
	if err != nil {
		return nil, err
	}
	if old == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrFormNotFound, formID)
	}
	if old.State != domain.FormStateNormal {
		return nil, fmt.Errorf("%w: cannot edit form %s in state %s", domain.ErrInvalidFormState, formID, old.State)
	}

	ctx = logger.WithFields(ctx, zap.String("domain", old.Domain), zap.String("formID", formID))

	release, err := s.locker.Lock(ctx, instanceLockKey(old.Domain, old.InstanceID))
	if err != nil {
		return nil, fmt.Errorf("failed to lock instance: %w", err)
	}
	defer release()

	userID := input.UserID
	if userID == "" {
		userID = parsed.Meta.UserID
	}

	return s.save(ctx, saveInput{
		domain:      old.Domain,
		formID:      s.ids.NewUUID(),
		parsed:      parsed,
		raw:         input.Raw,
		md5:         md5Hex(input.Raw),
		attachments: input.Attachments,
		userID:      userID,
		previous:    old,
		editor:      input.UserID,
	})
}

type saveInput struct {
	domain      string
	formID      string
	parsed      *xform.Form
	raw         []byte
	md5         string
	attachments []Attachment
	userID      string
	// previous is the normal form this submission replaces
	previous *schema.Form
	editor   string
}

func (s *service) save(ctx context.Context, in saveInput) (*SubmitResult, error) {
	// Attachments go to the blob store before the database unit opens
	stored := make(map[string]blob.Info, len(in.attachments))
	rows := make([]schema.FormAttachment, 0, len(in.attachments))
	for _, a := range in.attachments {
		info, err := s.blobs.Put(ctx, a.Data, a.ContentType)
		if err != nil {
			return nil, fmt.Errorf("failed to store attachment %s: %w", a.Name, err)
		}
		stored[a.Name] = info
		rows = append(rows, schema.FormAttachment{
			Name:          a.Name,
			BlobID:        info.BlobID,
			ContentType:   info.ContentType,
			ContentLength: info.ContentLength,
			MD5:           info.MD5,
		})
	}

	result, err := s.registry.Handler(in.parsed.XMLNS).Process(ctx, &processor.Input{Form: in.parsed, Attachments: stored})
	if err != nil {
		if errors.Is(err, domain.ErrMalformedSubmission) {
			metrics.SubmissionErrors.WithLabelValues("malformed").Inc()
		}
		return nil, err
	}

	form := &schema.Form{
		ID:          in.formID,
		Domain:      in.domain,
		InstanceID:  in.parsed.Meta.InstanceID,
		XMLNS:       in.parsed.XMLNS,
		State:       domain.FormStateNormal,
		UserID:      in.userID,
		DeviceID:    in.parsed.Meta.DeviceID,
		AppVersion:  in.parsed.Meta.AppVersion,
		TimeStart:   in.parsed.Meta.TimeStart,
		TimeEnd:     in.parsed.Meta.TimeEnd,
		MD5:         in.md5,
		Raw:         in.raw,
		ReceivedOn:  s.clock.Now(),
		Attachments: rows,
	}

	status := result.Status
	var deprecates *store.DeprecateInput
	caseIDs := caseIDsOf(result)
	if in.previous != nil {
		root := in.previous.RootID()
		previousID := in.previous.ID
		form.OrigID = &root
		form.DeprecatedFormID = &previousID
		// every version of an edit chain keeps the root instance id
		form.InstanceID = in.previous.InstanceID
		deprecates = &store.DeprecateInput{FormID: previousID, UserID: in.editor}
		status = domain.SubmissionStatusEdit

		oldCaseIDs, err := s.store.GetFormCaseIDs(ctx, previousID)
		if err != nil {
			return nil, err
		}
		caseIDs = append(caseIDs, oldCaseIDs...)
	}

	release, err := s.locker.Lock(ctx, caseLockKeys(caseIDs)...)
	if err != nil {
		return nil, fmt.Errorf("failed to lock cases: %w", err)
	}

	saved, err := s.store.SaveSubmission(ctx, store.SaveSubmissionInput{
		Form:                  form,
		Transactions:          result.Transactions,
		Ledger:                result.Ledger,
		NegativeBalancePolicy: s.cfg.NegativeBalancePolicy,
		Deprecates:            deprecates,
	})
	release()
	if err != nil {
		if errors.Is(err, domain.ErrMalformedSubmission) {
			metrics.SubmissionErrors.WithLabelValues("malformed").Inc()
		}
		return nil, err
	}

	if saved.Duplicate {
		metrics.Submissions.WithLabelValues(string(domain.SubmissionStatusDuplicate)).Inc()
		return &SubmitResult{FormID: form.ID, Status: domain.SubmissionStatusDuplicate}, nil
	}

	logger.InfoCtx(ctx, "Form stored",
		zap.String("formID", form.ID),
		zap.String("status", string(status)),
		zap.Int("cases", len(saved.CaseIDs)),
		zap.Int("ledgers", len(saved.LedgerRefs)))
	metrics.Submissions.WithLabelValues(string(status)).Inc()

	s.refresh(ctx, saved.CaseIDs)

	return &SubmitResult{FormID: form.ID, Status: status, CaseIDs: saved.CaseIDs}, nil
}

// Archive moves a normal form to archived and revokes its transactions
func (s *service) Archive(ctx context.Context, formID string, userID string) error {
	return s.setArchived(ctx, formID, userID, true)
}

// Unarchive restores an archived form and its transactions
func (s *service) Unarchive(ctx context.Context, formID string, userID string) error {
	return s.setArchived(ctx, formID, userID, false)
}

func (s *service) setArchived(ctx context.Context, formID string, userID string, archive bool) error {
	ctx = logger.WithFields(ctx, zap.String("formID", formID), zap.Bool("archive", archive))

	release, err := s.lockFormCases(ctx, formID)
	if err != nil {
		return err
	}
	res, err := s.store.SetFormArchived(ctx, store.SetFormArchivedInput{
		FormID:  formID,
		UserID:  userID,
		Archive: archive,
		At:      s.clock.Now(),
	})
	release()
	if err != nil {
		return err
	}

	if !res.Changed {
		logger.DebugCtx(ctx, "Form already in requested state")
		return nil
	}

	logger.InfoCtx(ctx, "Form archive state changed", zap.Int("cases", len(res.CaseIDs)))
	s.refresh(ctx, res.CaseIDs)
	return nil
}

// Delete soft deletes a form and every case it created
func (s *service) Delete(ctx context.Context, formID string, deletionID string) error {
	if deletionID == "" {
		deletionID = s.ids.NewUUID()
	}
	ctx = logger.WithFields(ctx, zap.String("formID", formID), zap.String("deletionID", deletionID))

	release, err := s.lockFormCases(ctx, formID)
	if err != nil {
		return err
	}
	res, err := s.store.DeleteForm(ctx, store.DeleteFormInput{
		FormID:     formID,
		DeletionID: deletionID,
		At:         s.clock.Now(),
	})
	release()
	if err != nil {
		return err
	}

	logger.InfoCtx(ctx, "Form deleted", zap.Int("cases", len(res.CaseIDs)))
	s.refresh(ctx, res.CaseIDs)
	return nil
}

func (s *service) Get(ctx context.Context, formID string) (*schema.Form, error) {
	form, err := s.store.GetForm(ctx, formID)
	if err != nil {
		return nil, err
	}
	if form == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrFormNotFound, formID)
	}
	return form, nil
}

func (s *service) Operations(ctx context.Context, formID string) ([]schema.FormOperation, error) {
	if _, err := s.Get(ctx, formID); err != nil {
		return nil, err
	}
	return s.store.GetFormOperations(ctx, formID)
}

func (s *service) Chain(ctx context.Context, formID string) ([]schema.Form, error) {
	chain, err := s.store.GetFormChain(ctx, formID)
	if err != nil {
		return nil, err
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrFormNotFound, formID)
	}
	return chain, nil
}

func (s *service) lockFormCases(ctx context.Context, formID string) (func(), error) {
	caseIDs, err := s.store.GetFormCaseIDs(ctx, formID)
	if err != nil {
		return nil, err
	}
	release, err := s.locker.Lock(ctx, caseLockKeys(caseIDs)...)
	if err != nil {
		return nil, fmt.Errorf("failed to lock cases: %w", err)
	}
	return release, nil
}

func (s *service) refresh(ctx context.Context, caseIDs []string) {
	if s.refresher == nil || len(caseIDs) == 0 {
		return
	}
	s.refresher.Refresh(ctx, caseIDs)
}

func caseIDsOf(result *processor.Result) []string {
	ids := make([]string, 0, len(result.Transactions))
	for _, t := range result.Transactions {
		ids = append(ids, t.CaseID)
	}
	for _, e := range result.Ledger {
		ids = append(ids, e.CaseID)
	}
	return ids
}

func caseLockKeys(caseIDs []string) []string {
	keys := make([]string, 0, len(caseIDs))
	for _, id := range caseIDs {
		keys = append(keys, store.CaseLockKey(id))
	}
	return keys
}

func md5Hex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

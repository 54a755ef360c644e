package projector

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/dimagi/casecore/internal/adapter"
	"github.com/dimagi/casecore/internal/blob"
	"github.com/dimagi/casecore/internal/domain"
	"github.com/dimagi/casecore/internal/forms"
	"github.com/dimagi/casecore/internal/locks"
	"github.com/dimagi/casecore/internal/logger"
	"github.com/dimagi/casecore/internal/processor"
	"github.com/dimagi/casecore/internal/store"
	"github.com/dimagi/casecore/internal/store/schema"
	"github.com/dimagi/casecore/internal/store/storetest"
)

const testDomain = "demo"

func TestMain(m *testing.M) {
	if err := logger.Initialize(logger.Config{Debug: false}); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

type recordingRetry struct {
	mu    sync.Mutex
	cases []string
}

func (r *recordingRetry) ScheduleRebuild(_ context.Context, caseID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cases = append(r.cases, caseID)
	return nil
}

type recordingOwners struct {
	mu     sync.Mutex
	owners []string
}

func (r *recordingOwners) Schedule(_ context.Context, _ string, ownerIDs ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.owners = append(r.owners, ownerIDs...)
}

type harness struct {
	db        *gorm.DB
	store     store.Store
	locker    locks.Locker
	clock     *storetest.StepClock
	projector Projector
	forms     forms.Service
	owners    *recordingOwners
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := storetest.OpenDB(t)
	h := &harness{
		db:     db,
		store:  store.NewPGStore(db),
		locker: locks.NewKeyedLocker(),
		clock:  storetest.NewStepClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)),
		owners: &recordingOwners{},
	}
	h.projector = New(Config{}, h.store, h.locker, adapter.NewJSON(), h.clock, nil, h.owners)
	h.forms = forms.NewService(forms.Config{}, h.store, blob.NewMemoryStore(),
		processor.NewDefaultRegistry(adapter.NewJSON()), h.locker, h.projector, h.clock, adapter.NewIDGenerator())
	return h
}

func (h *harness) submit(t *testing.T, instanceID string, blocks ...string) string {
	t.Helper()
	res, err := h.forms.Submit(context.Background(), forms.SubmitInput{
		Domain: testDomain,
		Raw:    storetest.FormXML(instanceID, "user-1", blocks...),
	})
	require.NoError(t, err)
	return res.FormID
}

func TestProjectIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.submit(t, "f1", storetest.CreateCase("c1", "patient", "Asha", "o1"))
	h.submit(t, "f2", storetest.UpdateCase("c1", map[string]string{"village": "Kisumu", "external_id": "E-1"}))

	first, err := h.projector.Project(ctx, "c1")
	require.NoError(t, err)
	second, err := h.projector.Project(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	assert.Equal(t, "patient", first.CaseType)
	assert.Equal(t, "Asha", first.Name)
	assert.Equal(t, "o1", first.OwnerID)
	assert.Equal(t, "E-1", first.ExternalID)
	assert.Equal(t, map[string]string{"village": "Kisumu"}, first.Extra)
	assert.Equal(t, []string{"f1", "f2"}, first.FormIDs)
	require.NotNil(t, first.OpenedOn)
	assert.Equal(t, "user-1", first.OpenedBy)

	row, err := h.store.GetCase(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, row.Dirty)
	assert.Equal(t, 2, row.AppliedCount)
	assert.Equal(t, first.LastTransactionID, row.LastTransactionID)
}

func TestProjectIncremental(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.submit(t, "f1", storetest.CreateCase("c1", "patient", "Asha", "o1"))
	before, err := h.store.GetCase(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, 1, before.AppliedCount)

	// refreshed through the incremental path by the write path
	h.submit(t, "f2", storetest.UpdateCase("c1", map[string]string{"age": "31"}))
	after, err := h.store.GetCase(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 2, after.AppliedCount)
	assert.NotEqual(t, before.AppliedDigest, after.AppliedDigest)

	state, err := h.projector.Project(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "31", state.Extra["age"])
	assert.Equal(t, "Asha", state.Name)
}

func TestRevokedCopyLeavesProjectionUnchanged(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	json := adapter.NewJSON()

	h.submit(t, "f1", storetest.CreateCase("c1", "patient", "Asha", "o1"))
	h.submit(t, "f2", storetest.UpdateCase("c1", map[string]string{"village": "Kisumu"}), storetest.CloseCase("c1"))

	before, err := h.projector.Project(ctx, "c1")
	require.NoError(t, err)
	beforeJSON, err := json.Marshal(before)
	require.NoError(t, err)

	txns, err := h.store.GetCaseTransactions(ctx, "c1", false)
	require.NoError(t, err)
	copied := txns[len(txns)-1]
	copied.ID = 0
	copiedForm := "f2-copy"
	copied.FormID = &copiedForm
	copied.Revoked = true
	require.NoError(t, h.db.Create(&copied).Error)

	// force a full refold over the log including the revoked copy
	require.NoError(t, h.db.Model(&schema.Case{}).Where("id = ?", "c1").Update("dirty", true).Error)

	after, err := h.projector.Project(ctx, "c1")
	require.NoError(t, err)
	afterJSON, err := json.Marshal(after)
	require.NoError(t, err)
	assert.Equal(t, string(beforeJSON), string(afterJSON))
}

func TestConcurrentSubmitsSerializePerCase(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.submit(t, "f0", storetest.CreateCase("c1", "patient", "Asha", "o1"))

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 1; i <= n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.forms.Submit(ctx, forms.SubmitInput{
				Domain: testDomain,
				Raw: storetest.FormXML(fmt.Sprintf("f%d", i), "user-1",
					storetest.UpdateCase("c1", map[string]string{"visit": fmt.Sprintf("%d", i)})),
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	txns, err := h.store.GetCaseTransactions(ctx, "c1", false)
	require.NoError(t, err)
	require.Len(t, txns, n+1)
	for i := 1; i < len(txns); i++ {
		prev, cur := txns[i-1], txns[i]
		ordered := prev.ServerDate.Before(cur.ServerDate) ||
			(prev.ServerDate.Equal(cur.ServerDate) && prev.ID < cur.ID)
		assert.True(t, ordered, "transaction %d out of order", cur.ID)
	}

	state, err := h.projector.Project(ctx, "c1")
	require.NoError(t, err)
	logOrder := make([]string, 0, len(txns))
	for _, txn := range txns {
		logOrder = append(logOrder, txn.FormIDValue())
	}
	assert.Equal(t, logOrder, state.FormIDs)
	assert.Equal(t, "f"+state.Extra["visit"], logOrder[len(logOrder)-1])

	// a full refold over the same log yields the same state
	require.NoError(t, h.db.Model(&schema.Case{}).Where("id = ?", "c1").Update("dirty", true).Error)
	refolded, err := h.projector.Project(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, state, refolded)
}

func TestCloseArchiveUnarchive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.submit(t, "f1", storetest.CreateCase("c1", "patient", "Asha", "o1"))
	f2 := h.submit(t, "f2", storetest.CloseCase("c1"))

	state, err := h.projector.Project(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, state.Closed)
	assert.Equal(t, "user-1", state.ClosedBy)

	require.NoError(t, h.forms.Archive(ctx, f2, "admin"))
	state, err = h.projector.Project(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, state.Closed)
	assert.Nil(t, state.ClosedOn)

	require.NoError(t, h.forms.Unarchive(ctx, f2, "admin"))
	state, err = h.projector.Project(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, state.Closed)
}

func TestArchiveUnarchiveRestoresCreatedCase(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	f1 := h.submit(t, "f1",
		storetest.CreateCase("c1", "patient", "Asha", "o1"),
		storetest.IndexCase("c1", "parent", "household", "hh-1", "child"))
	original, err := h.projector.Project(ctx, "c1")
	require.NoError(t, err)

	require.NoError(t, h.forms.Archive(ctx, f1, "admin"))
	archived, err := h.projector.Project(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, archived.CaseType)
	assert.Empty(t, archived.Indices)

	require.NoError(t, h.forms.Unarchive(ctx, f1, "admin"))
	restored, err := h.projector.Project(ctx, "c1")
	require.NoError(t, err)

	assert.Equal(t, original.CaseType, restored.CaseType)
	assert.Equal(t, original.Name, restored.Name)
	assert.Equal(t, original.OwnerID, restored.OwnerID)
	assert.Equal(t, original.Indices, restored.Indices)
	assert.Equal(t, original.OpenedOn, restored.OpenedOn)
	assert.Equal(t, original.Closed, restored.Closed)

	indices, err := h.store.GetOutgoingIndices(ctx, []string{"c1"})
	require.NoError(t, err)
	require.Len(t, indices, 1)
	assert.Equal(t, "hh-1", indices[0].ReferencedID)
}

func TestEditReflectsOnlyNewVersion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	f1 := h.submit(t, "f1",
		storetest.CreateCase("c1", "patient", "Asha", "o1"),
		storetest.UpdateCase("c1", map[string]string{"village": "Kisumu"}))

	res, err := h.forms.Edit(ctx, f1, forms.EditInput{
		Raw: storetest.FormXML("f1", "user-1",
			storetest.CreateCase("c1", "patient", "Asha K", "o1"),
			storetest.UpdateCase("c1", map[string]string{"district": "Siaya"})),
		UserID: "editor",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.SubmissionStatusEdit, res.Status)

	old, err := h.forms.Get(ctx, f1)
	require.NoError(t, err)
	assert.Equal(t, domain.FormStateDeprecated, old.State)
	replacement, err := h.forms.Get(ctx, res.FormID)
	require.NoError(t, err)
	assert.Equal(t, domain.FormStateNormal, replacement.State)

	state, err := h.projector.Project(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "Asha K", state.Name)
	assert.Equal(t, map[string]string{"district": "Siaya"}, state.Extra)
	assert.Equal(t, []string{res.FormID}, state.FormIDs)
}

func TestDeleteMarksCreatedCase(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	f1 := h.submit(t, "f1", storetest.CreateCase("c1", "patient", "Asha", "o1"))
	require.NoError(t, h.forms.Delete(ctx, f1, "del-1"))

	state, err := h.projector.Project(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, state.Deleted())
	assert.Equal(t, "del-1", state.DeletionID)
}

func TestChecksumMismatchRebuilds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.submit(t, "f1", storetest.CreateCase("c1", "patient", "Asha", "o1"))
	require.NoError(t, h.db.Model(&schema.Case{}).Where("id = ?", "c1").
		Update("checksum", "tampered").Error)

	state, err := h.projector.Project(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "Asha", state.Name)

	txns, err := h.store.GetCaseTransactions(ctx, "c1", false)
	require.NoError(t, err)
	last := txns[len(txns)-1]
	assert.True(t, last.Type.Has(domain.TransactionRebuildWithReason))
	assert.Contains(t, string(last.Details), domain.CASE_CORRUPTION_REASON)

	row, err := h.store.GetCase(ctx, "c1")
	require.NoError(t, err)
	assert.NotEqual(t, "tampered", row.Checksum)
	assert.False(t, row.Dirty)
}

func TestProjectionError(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.submit(t, "f1", storetest.CreateCase("c1", "patient", "Asha", "o1"))
	h.submit(t, "f2", storetest.UpdateCase("c1", map[string]string{"date_opened": "someday"}))

	_, err := h.projector.Project(ctx, "c1")
	require.Error(t, err)
	var projErr *domain.ProjectionError
	require.True(t, errors.As(err, &projErr))
	assert.Equal(t, "c1", projErr.CaseID)
	assert.NotZero(t, projErr.TransactionID)
	assert.False(t, domain.IsRetryable(err))

	row, err := h.store.GetCase(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, row.Dirty)
}

func TestRebuildTimeoutServesLastGood(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.submit(t, "f1", storetest.CreateCase("c1", "patient", "Asha", "o1"))
	lastGood, err := h.projector.Project(ctx, "c1")
	require.NoError(t, err)

	retry := &recordingRetry{}
	// every clock reading moves one second, so the budget is spent before the first transaction
	slow := New(Config{RebuildTimeout: time.Millisecond}, h.store, h.locker, adapter.NewJSON(), h.clock, retry, nil)

	state, err := slow.Rebuild(ctx, "c1", "admin")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrRebuildTimeout))
	assert.True(t, domain.IsRetryable(err))
	assert.Equal(t, lastGood, state)
	assert.Equal(t, []string{"c1"}, retry.cases)

	row, err := h.store.GetCase(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, row.Dirty)
}

func TestIndexChangeSchedulesOwners(t *testing.T) {
	h := newHarness(t)

	h.submit(t, "f1", storetest.CreateCase("hh-1", "household", "Home", "o2"))
	h.submit(t, "f2",
		storetest.CreateCase("c1", "patient", "Asha", "o1"),
		storetest.IndexCase("c1", "host", "household", "hh-1", "extension"))

	assert.Contains(t, h.owners.owners, "o1")
	assert.Contains(t, h.owners.owners, "o2")
}

func TestProjectUnknownCase(t *testing.T) {
	h := newHarness(t)
	_, err := h.projector.Project(context.Background(), "nope")
	assert.True(t, errors.Is(err, domain.ErrCaseNotFound))
}

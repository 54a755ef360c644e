package ledger

import (
	"context"
	"errors"
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
	"github.com/dimagi/casecore/internal/processor"
	"github.com/dimagi/casecore/internal/store"
	"github.com/dimagi/casecore/internal/store/schema"
	"github.com/dimagi/casecore/internal/store/storetest"
)

var aspirin = domain.LedgerRef{CaseID: "c1", SectionID: "stock", EntryID: "aspirin"}

type testLedger struct {
	db     *gorm.DB
	store  store.Store
	forms  forms.Service
	locker locks.Locker
	engine Engine
}

func setupTestLedger(t *testing.T) *testLedger {
	t.Helper()
	db := storetest.OpenDB(t)
	st := store.NewPGStore(db)
	locker := locks.NewKeyedLocker()
	clock := storetest.NewStepClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	return &testLedger{
		db:    db,
		store: st,
		forms: forms.NewService(forms.Config{}, st, blob.NewMemoryStore(),
			processor.NewDefaultRegistry(adapter.NewJSON()), locker, nil, clock, adapter.NewIDGenerator()),
		locker: locker,
		engine: New(Config{}, st, locker, clock),
	}
}

func (tl *testLedger) submit(t *testing.T, instanceID string, blocks ...string) string {
	t.Helper()
	res, err := tl.forms.Submit(context.Background(), forms.SubmitInput{
		Domain: "demo",
		Raw:    storetest.FormXML(instanceID, "user-1", blocks...),
	})
	require.NoError(t, err)
	return res.FormID
}

func TestProjectLedgerTransfers(t *testing.T) {
	tl := setupTestLedger(t)
	ctx := context.Background()

	tl.submit(t, "f1",
		storetest.CreateCase("c1", "supply-point", "Clinic", "o1"),
		storetest.Transfer("", "c1", "stock", "aspirin", 10))
	tl.submit(t, "f2", storetest.Transfer("c1", "", "stock", "aspirin", 3))

	value, err := tl.engine.ProjectLedger(ctx, aspirin)
	require.NoError(t, err)
	require.NotNil(t, value)
	assert.Equal(t, int64(7), value.Balance)
	assert.False(t, value.LedgerError)

	txns, err := tl.store.GetLedgerTransactions(ctx, aspirin, false)
	require.NoError(t, err)
	var sum int64
	for _, txn := range txns {
		sum += txn.Delta
	}
	assert.Equal(t, value.Balance, sum)
}

func TestProjectLedgerBalanceReports(t *testing.T) {
	tl := setupTestLedger(t)
	ctx := context.Background()

	tl.submit(t, "f1", storetest.Balance("c1", "stock", "aspirin", 10))
	f2 := tl.submit(t, "f2", storetest.Transfer("c1", "", "stock", "aspirin", 3))
	tl.submit(t, "f3", storetest.Balance("c1", "stock", "aspirin", 5))

	txns, err := tl.store.GetLedgerTransactions(ctx, aspirin, false)
	require.NoError(t, err)
	require.Len(t, txns, 3)
	assert.Equal(t, []int64{10, -3, -2}, []int64{txns[0].Delta, txns[1].Delta, txns[2].Delta})

	require.NoError(t, tl.forms.Archive(ctx, f2, "admin"))

	value, err := tl.engine.ProjectLedger(ctx, aspirin)
	require.NoError(t, err)
	assert.Equal(t, int64(5), value.Balance)

	txns, err = tl.store.GetLedgerTransactions(ctx, aspirin, false)
	require.NoError(t, err)
	require.Len(t, txns, 2)
	assert.Equal(t, int64(-5), txns[1].Delta)
}

func TestProjectLedgerDetectsInconsistency(t *testing.T) {
	tl := setupTestLedger(t)
	ctx := context.Background()

	tl.submit(t, "f1", storetest.Transfer("", "c1", "stock", "aspirin", 10))
	tl.submit(t, "f2", storetest.Transfer("c1", "", "stock", "aspirin", 3))

	txns, err := tl.store.GetLedgerTransactions(ctx, aspirin, false)
	require.NoError(t, err)
	require.NoError(t, tl.db.Model(&schema.LedgerTransaction{}).Where("id = ?", txns[1].ID).
		Update("updated_balance", 9).Error)

	_, err = tl.engine.ProjectLedger(ctx, aspirin)
	require.Error(t, err)
	var inconsistency *domain.LedgerInconsistencyError
	require.True(t, errors.As(err, &inconsistency))
	assert.Equal(t, txns[1].ID, inconsistency.TransactionID)
	assert.Equal(t, int64(7), inconsistency.Expected)
	assert.Equal(t, int64(9), inconsistency.Stored)
	assert.True(t, errors.Is(err, domain.ErrLedgerInconsistency))

	// never corrected on read
	stored, err := tl.store.GetLedgerTransactions(ctx, aspirin, false)
	require.NoError(t, err)
	assert.Equal(t, int64(9), stored[1].UpdatedBalance)
}

func TestProjectLedgerDetectsCorruptDelta(t *testing.T) {
	tl := setupTestLedger(t)
	ctx := context.Background()

	tl.submit(t, "f1", storetest.Transfer("", "c1", "stock", "aspirin", 10))
	tl.submit(t, "f2", storetest.Transfer("c1", "", "stock", "aspirin", 3))

	txns, err := tl.store.GetLedgerTransactions(ctx, aspirin, false)
	require.NoError(t, err)
	require.NoError(t, tl.db.Model(&schema.LedgerTransaction{}).Where("id = ?", txns[1].ID).
		Update("delta", -30).Error)

	_, err = tl.engine.ProjectLedger(ctx, aspirin)
	var inconsistency *domain.LedgerInconsistencyError
	require.True(t, errors.As(err, &inconsistency))
	assert.Equal(t, txns[1].ID, inconsistency.TransactionID)
	assert.Equal(t, domain.LedgerFieldDelta, inconsistency.Field)
	assert.Equal(t, int64(-3), inconsistency.Expected)
	assert.Equal(t, int64(-30), inconsistency.Stored)
	assert.Contains(t, err.Error(), "replayed delta -3, stored -30")
}

// submitDuringRead starts a submission the moment the ledger is read and
// reports whether it finished before the read returned
type submitDuringRead struct {
	store.Store
	submit   func()
	done     chan struct{}
	finished bool
}

func (s *submitDuringRead) GetLedgerSnapshot(ctx context.Context, ref domain.LedgerRef) ([]schema.LedgerTransaction, *schema.LedgerValue, error) {
	if s.done == nil {
		s.done = make(chan struct{})
		go func() {
			defer close(s.done)
			s.submit()
		}()
		select {
		case <-s.done:
			s.finished = true
		case <-time.After(100 * time.Millisecond):
		}
	}
	return s.Store.GetLedgerSnapshot(ctx, ref)
}

func TestProjectLedgerExclusiveWithSubmit(t *testing.T) {
	tl := setupTestLedger(t)
	ctx := context.Background()

	tl.submit(t, "f1", storetest.Transfer("", "c1", "stock", "aspirin", 10))

	var submitErr error
	wrapped := &submitDuringRead{Store: tl.store}
	wrapped.submit = func() {
		_, submitErr = tl.forms.Submit(ctx, forms.SubmitInput{
			Domain: "demo",
			Raw:    storetest.FormXML("f2", "user-1", storetest.Transfer("c1", "", "stock", "aspirin", 3)),
		})
	}
	reader := New(Config{}, wrapped, tl.locker, storetest.NewStepClock(time.Now()))

	value, err := reader.ProjectLedger(ctx, aspirin)
	require.NoError(t, err)
	assert.False(t, wrapped.finished, "submission committed while the ledger was being read")
	assert.Equal(t, int64(10), value.Balance)

	<-wrapped.done
	require.NoError(t, submitErr)

	value, err = reader.ProjectLedger(ctx, aspirin)
	require.NoError(t, err)
	assert.Equal(t, int64(7), value.Balance)
}

func TestProjectLedgerValueMismatch(t *testing.T) {
	tl := setupTestLedger(t)
	ctx := context.Background()

	tl.submit(t, "f1", storetest.Transfer("", "c1", "stock", "aspirin", 10))
	require.NoError(t, tl.db.Model(&schema.LedgerValue{}).Where("case_id = ?", "c1").
		Update("balance", 4).Error)

	_, err := tl.engine.ProjectLedger(ctx, aspirin)
	var inconsistency *domain.LedgerInconsistencyError
	require.True(t, errors.As(err, &inconsistency))
	assert.Equal(t, int64(10), inconsistency.Expected)
	assert.Equal(t, int64(4), inconsistency.Stored)
}

func TestValuesVerifiesEveryKey(t *testing.T) {
	tl := setupTestLedger(t)
	ctx := context.Background()

	tl.submit(t, "f1",
		storetest.Transfer("", "c1", "stock", "aspirin", 10),
		storetest.Transfer("", "c1", "stock", "bandage", 4))

	values, err := tl.engine.Values(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, values, 2)

	require.NoError(t, tl.db.Model(&schema.LedgerValue{}).
		Where("case_id = ? AND entry_id = ?", "c1", "bandage").
		Update("balance", 40).Error)

	_, err = tl.engine.Values(ctx, "c1")
	var inconsistency *domain.LedgerInconsistencyError
	require.True(t, errors.As(err, &inconsistency))
	assert.Equal(t, "bandage", inconsistency.EntryID)
}

func TestProjectLedgerUnknownKey(t *testing.T) {
	tl := setupTestLedger(t)

	value, err := tl.engine.ProjectLedger(context.Background(), aspirin)
	require.NoError(t, err)
	assert.Nil(t, value)
}

func TestRebuildRepairsLedger(t *testing.T) {
	tl := setupTestLedger(t)
	ctx := context.Background()

	tl.submit(t, "f1",
		storetest.Transfer("", "c1", "stock", "aspirin", 10),
		storetest.Transfer("", "c1", "stock", "bandage", 4))
	tl.submit(t, "f2", storetest.Transfer("c1", "", "stock", "aspirin", 3))

	require.NoError(t, tl.db.Model(&schema.LedgerTransaction{}).Where("case_id = ?", "c1").
		Updates(map[string]interface{}{"delta": 0, "updated_balance": 0}).Error)
	require.NoError(t, tl.db.Model(&schema.LedgerValue{}).Where("case_id = ?", "c1").
		Update("balance", 0).Error)

	values, err := tl.engine.Rebuild(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, values, 2)
	assert.Equal(t, "aspirin", values[0].EntryID)
	assert.Equal(t, int64(7), values[0].Balance)
	assert.Equal(t, "bandage", values[1].EntryID)
	assert.Equal(t, int64(4), values[1].Balance)

	value, err := tl.engine.ProjectLedger(ctx, aspirin)
	require.NoError(t, err)
	assert.Equal(t, int64(7), value.Balance)

	all, err := tl.engine.Values(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, values, all)
}

func TestDailyConsumption(t *testing.T) {
	now := time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC)
	day := func(n int) time.Time { return now.Add(-time.Duration(n) * 24 * time.Hour) }
	transfer := func(at time.Time, delta int64) schema.LedgerTransaction {
		return schema.LedgerTransaction{Kind: domain.LedgerKindTransfer, Delta: delta, ServerDate: at}
	}

	testCases := []struct {
		name     string
		txns     []schema.LedgerTransaction
		expected *float64
	}{
		{
			name:     "no movements",
			expected: nil,
		},
		{
			name: "receipts only",
			txns: []schema.LedgerTransaction{transfer(day(20), 50), transfer(day(5), 10)},
		},
		{
			name:     "consumption over twenty days",
			txns:     []schema.LedgerTransaction{transfer(day(20), 100), transfer(day(10), -30), transfer(day(2), -10)},
			expected: ptr(2.0),
		},
		{
			name: "balance drops are not consumption",
			txns: []schema.LedgerTransaction{
				transfer(day(20), 100),
				{Kind: domain.LedgerKindBalance, Delta: -40, ServerDate: day(10)},
			},
		},
		{
			name: "history shorter than the min window",
			txns: []schema.LedgerTransaction{transfer(day(5), 100), transfer(day(1), -10)},
		},
		{
			name:     "movements before the max window are ignored",
			txns:     []schema.LedgerTransaction{transfer(day(90), -500), transfer(day(30), 100), transfer(day(15), -60)},
			expected: ptr(2.0),
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := DailyConsumption(tc.txns, now, 10, 60)
			if tc.expected == nil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.InDelta(t, *tc.expected, *got, 1e-9)
		})
	}
}

func TestUpdateDailyConsumptionStoresEstimate(t *testing.T) {
	tl := setupTestLedger(t)
	ctx := context.Background()

	tl.submit(t, "f1", storetest.Transfer("", "c1", "stock", "aspirin", 10))

	// the step clock leaves no history longer than the min window
	consumption, err := tl.engine.UpdateDailyConsumption(ctx, aspirin)
	require.NoError(t, err)
	assert.Nil(t, consumption)

	value, err := tl.store.GetLedgerValue(ctx, aspirin)
	require.NoError(t, err)
	assert.Nil(t, value.DailyConsumption)
}

func ptr(v float64) *float64 {
	return &v
}

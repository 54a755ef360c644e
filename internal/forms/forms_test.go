package forms

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dimagi/casecore/internal/adapter"
	"github.com/dimagi/casecore/internal/blob"
	"github.com/dimagi/casecore/internal/domain"
	"github.com/dimagi/casecore/internal/locks"
	"github.com/dimagi/casecore/internal/processor"
	"github.com/dimagi/casecore/internal/store"
	"github.com/dimagi/casecore/internal/store/storetest"
)

type recordingRefresher struct {
	mu    sync.Mutex
	calls [][]string
}

func (r *recordingRefresher) Refresh(_ context.Context, caseIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, append([]string(nil), caseIDs...))
}

func (r *recordingRefresher) last() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.calls) == 0 {
		return nil
	}
	return r.calls[len(r.calls)-1]
}

func newTestService(t *testing.T, cfg Config) (Service, store.Store, *recordingRefresher) {
	t.Helper()
	st := storetest.OpenStore(t)
	refresher := &recordingRefresher{}
	svc := NewService(cfg, st, blob.NewMemoryStore(),
		processor.NewDefaultRegistry(adapter.NewJSON()),
		locks.NewKeyedLocker(), refresher,
		storetest.NewStepClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)),
		adapter.NewIDGenerator())
	return svc, st, refresher
}

func TestSubmitNewForm(t *testing.T) {
	svc, st, refresher := newTestService(t, Config{})
	ctx := context.Background()

	res, err := svc.Submit(ctx, SubmitInput{
		Domain: "demo",
		Raw: storetest.FormXML("f1", "user-1",
			storetest.CreateCase("c1", "patient", "Asha", "o1"),
			storetest.CreateCase("c2", "patient", "Baraka", "o1")),
	})
	require.NoError(t, err)
	assert.Equal(t, "f1", res.FormID)
	assert.Equal(t, domain.SubmissionStatusNormal, res.Status)
	assert.Equal(t, []string{"c1", "c2"}, res.CaseIDs)
	assert.Equal(t, []string{"c1", "c2"}, refresher.last())

	form, err := svc.Get(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, domain.FormStateNormal, form.State)
	assert.Equal(t, "user-1", form.UserID)
	assert.Equal(t, "device-test", form.DeviceID)
	assert.Equal(t, "http://example.org/forms/visit", form.XMLNS)

	txns, err := st.GetCaseTransactions(ctx, "c1", false)
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.True(t, txns[0].Type.Has(domain.TransactionCaseCreate))
	assert.Equal(t, "f1", txns[0].FormIDValue())
}

func TestSubmitDuplicate(t *testing.T) {
	svc, st, _ := newTestService(t, Config{})
	ctx := context.Background()
	raw := storetest.FormXML("f1", "user-1", storetest.CreateCase("c1", "patient", "Asha", "o1"))

	_, err := svc.Submit(ctx, SubmitInput{Domain: "demo", Raw: raw})
	require.NoError(t, err)

	res, err := svc.Submit(ctx, SubmitInput{Domain: "demo", Raw: raw})
	require.NoError(t, err)
	assert.Equal(t, domain.SubmissionStatusDuplicate, res.Status)
	assert.Equal(t, "f1", res.FormID)

	txns, err := st.GetCaseTransactions(ctx, "c1", true)
	require.NoError(t, err)
	assert.Len(t, txns, 1)
}

func TestSubmitChangedPayloadIsEdit(t *testing.T) {
	svc, _, _ := newTestService(t, Config{})
	ctx := context.Background()

	_, err := svc.Submit(ctx, SubmitInput{Domain: "demo",
		Raw: storetest.FormXML("f1", "user-1", storetest.CreateCase("c1", "patient", "Asha", "o1"))})
	require.NoError(t, err)

	res, err := svc.Submit(ctx, SubmitInput{Domain: "demo",
		Raw: storetest.FormXML("f1", "user-1", storetest.CreateCase("c1", "patient", "Asha K", "o1"))})
	require.NoError(t, err)
	assert.Equal(t, domain.SubmissionStatusEdit, res.Status)
	assert.NotEqual(t, "f1", res.FormID)

	chain, err := svc.Chain(ctx, res.FormID)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, "f1", chain[0].ID)
	assert.Equal(t, domain.FormStateDeprecated, chain[0].State)
	assert.Equal(t, res.FormID, chain[1].ID)
	assert.Equal(t, "f1", chain[1].RootID())
	assert.Equal(t, "f1", chain[1].InstanceID)

	ops, err := svc.Operations(ctx, "f1")
	require.NoError(t, err)
	require.NotEmpty(t, ops)
	assert.Equal(t, domain.FormOperationEdit, ops[len(ops)-1].Operation)
}

func TestSubmitAfterDeleteIsNewForm(t *testing.T) {
	svc, _, _ := newTestService(t, Config{})
	ctx := context.Background()
	raw := storetest.FormXML("f1", "user-1", storetest.CreateCase("c1", "patient", "Asha", "o1"))

	_, err := svc.Submit(ctx, SubmitInput{Domain: "demo", Raw: raw})
	require.NoError(t, err)
	require.NoError(t, svc.Delete(ctx, "f1", ""))

	res, err := svc.Submit(ctx, SubmitInput{Domain: "demo", Raw: raw})
	require.NoError(t, err)
	assert.Equal(t, domain.SubmissionStatusNormal, res.Status)
	assert.NotEqual(t, "f1", res.FormID)
}

func TestSubmitFallsBackToAuthUser(t *testing.T) {
	svc, _, _ := newTestService(t, Config{})
	ctx := context.Background()

	res, err := svc.Submit(ctx, SubmitInput{Domain: "demo", AuthUserID: "mobile-worker",
		Raw: storetest.FormXML("f1", "", storetest.CreateCase("c1", "patient", "Asha", "o1"))})
	require.NoError(t, err)

	form, err := svc.Get(ctx, res.FormID)
	require.NoError(t, err)
	assert.Equal(t, "mobile-worker", form.UserID)
}

func TestSubmitMalformed(t *testing.T) {
	svc, _, refresher := newTestService(t, Config{})
	ctx := context.Background()

	testCases := []struct {
		name string
		raw  []byte
	}{
		{name: "not xml", raw: []byte("hello")},
		{name: "missing instance id", raw: []byte(`<data xmlns="http://example.org/x"><meta></meta></data>`)},
		{name: "reserved property name", raw: storetest.FormXML("f1", "u",
			storetest.UpdateCase("c1", map[string]string{"closed_on": "x"}))},
		{name: "negative ledger", raw: storetest.FormXML("f2", "u",
			storetest.Transfer("c1", "", "stock", "aspirin", 5))},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Submit(ctx, SubmitInput{Domain: "demo", Raw: tc.raw})
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrMalformedSubmission), err.Error())
		})
	}
	assert.Empty(t, refresher.calls)
}

func TestSubmitNegativeLedgerAllowed(t *testing.T) {
	svc, st, _ := newTestService(t, Config{NegativeBalancePolicy: domain.NegativeBalanceAllow})
	ctx := context.Background()

	_, err := svc.Submit(ctx, SubmitInput{Domain: "demo",
		Raw: storetest.FormXML("f1", "u", storetest.Transfer("c1", "", "stock", "aspirin", 5))})
	require.NoError(t, err)

	value, err := st.GetLedgerValue(ctx, domain.LedgerRef{CaseID: "c1", SectionID: "stock", EntryID: "aspirin"})
	require.NoError(t, err)
	require.NotNil(t, value)
	assert.Equal(t, int64(-5), value.Balance)
	assert.True(t, value.LedgerError)
}

func TestSubmitDeviceLog(t *testing.T) {
	svc, _, refresher := newTestService(t, Config{})
	ctx := context.Background()

	raw := []byte(`<device_report xmlns="` + domain.DEVICE_LOG_XMLNS + `">
  <meta><instanceID>log-1</instanceID><deviceID>d1</deviceID></meta>
  <log_subreport/>
</device_report>`)
	res, err := svc.Submit(ctx, SubmitInput{Domain: "demo", Raw: raw})
	require.NoError(t, err)
	assert.Equal(t, domain.SubmissionStatusDeviceLog, res.Status)
	assert.Empty(t, res.CaseIDs)
	assert.Empty(t, refresher.calls)
}

func TestSubmitStoresAttachments(t *testing.T) {
	svc, _, _ := newTestService(t, Config{})
	ctx := context.Background()

	res, err := svc.Submit(ctx, SubmitInput{
		Domain:      "demo",
		Raw:         storetest.FormXML("f1", "u", storetest.CreateCase("c1", "patient", "Asha", "o1")),
		Attachments: []Attachment{{Name: "photo.jpg", ContentType: "image/jpeg", Data: []byte("jpeg bytes")}},
	})
	require.NoError(t, err)

	form, err := svc.Get(ctx, res.FormID)
	require.NoError(t, err)
	require.Len(t, form.Attachments, 1)
	assert.Equal(t, "photo.jpg", form.Attachments[0].Name)
	assert.Equal(t, int64(len("jpeg bytes")), form.Attachments[0].ContentLength)
	assert.NotEmpty(t, form.Attachments[0].BlobID)
}

func TestEditRequiresNormalForm(t *testing.T) {
	svc, _, _ := newTestService(t, Config{})
	ctx := context.Background()

	_, err := svc.Edit(ctx, "missing", EditInput{Raw: storetest.FormXML("x", "u")})
	assert.True(t, errors.Is(err, domain.ErrFormNotFound))

	_, err = svc.Submit(ctx, SubmitInput{Domain: "demo",
		Raw: storetest.FormXML("f1", "u", storetest.CreateCase("c1", "patient", "Asha", "o1"))})
	require.NoError(t, err)
	require.NoError(t, svc.Archive(ctx, "f1", "admin"))

	_, err = svc.Edit(ctx, "f1", EditInput{Raw: storetest.FormXML("f1", "u", storetest.CloseCase("c1"))})
	assert.True(t, errors.Is(err, domain.ErrInvalidFormState))
}

func TestArchiveLifecycle(t *testing.T) {
	svc, st, refresher := newTestService(t, Config{})
	ctx := context.Background()

	_, err := svc.Submit(ctx, SubmitInput{Domain: "demo",
		Raw: storetest.FormXML("f1", "u", storetest.CreateCase("c1", "patient", "Asha", "o1"))})
	require.NoError(t, err)

	require.NoError(t, svc.Archive(ctx, "f1", "admin"))
	form, err := svc.Get(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, domain.FormStateArchived, form.State)
	assert.Equal(t, []string{"c1"}, refresher.last())

	live, err := st.GetCaseTransactions(ctx, "c1", false)
	require.NoError(t, err)
	for _, txn := range live {
		assert.True(t, txn.Type.IsRebuild())
	}

	calls := len(refresher.calls)
	require.NoError(t, svc.Archive(ctx, "f1", "admin"))
	assert.Len(t, refresher.calls, calls)

	require.NoError(t, svc.Unarchive(ctx, "f1", "admin"))
	form, err = svc.Get(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, domain.FormStateNormal, form.State)

	ops, err := svc.Operations(ctx, "f1")
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, domain.FormOperationArchive, ops[0].Operation)
	assert.Equal(t, domain.FormOperationUnarchive, ops[1].Operation)
	assert.Equal(t, "admin", ops[0].UserID)
}

func TestGetUnknownForm(t *testing.T) {
	svc, _, _ := newTestService(t, Config{})
	ctx := context.Background()

	_, err := svc.Get(ctx, "nope")
	assert.True(t, errors.Is(err, domain.ErrFormNotFound))
	_, err = svc.Operations(ctx, "nope")
	assert.True(t, errors.Is(err, domain.ErrFormNotFound))
	_, err = svc.Chain(ctx, "nope")
	assert.True(t, errors.Is(err, domain.ErrFormNotFound))
}

package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dimagi/casecore/internal/domain"
	"github.com/dimagi/casecore/internal/store/schema"
)

const testDomain = "demo"

var baseTime = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// =============================================================================
// Test Data Builders
// =============================================================================

func at(minutes int) time.Time {
	return baseTime.Add(time.Duration(minutes) * time.Minute)
}

func buildTestForm(id string, receivedOn time.Time) *schema.Form {
	return &schema.Form{
		ID:         id,
		Domain:     testDomain,
		InstanceID: id,
		XMLNS:      "http://openrosa.org/formdesigner/visit",
		State:      domain.FormStateNormal,
		UserID:     "u1",
		MD5:        "md5-" + id,
		Raw:        []byte("<data/>"),
		ReceivedOn: receivedOn,
	}
}

func buildCaseTxn(t *testing.T, caseID string, diff domain.CaseDiff) NewCaseTransaction {
	details, err := json.Marshal(diff)
	require.NoError(t, err)
	return NewCaseTransaction{CaseID: caseID, Type: diff.TransactionType(), Details: details}
}

func createDiff(owner string) domain.CaseDiff {
	return domain.CaseDiff{Create: &domain.CaseCreate{CaseType: "patient", CaseName: "Ada", OwnerID: owner}}
}

func ledgerEntry(caseID string, kind domain.LedgerKind, quantity int64) NewLedgerEntry {
	return NewLedgerEntry{CaseID: caseID, SectionID: "stock", EntryID: "amoxicillin", Kind: kind, Quantity: quantity}
}

func submit(t *testing.T, store Store, input SaveSubmissionInput) *SaveSubmissionResult {
	t.Helper()
	result, err := store.SaveSubmission(context.Background(), input)
	require.NoError(t, err)
	require.False(t, result.Duplicate)
	return result
}

func lastTxnID(t *testing.T, store Store, caseID string) int64 {
	t.Helper()
	txns, err := store.GetCaseTransactions(context.Background(), caseID, false)
	require.NoError(t, err)
	require.NotEmpty(t, txns)
	return txns[len(txns)-1].ID
}

// =============================================================================
// Tests
// =============================================================================

func testMigrate(t *testing.T, store Store) {
	ctx := context.Background()

	version, err := store.GetSchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, version)

	// migrating twice is harmless
	require.NoError(t, store.Migrate(ctx))
	version, err = store.GetSchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, version)
}

func testSaveSubmission(t *testing.T, store Store) {
	ctx := context.Background()

	form := buildTestForm("f1", at(0))
	form.Attachments = []schema.FormAttachment{
		{Name: "photo.jpg", BlobID: "blob-1", ContentType: "image/jpeg", ContentLength: 3, MD5: "abc"},
	}
	result := submit(t, store, SaveSubmissionInput{
		Form: form,
		Transactions: []NewCaseTransaction{
			buildCaseTxn(t, "c2", createDiff("o1")),
			buildCaseTxn(t, "c1", createDiff("o1")),
		},
	})
	assert.Equal(t, []string{"c1", "c2"}, result.CaseIDs)
	assert.Empty(t, result.LedgerRefs)

	stored, err := store.GetForm(ctx, "f1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, domain.FormStateNormal, stored.State)
	require.Len(t, stored.Attachments, 1)
	assert.Equal(t, "blob-1", stored.Attachments[0].BlobID)

	txns, err := store.GetCaseTransactions(ctx, "c1", false)
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.Equal(t, "f1", txns[0].FormIDValue())
	assert.True(t, txns[0].Type.Has(domain.TransactionCaseCreate))
	assert.True(t, txns[0].ServerDate.Equal(at(0)))

	c, err := store.GetCase(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.True(t, c.Dirty)
	assert.Equal(t, testDomain, c.Domain)

	existing, err := store.ExistingCaseIDs(ctx, []string{"c1", "c2", "c3"})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"c1": true, "c2": true}, existing)

	caseIDs, err := store.GetFormCaseIDs(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c2"}, caseIDs)

	live, err := store.GetLiveFormByInstanceID(ctx, testDomain, "f1")
	require.NoError(t, err)
	require.NotNil(t, live)
	assert.Equal(t, "f1", live.ID)

	missing, err := store.GetForm(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	changes, err := store.GetChangesAfter(ctx, 0, 0)
	require.NoError(t, err)
	var subjects []schema.SubjectType
	for _, c := range changes {
		subjects = append(subjects, c.SubjectType)
	}
	assert.Contains(t, subjects, schema.SubjectTypeForm)
	assert.Contains(t, subjects, schema.SubjectTypeCaseTransaction)
}

func testSaveSubmissionDuplicate(t *testing.T, store Store) {
	ctx := context.Background()

	submit(t, store, SaveSubmissionInput{
		Form:         buildTestForm("f1", at(0)),
		Transactions: []NewCaseTransaction{buildCaseTxn(t, "c1", createDiff("o1"))},
	})

	result, err := store.SaveSubmission(ctx, SaveSubmissionInput{
		Form:         buildTestForm("f1", at(5)),
		Transactions: []NewCaseTransaction{buildCaseTxn(t, "c1", createDiff("o1"))},
	})
	require.NoError(t, err)
	assert.True(t, result.Duplicate)
	assert.Empty(t, result.CaseIDs)

	txns, err := store.GetCaseTransactions(ctx, "c1", true)
	require.NoError(t, err)
	assert.Len(t, txns, 1)
}

func testSaveSubmissionLedger(t *testing.T, store Store) {
	ctx := context.Background()
	ref := domain.LedgerRef{CaseID: "c1", SectionID: "stock", EntryID: "amoxicillin"}

	result := submit(t, store, SaveSubmissionInput{
		Form:         buildTestForm("f1", at(0)),
		Transactions: []NewCaseTransaction{buildCaseTxn(t, "c1", createDiff("o1"))},
		Ledger:       []NewLedgerEntry{ledgerEntry("c1", domain.LedgerKindBalance, 10)},
	})
	assert.Equal(t, []domain.LedgerRef{ref}, result.LedgerRefs)

	submit(t, store, SaveSubmissionInput{
		Form:   buildTestForm("f2", at(1)),
		Ledger: []NewLedgerEntry{ledgerEntry("c1", domain.LedgerKindTransfer, -3)},
	})

	value, err := store.GetLedgerValue(ctx, ref)
	require.NoError(t, err)
	require.NotNil(t, value)
	assert.Equal(t, int64(7), value.Balance)
	assert.Equal(t, "f2", value.LastModifiedFormID)
	assert.False(t, value.LedgerError)

	txns, err := store.GetLedgerTransactions(ctx, ref, false)
	require.NoError(t, err)
	require.Len(t, txns, 2)
	var sum int64
	for _, txn := range txns {
		sum += txn.Delta
	}
	assert.Equal(t, value.Balance, sum)
	assert.Equal(t, int64(7), txns[1].UpdatedBalance)

	// the ledger-only form got its own case transaction
	caseTxns, err := store.GetCaseTransactions(ctx, "c1", false)
	require.NoError(t, err)
	require.Len(t, caseTxns, 2)
	assert.True(t, caseTxns[0].Type.Has(domain.TransactionLedger))
	assert.True(t, caseTxns[1].Type.IsLedgerOnly())
	assert.Equal(t, caseTxns[1].ID, txns[1].CaseTransactionID)

	values, err := store.GetLedgerValues(ctx, []string{"c1"})
	require.NoError(t, err)
	assert.Len(t, values, 1)

	snapshotTxns, snapshotValue, err := store.GetLedgerSnapshot(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, txns, snapshotTxns)
	require.NotNil(t, snapshotValue)
	assert.Equal(t, value.Balance, snapshotValue.Balance)

	missing, missingValue, err := store.GetLedgerSnapshot(ctx, domain.LedgerRef{CaseID: "c1", SectionID: "stock", EntryID: "none"})
	require.NoError(t, err)
	assert.Empty(t, missing)
	assert.Nil(t, missingValue)

	consumption := 1.5
	require.NoError(t, store.SetDailyConsumption(ctx, ref, &consumption))
	value, err = store.GetLedgerValue(ctx, ref)
	require.NoError(t, err)
	require.NotNil(t, value.DailyConsumption)
	assert.InDelta(t, 1.5, *value.DailyConsumption, 0.0001)
}

func testNegativeBalancePolicy(t *testing.T, store Store) {
	ctx := context.Background()
	ref := domain.LedgerRef{CaseID: "c1", SectionID: "stock", EntryID: "amoxicillin"}

	_, err := store.SaveSubmission(ctx, SaveSubmissionInput{
		Form:                  buildTestForm("f1", at(0)),
		Transactions:          []NewCaseTransaction{buildCaseTxn(t, "c1", createDiff("o1"))},
		Ledger:                []NewLedgerEntry{ledgerEntry("c1", domain.LedgerKindTransfer, -5)},
		NegativeBalancePolicy: domain.NegativeBalanceReject,
	})
	require.ErrorIs(t, err, domain.ErrMalformedSubmission)

	// nothing of the rejected form was committed
	form, err := store.GetForm(ctx, "f1")
	require.NoError(t, err)
	assert.Nil(t, form)
	existing, err := store.ExistingCaseIDs(ctx, []string{"c1"})
	require.NoError(t, err)
	assert.Empty(t, existing)

	submit(t, store, SaveSubmissionInput{
		Form:                  buildTestForm("f2", at(1)),
		Transactions:          []NewCaseTransaction{buildCaseTxn(t, "c1", createDiff("o1"))},
		Ledger:                []NewLedgerEntry{ledgerEntry("c1", domain.LedgerKindTransfer, -5)},
		NegativeBalancePolicy: domain.NegativeBalanceAllow,
	})
	value, err := store.GetLedgerValue(ctx, ref)
	require.NoError(t, err)
	require.NotNil(t, value)
	assert.Equal(t, int64(-5), value.Balance)
	assert.True(t, value.LedgerError)
}

func testEditForm(t *testing.T, store Store) {
	ctx := context.Background()

	submit(t, store, SaveSubmissionInput{
		Form:         buildTestForm("f1", at(0)),
		Transactions: []NewCaseTransaction{buildCaseTxn(t, "c1", createDiff("o1"))},
	})

	edited := buildTestForm("f1-v2", at(10))
	edited.InstanceID = "f1"
	root := "f1"
	edited.OrigID = &root
	edited.DeprecatedFormID = &root
	result := submit(t, store, SaveSubmissionInput{
		Form: edited,
		Transactions: []NewCaseTransaction{
			buildCaseTxn(t, "c1", createDiff("o2")),
			buildCaseTxn(t, "c2", createDiff("o2")),
		},
		Deprecates: &DeprecateInput{FormID: "f1", UserID: "editor"},
	})
	assert.Equal(t, []string{"c1", "c2"}, result.CaseIDs)

	old, err := store.GetForm(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, domain.FormStateDeprecated, old.State)
	require.NotNil(t, old.SupersededByID)
	assert.Equal(t, "f1-v2", *old.SupersededByID)

	txns, err := store.GetCaseTransactions(ctx, "c1", false)
	require.NoError(t, err)
	require.Len(t, txns, 2)
	assert.Equal(t, "f1-v2", txns[0].FormIDValue())
	assert.Equal(t, domain.TransactionFormEditRebuild, txns[1].Type)
	assert.Nil(t, txns[1].FormID)

	var detail domain.RebuildDetail
	require.NoError(t, json.Unmarshal(txns[1].Details, &detail))
	assert.Equal(t, "f1", detail.DeprecatedFormID)

	all, err := store.GetCaseTransactions(ctx, "c1", true)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.True(t, all[0].Revoked)

	chain, err := store.GetFormChain(ctx, "f1-v2")
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, "f1", chain[0].ID)
	assert.Equal(t, "f1-v2", chain[1].ID)

	ops, err := store.GetFormOperations(ctx, "f1")
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, domain.FormOperationEdit, ops[0].Operation)
	assert.Equal(t, "editor", ops[0].UserID)

	live, err := store.GetLiveFormByInstanceID(ctx, testDomain, "f1")
	require.NoError(t, err)
	require.NotNil(t, live)
	assert.Equal(t, "f1-v2", live.ID)

	// a deprecated form cannot be edited again
	_, err = store.SaveSubmission(ctx, SaveSubmissionInput{
		Form:       buildTestForm("f1-v3", at(20)),
		Deprecates: &DeprecateInput{FormID: "f1"},
	})
	require.ErrorIs(t, err, domain.ErrInvalidFormState)
}

func testArchiveUnarchive(t *testing.T, store Store) {
	ctx := context.Background()
	ref := domain.LedgerRef{CaseID: "c1", SectionID: "stock", EntryID: "amoxicillin"}

	submit(t, store, SaveSubmissionInput{
		Form:         buildTestForm("f1", at(0)),
		Transactions: []NewCaseTransaction{buildCaseTxn(t, "c1", createDiff("o1"))},
		Ledger:       []NewLedgerEntry{ledgerEntry("c1", domain.LedgerKindBalance, 10)},
	})
	submit(t, store, SaveSubmissionInput{
		Form:   buildTestForm("f2", at(1)),
		Ledger: []NewLedgerEntry{ledgerEntry("c1", domain.LedgerKindTransfer, -3)},
	})
	submit(t, store, SaveSubmissionInput{
		Form:   buildTestForm("f3", at(2)),
		Ledger: []NewLedgerEntry{ledgerEntry("c1", domain.LedgerKindBalance, 4)},
	})

	result, err := store.SetFormArchived(ctx, SetFormArchivedInput{FormID: "f2", UserID: "admin", Archive: true, At: at(3)})
	require.NoError(t, err)
	assert.True(t, result.Changed)
	assert.Equal(t, []string{"c1"}, result.CaseIDs)
	assert.Equal(t, []domain.LedgerRef{ref}, result.LedgerRefs)
	assert.Equal(t, domain.FormStateArchived, result.Form.State)

	// the balance entry of f3 is restamped relative to the balance without f2
	txns, err := store.GetLedgerTransactions(ctx, ref, false)
	require.NoError(t, err)
	require.Len(t, txns, 2)
	assert.Equal(t, int64(-6), txns[1].Delta)
	value, err := store.GetLedgerValue(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, int64(4), value.Balance)

	caseTxns, err := store.GetCaseTransactions(ctx, "c1", false)
	require.NoError(t, err)
	last := caseTxns[len(caseTxns)-1]
	assert.Equal(t, domain.TransactionFormArchiveRebuild, last.Type)
	var detail domain.RebuildDetail
	require.NoError(t, json.Unmarshal(last.Details, &detail))
	assert.Equal(t, "f2", detail.FormID)
	require.NotNil(t, detail.Archived)
	assert.True(t, *detail.Archived)

	again, err := store.SetFormArchived(ctx, SetFormArchivedInput{FormID: "f2", Archive: true, At: at(4)})
	require.NoError(t, err)
	assert.False(t, again.Changed)

	result, err = store.SetFormArchived(ctx, SetFormArchivedInput{FormID: "f2", UserID: "admin", Archive: false, At: at(5)})
	require.NoError(t, err)
	assert.True(t, result.Changed)

	txns, err = store.GetLedgerTransactions(ctx, ref, false)
	require.NoError(t, err)
	require.Len(t, txns, 3)
	assert.Equal(t, int64(-3), txns[1].Delta)
	assert.Equal(t, int64(7), txns[1].UpdatedBalance)
	assert.Equal(t, int64(-3), txns[2].Delta)

	ops, err := store.GetFormOperations(ctx, "f2")
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, domain.FormOperationArchive, ops[0].Operation)
	assert.Equal(t, domain.FormOperationUnarchive, ops[1].Operation)

	_, err = store.SetFormArchived(ctx, SetFormArchivedInput{FormID: "missing", Archive: true, At: at(6)})
	require.ErrorIs(t, err, domain.ErrFormNotFound)
}

func testDeleteForm(t *testing.T, store Store) {
	ctx := context.Background()

	submit(t, store, SaveSubmissionInput{
		Form:         buildTestForm("f0", at(0)),
		Transactions: []NewCaseTransaction{buildCaseTxn(t, "host", createDiff("o1"))},
	})
	_, err := store.SaveCaseProjection(ctx, SaveCaseProjectionInput{
		CaseID: "host", State: []byte(`{}`), OwnerID: "o1", LastTransactionID: lastTxnID(t, store, "host"), At: at(0),
	})
	require.NoError(t, err)

	submit(t, store, SaveSubmissionInput{
		Form:         buildTestForm("f1", at(1)),
		Transactions: []NewCaseTransaction{buildCaseTxn(t, "c1", createDiff("o2"))},
	})
	_, err = store.SaveCaseProjection(ctx, SaveCaseProjectionInput{
		CaseID: "c1", State: []byte(`{}`), OwnerID: "o2", LastTransactionID: lastTxnID(t, store, "c1"),
		Indices: []schema.CaseIndex{{Identifier: "host", ReferencedID: "host", Relationship: domain.RelationshipExtension}},
		At:      at(1),
	})
	require.NoError(t, err)

	result, err := store.DeleteForm(ctx, DeleteFormInput{FormID: "f1", DeletionID: "del-1", At: at(2)})
	require.NoError(t, err)
	assert.True(t, result.Changed)
	assert.Equal(t, domain.FormStateDeleted, result.Form.State)

	c, err := store.GetCase(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, c.DeletedOn)
	require.NotNil(t, c.DeletionID)
	assert.Equal(t, "del-1", *c.DeletionID)
	assert.True(t, c.Dirty)

	txns, err := store.GetCaseTransactions(ctx, "c1", false)
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.Equal(t, domain.TransactionRebuildWithReason, txns[0].Type)

	flag, err := store.GetCleanlinessFlag(ctx, testDomain, "o1")
	require.NoError(t, err)
	require.NotNil(t, flag.InvalidatedAt)
	assert.True(t, flag.InvalidatedAt.Equal(at(2)))

	_, err = store.DeleteForm(ctx, DeleteFormInput{FormID: "f1", DeletionID: "del-2", At: at(3)})
	require.ErrorIs(t, err, domain.ErrInvalidFormState)
}

func testSaveCaseProjection(t *testing.T, store Store) {
	ctx := context.Background()

	submit(t, store, SaveSubmissionInput{
		Form: buildTestForm("f1", at(0)),
		Transactions: []NewCaseTransaction{
			buildCaseTxn(t, "h1", createDiff("o1")),
			buildCaseTxn(t, "e1", createDiff("o2")),
		},
	})

	result, err := store.SaveCaseProjection(ctx, SaveCaseProjectionInput{
		CaseID: "h1", State: []byte(`{"case_id":"h1"}`), CaseType: "household", OwnerID: "o1",
		Checksum: "sum", LastTransactionID: lastTxnID(t, store, "h1"), AppliedDigest: "d", AppliedCount: 1, At: at(1),
	})
	require.NoError(t, err)
	assert.False(t, result.StillDirty)
	assert.Equal(t, []string{"o1"}, result.InvalidatedOwners)

	h1, err := store.GetCase(ctx, "h1")
	require.NoError(t, err)
	assert.False(t, h1.Dirty)
	assert.Equal(t, "o1", h1.OwnerID)
	assert.Equal(t, "household", h1.CaseType)
	assert.JSONEq(t, `{"case_id":"h1"}`, string(h1.State))

	indices := []schema.CaseIndex{{Identifier: "host", ReferencedType: "household", ReferencedID: "h1", Relationship: domain.RelationshipExtension}}
	result, err = store.SaveCaseProjection(ctx, SaveCaseProjectionInput{
		CaseID: "e1", State: []byte(`{"case_id":"e1"}`), OwnerID: "o2",
		LastTransactionID: lastTxnID(t, store, "e1"), Indices: indices, At: at(2),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"o1", "o2"}, result.InvalidatedOwners)

	incoming, err := store.GetIncomingIndices(ctx, []string{"h1"}, domain.RelationshipExtension)
	require.NoError(t, err)
	require.Len(t, incoming, 1)
	assert.Equal(t, "e1", incoming[0].CaseID)
	children, err := store.GetIncomingIndices(ctx, []string{"h1"}, domain.RelationshipChild)
	require.NoError(t, err)
	assert.Empty(t, children)

	outgoing, err := store.GetOutgoingIndices(ctx, []string{"e1"})
	require.NoError(t, err)
	require.Len(t, outgoing, 1)
	assert.Equal(t, testDomain, outgoing[0].Domain)

	dependents, err := store.FindForeignDependents(ctx, testDomain, "o1", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"e1"}, dependents)
	dependents, err = store.FindForeignDependents(ctx, testDomain, "o2", 10)
	require.NoError(t, err)
	assert.Empty(t, dependents)

	// unchanged owner and indices invalidate nobody
	result, err = store.SaveCaseProjection(ctx, SaveCaseProjectionInput{
		CaseID: "e1", State: []byte(`{"case_id":"e1"}`), OwnerID: "o2",
		LastTransactionID: lastTxnID(t, store, "e1"), Indices: indices, At: at(3),
	})
	require.NoError(t, err)
	assert.Empty(t, result.InvalidatedOwners)

	// a projection behind the log leaves the case dirty
	_, err = store.AppendRebuildTransaction(ctx, AppendRebuildInput{
		CaseID: "h1", Type: domain.TransactionUserRequestedRebuild, Detail: domain.RebuildDetail{UserID: "admin"}, At: at(4),
	})
	require.NoError(t, err)
	result, err = store.SaveCaseProjection(ctx, SaveCaseProjectionInput{
		CaseID: "h1", State: []byte(`{"case_id":"h1"}`), OwnerID: "o1", LastTransactionID: h1.LastTransactionID, At: at(5),
	})
	require.NoError(t, err)
	assert.True(t, result.StillDirty)

	dirty, err := store.ListDirtyCaseIDs(ctx, testDomain, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"h1"}, dirty)

	open, err := store.ListOpenCaseIDsForOwners(ctx, testDomain, []string{"o1", "o2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"e1", "h1"}, open)

	cases, err := store.GetCases(ctx, []string{"e1", "h1", "zz"})
	require.NoError(t, err)
	assert.Len(t, cases, 2)

	_, err = store.SaveCaseProjection(ctx, SaveCaseProjectionInput{CaseID: "zz", At: at(6)})
	require.ErrorIs(t, err, domain.ErrCaseNotFound)
}

func testAppendRebuildTransaction(t *testing.T, store Store) {
	ctx := context.Background()

	_, err := store.AppendRebuildTransaction(ctx, AppendRebuildInput{
		CaseID: "missing", Type: domain.TransactionUserRequestedRebuild, At: at(0),
	})
	require.ErrorIs(t, err, domain.ErrCaseNotFound)

	_, err = store.AppendRebuildTransaction(ctx, AppendRebuildInput{
		CaseID: "c1", Type: domain.TransactionForm, At: at(0),
	})
	require.Error(t, err)

	submit(t, store, SaveSubmissionInput{
		Form:         buildTestForm("f1", at(0)),
		Transactions: []NewCaseTransaction{buildCaseTxn(t, "c1", createDiff("o1"))},
	})
	row, err := store.AppendRebuildTransaction(ctx, AppendRebuildInput{
		CaseID: "c1", Type: domain.TransactionUserRequestedRebuild, Detail: domain.RebuildDetail{UserID: "admin"}, At: at(1),
	})
	require.NoError(t, err)
	assert.NotZero(t, row.ID)
	assert.Equal(t, row.ID, lastTxnID(t, store, "c1"))
}

func testCleanlinessFlags(t *testing.T, store Store) {
	ctx := context.Background()

	flag, err := store.GetCleanlinessFlag(ctx, testDomain, "o1")
	require.NoError(t, err)
	assert.Nil(t, flag)

	require.NoError(t, store.InvalidateCleanliness(ctx, testDomain, []string{"o1", "", "o1"}, at(0)))
	flag, err = store.GetCleanlinessFlag(ctx, testDomain, "o1")
	require.NoError(t, err)
	require.NotNil(t, flag)
	assert.False(t, flag.Fresh())

	stale, err := store.ListStaleCleanlinessFlags(ctx, 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "o1", stale[0].OwnerID)

	long := make([]byte, 150)
	for i := range long {
		long[i] = 'x'
	}
	flag, err = store.SaveCleanlinessFlag(ctx, SaveCleanlinessFlagInput{
		Domain: testDomain, OwnerID: "o1", IsClean: false, Hint: string(long), At: at(1),
	})
	require.NoError(t, err)
	assert.True(t, flag.Fresh())
	assert.Len(t, flag.Hint, domain.MAX_CLEANLINESS_HINT_LENGTH)

	stale, err = store.ListStaleCleanlinessFlags(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, stale)

	require.NoError(t, store.InvalidateCleanliness(ctx, testDomain, []string{"o1"}, at(2)))
	flag, err = store.GetCleanlinessFlag(ctx, testDomain, "o1")
	require.NoError(t, err)
	assert.False(t, flag.Fresh())
	assert.False(t, flag.IsClean)
}

func testCheckpoints(t *testing.T, store Store) {
	ctx := context.Background()

	owners, err := json.Marshal([]string{"o1"})
	require.NoError(t, err)
	device := &schema.Device{ID: "d1", Domain: testDomain, UserID: "u1", OwnerIDs: owners}
	require.NoError(t, store.UpsertDevice(ctx, device))

	owners, err = json.Marshal([]string{"o1", "o2"})
	require.NoError(t, err)
	require.NoError(t, store.UpsertDevice(ctx, &schema.Device{ID: "d1", Domain: testDomain, UserID: "u1", OwnerIDs: owners}))

	stored, err := store.GetDevice(ctx, "d1")
	require.NoError(t, err)
	ids, err := stored.Owners()
	require.NoError(t, err)
	assert.Equal(t, []string{"o1", "o2"}, ids)

	latest, err := store.GetLatestCheckpoint(ctx, "d1")
	require.NoError(t, err)
	assert.Nil(t, latest)

	checkpoint := func(position int64, restoreID string) schema.SyncCheckpoint {
		return schema.SyncCheckpoint{
			DeviceID: "d1", Domain: testDomain, UserID: "u1", RestoreID: restoreID,
			Position: position, CaseStates: []byte(`{"c1":3}`), SyncedAt: at(int(position)),
		}
	}

	_, err = store.AppendCheckpoint(ctx, AppendCheckpointInput{Checkpoint: checkpoint(5, "r1")})
	require.NoError(t, err)

	_, err = store.AppendCheckpoint(ctx, AppendCheckpointInput{Checkpoint: checkpoint(3, "r2")})
	require.ErrorIs(t, err, domain.ErrCheckpointRegression)

	_, err = store.AppendCheckpoint(ctx, AppendCheckpointInput{Checkpoint: checkpoint(3, "r3"), AllowRegression: true})
	require.NoError(t, err)

	latest, err = store.GetLatestCheckpoint(ctx, "d1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "r3", latest.RestoreID)
	states, err := latest.States()
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"c1": 3}, states)

	reset := checkpoint(0, "")
	reset.Reset = true
	_, err = store.AppendCheckpoint(ctx, AppendCheckpointInput{Checkpoint: reset, AllowRegression: true})
	require.NoError(t, err)

	// after a reset any position is accepted
	_, err = store.AppendCheckpoint(ctx, AppendCheckpointInput{Checkpoint: checkpoint(1, "r4")})
	require.NoError(t, err)
}

func testKeyValueStore(t *testing.T, store Store) {
	ctx := context.Background()

	value, err := store.GetKeyValue(ctx, "relay_cursor")
	require.NoError(t, err)
	assert.Empty(t, value)

	require.NoError(t, store.SetKeyValue(ctx, "relay_cursor", "12"))
	require.NoError(t, store.SetKeyValue(ctx, "relay_cursor", "42"))

	value, err = store.GetKeyValue(ctx, "relay_cursor")
	require.NoError(t, err)
	assert.Equal(t, "42", value)
}

func testGetChangesAfter(t *testing.T, store Store) {
	ctx := context.Background()

	submit(t, store, SaveSubmissionInput{
		Form:         buildTestForm("f1", at(0)),
		Transactions: []NewCaseTransaction{buildCaseTxn(t, "c1", createDiff("o1"))},
		Ledger:       []NewLedgerEntry{ledgerEntry("c1", domain.LedgerKindBalance, 1)},
	})

	all, err := store.GetChangesAfter(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	for i := 1; i < len(all); i++ {
		assert.Greater(t, all[i].Cursor, all[i-1].Cursor)
	}
	for _, c := range all {
		assert.Equal(t, testDomain, c.Domain)
	}

	page, err := store.GetChangesAfter(ctx, all[0].Cursor, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, all[1].Cursor, page[0].Cursor)
}

func TestMergeLedgerTransactions(t *testing.T) {
	merged := mergeLedgerTransactions(
		[]NewCaseTransaction{
			{CaseID: "c1", Type: domain.TransactionForm},
			{CaseID: "c1", Type: domain.NewTransactionType(domain.TransactionForm, domain.TransactionCaseClose)},
		},
		[]NewLedgerEntry{{CaseID: "c1"}, {CaseID: "c2"}, {CaseID: "c2"}},
	)

	require.Len(t, merged, 2)
	assert.True(t, merged[0].Type.Has(domain.TransactionCaseClose))
	assert.True(t, merged[0].Type.Has(domain.TransactionLedger))
	assert.Equal(t, "c2", merged[1].CaseID)
	assert.True(t, merged[1].Type.IsLedgerOnly())
}

func TestNormalizeConnectionPoolSettings(t *testing.T) {
	open, idle, lifetime, idleTime := NormalizeConnectionPoolSettings(0, 0, 0, 0)
	assert.Equal(t, 20, open)
	assert.Equal(t, 5, idle)
	assert.Equal(t, 5*time.Minute, lifetime)
	assert.Equal(t, 10*time.Minute, idleTime)

	open, idle, _, _ = NormalizeConnectionPoolSettings(3, 10, time.Minute, time.Minute)
	assert.Equal(t, 3, open)
	assert.Equal(t, 3, idle)
}

func TestChunkStrings(t *testing.T) {
	assert.Nil(t, chunkStrings(nil, 2))
	assert.Equal(t, [][]string{{"a", "b"}, {"c"}}, chunkStrings([]string{"a", "b", "c"}, 2))
	assert.Equal(t, []string{"a", "b"}, uniqueSorted([]string{"b", "", "a", "b"}))
}

// RunStoreTests runs all store tests against the provided store implementation
func RunStoreTests(t *testing.T, initDB func(t *testing.T) Store, cleanupDB func(t *testing.T)) {
	tests := []struct {
		name string
		fn   func(*testing.T, Store)
	}{
		{"Migrate", testMigrate},
		{"SaveSubmission", testSaveSubmission},
		{"SaveSubmissionDuplicate", testSaveSubmissionDuplicate},
		{"SaveSubmissionLedger", testSaveSubmissionLedger},
		{"NegativeBalancePolicy", testNegativeBalancePolicy},
		{"EditForm", testEditForm},
		{"ArchiveUnarchive", testArchiveUnarchive},
		{"DeleteForm", testDeleteForm},
		{"SaveCaseProjection", testSaveCaseProjection},
		{"AppendRebuildTransaction", testAppendRebuildTransaction},
		{"CleanlinessFlags", testCleanlinessFlags},
		{"Checkpoints", testCheckpoints},
		{"KeyValueStore", testKeyValueStore},
		{"GetChangesAfter", testGetChangesAfter},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := initDB(t)
			defer cleanupDB(t)
			tt.fn(t, store)
		})
	}
}

// Package ledger verifies, rebuilds and summarizes the stock ledgers attached to cases.
package ledger

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dimagi/casecore/internal/adapter"
	"github.com/dimagi/casecore/internal/domain"
	"github.com/dimagi/casecore/internal/locks"
	"github.com/dimagi/casecore/internal/logger"
	"github.com/dimagi/casecore/internal/metrics"
	"github.com/dimagi/casecore/internal/store"
	"github.com/dimagi/casecore/internal/store/schema"
)

const (
	defaultMinWindowDays = 10
	defaultMaxWindowDays = 60
)

// Engine defines the ledger operations
//
//go:generate mockgen -source=ledger.go -destination=../mocks/ledger.go -package=mocks -mock_names=Engine=MockLedgerEngine
type Engine interface {
	// ProjectLedger replays the movements of a key and cross checks every stored balance
	ProjectLedger(ctx context.Context, ref domain.LedgerRef) (*schema.LedgerValue, error)
	// Values returns the current values of a case, each cross checked by ProjectLedger
	Values(ctx context.Context, caseID string) ([]schema.LedgerValue, error)
	// Rebuild restamps the movements of a case and rewrites its values
	Rebuild(ctx context.Context, caseID string) ([]schema.LedgerValue, error)
	// UpdateDailyConsumption recomputes and stores the consumption estimate of a key
	UpdateDailyConsumption(ctx context.Context, ref domain.LedgerRef) (*float64, error)
}

// Config holds the consumption window bounds
type Config struct {
	MinWindowDays int
	MaxWindowDays int
}

type engine struct {
	cfg    Config
	store  store.Store
	locker locks.Locker
	clock  adapter.Clock
}

// New creates a ledger engine
func New(cfg Config, st store.Store, locker locks.Locker, clock adapter.Clock) Engine {
	if cfg.MinWindowDays <= 0 {
		cfg.MinWindowDays = defaultMinWindowDays
	}
	if cfg.MaxWindowDays <= 0 {
		cfg.MaxWindowDays = defaultMaxWindowDays
	}
	if cfg.MinWindowDays > cfg.MaxWindowDays {
		cfg.MinWindowDays = cfg.MaxWindowDays
	}
	return &engine{cfg: cfg, store: st, locker: locker, clock: clock}
}

func (e *engine) ProjectLedger(ctx context.Context, ref domain.LedgerRef) (*schema.LedgerValue, error) {
	release, err := e.locker.Lock(ctx, store.CaseLockKey(ref.CaseID))
	if err != nil {
		return nil, fmt.Errorf("failed to lock case: %w", err)
	}
	defer release()

	txns, value, err := e.store.GetLedgerSnapshot(ctx, ref)
	if err != nil {
		return nil, err
	}

	stamps, balance := domain.ReplayLedger(movements(txns))
	for i, stamp := range stamps {
		if stamp.UpdatedBalance != txns[i].UpdatedBalance {
			return nil, e.inconsistent(ctx, ref, domain.LedgerFieldBalance, stamp.ID, stamp.UpdatedBalance, txns[i].UpdatedBalance)
		}
		if stamp.Delta != txns[i].Delta {
			return nil, e.inconsistent(ctx, ref, domain.LedgerFieldDelta, stamp.ID, stamp.Delta, txns[i].Delta)
		}
	}

	if value == nil {
		if len(txns) == 0 {
			return nil, nil
		}
		last := txns[len(txns)-1]
		return nil, e.inconsistent(ctx, ref, domain.LedgerFieldBalance, last.ID, balance, 0)
	}
	if value.Balance != balance {
		var lastID int64
		if len(txns) > 0 {
			lastID = txns[len(txns)-1].ID
		}
		return nil, e.inconsistent(ctx, ref, domain.LedgerFieldBalance, lastID, balance, value.Balance)
	}

	return value, nil
}

func (e *engine) Values(ctx context.Context, caseID string) ([]schema.LedgerValue, error) {
	stored, err := e.store.GetLedgerValues(ctx, []string{caseID})
	if err != nil {
		return nil, err
	}

	values := make([]schema.LedgerValue, 0, len(stored))
	for _, v := range stored {
		value, err := e.ProjectLedger(ctx, v.Ref())
		if err != nil {
			return nil, err
		}
		if value != nil {
			values = append(values, *value)
		}
	}
	return values, nil
}

func (e *engine) Rebuild(ctx context.Context, caseID string) ([]schema.LedgerValue, error) {
	release, err := e.locker.Lock(ctx, store.CaseLockKey(caseID))
	if err != nil {
		return nil, fmt.Errorf("failed to lock case: %w", err)
	}
	defer release()

	txns, err := e.store.GetCaseLedgerTransactions(ctx, caseID, false)
	if err != nil {
		return nil, err
	}
	existing, err := e.store.GetLedgerValues(ctx, []string{caseID})
	if err != nil {
		return nil, err
	}

	domainName := ""
	current := make(map[domain.LedgerRef]schema.LedgerValue, len(existing))
	for _, v := range existing {
		current[v.Ref()] = v
		domainName = v.Domain
	}
	if domainName == "" {
		c, err := e.store.GetCase(ctx, caseID)
		if err != nil {
			return nil, err
		}
		if c == nil {
			return nil, fmt.Errorf("%w: %s", domain.ErrCaseNotFound, caseID)
		}
		domainName = c.Domain
	}

	now := e.clock.Now()
	groups := groupByRef(txns)
	refs := make(map[domain.LedgerRef]struct{}, len(groups)+len(current))
	for ref := range groups {
		refs[ref] = struct{}{}
	}
	for ref := range current {
		refs[ref] = struct{}{}
	}

	var restamps []store.LedgerRestamp
	values := make([]schema.LedgerValue, 0, len(refs))
	for _, ref := range sortRefs(refs) {
		group := groups[ref]
		stamps, balance := domain.ReplayLedger(movements(group))
		for i, stamp := range stamps {
			if stamp.Delta != group[i].Delta || stamp.UpdatedBalance != group[i].UpdatedBalance {
				restamps = append(restamps, store.LedgerRestamp{
					ID:             stamp.ID,
					Delta:          stamp.Delta,
					UpdatedBalance: stamp.UpdatedBalance,
				})
			}
		}

		value := schema.LedgerValue{
			Domain:       domainName,
			CaseID:       ref.CaseID,
			SectionID:    ref.SectionID,
			EntryID:      ref.EntryID,
			Balance:      balance,
			LastModified: now,
			LedgerError:  balance < 0,
		}
		if len(group) > 0 {
			value.LastModifiedFormID = group[len(group)-1].FormID
		}
		if prev, ok := current[ref]; ok {
			value.DailyConsumption = prev.DailyConsumption
		}
		values = append(values, value)
	}

	if err := e.store.RewriteCaseLedger(ctx, store.RewriteLedgerInput{
		CaseID:   caseID,
		Restamps: restamps,
		Values:   values,
		At:       now,
	}); err != nil {
		return nil, err
	}

	logger.InfoCtx(ctx, "Ledger rebuilt",
		zap.String("caseID", caseID),
		zap.Int("keys", len(values)),
		zap.Int("restamped", len(restamps)))

	return e.store.GetLedgerValues(ctx, []string{caseID})
}

// UpdateDailyConsumption divides the consumption of the trailing window by its span in days.
// The span runs from the oldest movement inside the max window to now; a span shorter
// than the min window has too little history and yields nil.
func (e *engine) UpdateDailyConsumption(ctx context.Context, ref domain.LedgerRef) (*float64, error) {
	txns, err := e.store.GetLedgerTransactions(ctx, ref, false)
	if err != nil {
		return nil, err
	}

	consumption := DailyConsumption(txns, e.clock.Now(), e.cfg.MinWindowDays, e.cfg.MaxWindowDays)
	if err := e.store.SetDailyConsumption(ctx, ref, consumption); err != nil {
		return nil, err
	}
	return consumption, nil
}

// DailyConsumption computes the estimate over movements ordered by server date
func DailyConsumption(txns []schema.LedgerTransaction, now time.Time, minDays, maxDays int) *float64 {
	windowStart := now.Add(-time.Duration(maxDays) * 24 * time.Hour)

	var first *time.Time
	var consumed int64
	for i := range txns {
		t := &txns[i]
		if t.ServerDate.Before(windowStart) || t.ServerDate.After(now) {
			continue
		}
		if first == nil {
			first = &t.ServerDate
		}
		if t.Kind == domain.LedgerKindTransfer && t.Delta < 0 {
			consumed += -t.Delta
		}
	}
	if first == nil || consumed == 0 {
		return nil
	}

	days := now.Sub(*first).Hours() / 24
	if days < float64(minDays) {
		return nil
	}
	daily := float64(consumed) / days
	return &daily
}

func (e *engine) inconsistent(ctx context.Context, ref domain.LedgerRef, field domain.LedgerField, txnID, expected, stored int64) error {
	metrics.LedgerInconsistencies.Inc()
	err := &domain.LedgerInconsistencyError{
		CaseID:        ref.CaseID,
		SectionID:     ref.SectionID,
		EntryID:       ref.EntryID,
		TransactionID: txnID,
		Expected:      expected,
		Stored:        stored,
		Field:         field,
	}
	logger.ErrorCtx(ctx, err, zap.String("ledger", ref.String()))
	return err
}

func movements(txns []schema.LedgerTransaction) []domain.LedgerMovement {
	out := make([]domain.LedgerMovement, 0, len(txns))
	for _, t := range txns {
		out = append(out, domain.LedgerMovement{ID: t.ID, Kind: t.Kind, Quantity: t.Quantity})
	}
	return out
}

// groupByRef keeps the server date order of the input within each key
func groupByRef(txns []schema.LedgerTransaction) map[domain.LedgerRef][]schema.LedgerTransaction {
	groups := make(map[domain.LedgerRef][]schema.LedgerTransaction)
	for _, t := range txns {
		groups[t.Ref()] = append(groups[t.Ref()], t)
	}
	return groups
}

func sortRefs(refs map[domain.LedgerRef]struct{}) []domain.LedgerRef {
	out := make([]domain.LedgerRef, 0, len(refs))
	for ref := range refs {
		out = append(out, ref)
	}
	slices.SortFunc(out, func(a, b domain.LedgerRef) int {
		return strings.Compare(a.String(), b.String())
	})
	return out
}

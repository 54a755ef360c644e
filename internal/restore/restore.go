// Package restore builds the case set a device receives on OTA restore.
package restore

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/dimagi/casecore/internal/adapter"
	"github.com/dimagi/casecore/internal/domain"
	"github.com/dimagi/casecore/internal/ledger"
	"github.com/dimagi/casecore/internal/logger"
	"github.com/dimagi/casecore/internal/metrics"
	"github.com/dimagi/casecore/internal/projector"
	"github.com/dimagi/casecore/internal/store"
	"github.com/dimagi/casecore/internal/store/schema"
	"github.com/dimagi/casecore/internal/syncstate"
)

const (
	KindFull        = "full"
	KindIncremental = "incremental"
)

// CleanlinessChecker reports whether an owner's case set is self-contained
type CleanlinessChecker interface {
	IsClean(ctx context.Context, domainName string, ownerID string) bool
}

// Request names the device and the restore token it presented
type Request struct {
	DeviceID string
	// Since is the restore id the device last received, empty on first sync
	Since string
	// Full forces a full restore
	Full bool
}

// CaseError is a case left out of the restore because it could not be projected,
// or a ledger key of a sent case left out because replay disagreed with it
type CaseError struct {
	CaseID string
	// Ledger is set for ledger failures
	Ledger *domain.LedgerRef
	Err    error
}

// RestoreSet is everything one restore sends to a device and the checkpoint it leads to
type RestoreSet struct {
	DeviceID          string
	Domain            string
	UserID            string
	RestoreID         string
	PreviousRestoreID string
	Full              bool
	// Cases are the projections to send, in id order
	Cases []*domain.CaseState
	// Ledgers are the verified values of every sent case
	Ledgers []schema.LedgerValue
	// Removed are cases on the device that are no longer relevant
	Removed []string
	Errors  []CaseError
	// Position is the highest transaction id observed
	Position   int64
	CaseStates map[string]int64
}

// Builder defines the restore operations
//
//go:generate mockgen -source=restore.go -destination=../mocks/restore.go -package=mocks -mock_names=CleanlinessChecker=MockRestoreCleanlinessChecker,Builder=MockRestoreBuilder
type Builder interface {
	BuildRestoreSet(ctx context.Context, req Request) (*RestoreSet, error)
	// Commit advances the device checkpoint to the restore set
	Commit(ctx context.Context, set *RestoreSet) (*syncstate.Checkpoint, error)
}

type builder struct {
	store       store.Store
	projector   projector.Projector
	ledger      ledger.Engine
	cleanliness CleanlinessChecker
	tracker     syncstate.Tracker
	ids         adapter.IDGenerator
}

// NewBuilder creates a restore builder
func NewBuilder(st store.Store, proj projector.Projector, ledgers ledger.Engine, cleanliness CleanlinessChecker, tracker syncstate.Tracker, ids adapter.IDGenerator) Builder {
	return &builder{
		store:       st,
		projector:   proj,
		ledger:      ledgers,
		cleanliness: cleanliness,
		tracker:     tracker,
		ids:         ids,
	}
}

func (b *builder) BuildRestoreSet(ctx context.Context, req Request) (*RestoreSet, error) {
	device, err := b.tracker.Device(ctx, req.DeviceID)
	if err != nil {
		return nil, err
	}
	ctx = logger.WithFields(ctx, zap.String("deviceID", device.ID), zap.String("domain", device.Domain))

	checkpoint, err := b.tracker.CheckpointFor(ctx, device.ID)
	if err != nil {
		return nil, err
	}
	full := req.Full || checkpoint == nil || req.Since != checkpoint.RestoreID

	set := &RestoreSet{
		DeviceID:   device.ID,
		Domain:     device.Domain,
		UserID:     device.UserID,
		RestoreID:  b.ids.NewULID(),
		Full:       full,
		CaseStates: map[string]int64{},
	}
	if checkpoint != nil {
		set.PreviousRestoreID = checkpoint.RestoreID
	}

	dirty := false
	for _, owner := range device.OwnerIDs {
		if !b.cleanliness.IsClean(ctx, device.Domain, owner) {
			dirty = true
			break
		}
	}

	w := &walk{builder: b, ctx: ctx, set: set, owners: device.OwnerIDs, states: map[string]*domain.CaseState{}, failed: map[string]bool{}}
	if err := w.run(dirty); err != nil {
		return nil, err
	}

	onDevice := map[string]int64{}
	if !full {
		onDevice = checkpoint.CaseStates
		set.Position = checkpoint.Position
	}

	for _, id := range sortedKeys(w.states) {
		state := w.states[id]
		set.CaseStates[id] = state.LastTransactionID
		set.Position = max(set.Position, state.LastTransactionID)

		if last, ok := onDevice[id]; ok && last == state.LastTransactionID {
			continue
		}
		set.Cases = append(set.Cases, state)
	}

	// failed cases keep whatever the device already has
	for id := range w.failed {
		if last, ok := onDevice[id]; ok {
			set.CaseStates[id] = last
		}
	}

	for _, id := range sortedKeys(onDevice) {
		if _, ok := set.CaseStates[id]; !ok {
			set.Removed = append(set.Removed, id)
		}
	}

	if len(set.Cases) > 0 {
		ids := make([]string, 0, len(set.Cases))
		for _, c := range set.Cases {
			ids = append(ids, c.CaseID)
		}
		if set.Ledgers, err = b.verifiedLedgers(ctx, set, ids); err != nil {
			return nil, err
		}
	}

	kind := KindIncremental
	if full {
		kind = KindFull
	}
	metrics.Restores.WithLabelValues(kind).Inc()
	logger.InfoCtx(ctx, "Restore set built",
		zap.String("restoreID", set.RestoreID),
		zap.String("kind", kind),
		zap.Bool("ownersDirty", dirty),
		zap.Int("relevant", len(w.states)),
		zap.Int("cases", len(set.Cases)),
		zap.Int("removed", len(set.Removed)),
		zap.Int("errors", len(set.Errors)))

	return set, nil
}

// verifiedLedgers replays every ledger key of the cases; a key whose stored movements
// disagree with replay is reported in the set's errors and not sent
func (b *builder) verifiedLedgers(ctx context.Context, set *RestoreSet, caseIDs []string) ([]schema.LedgerValue, error) {
	stored, err := b.store.GetLedgerValues(ctx, caseIDs)
	if err != nil {
		return nil, err
	}

	values := make([]schema.LedgerValue, 0, len(stored))
	for _, v := range stored {
		ref := v.Ref()
		value, err := b.ledger.ProjectLedger(ctx, ref)
		switch {
		case err == nil:
		case errors.Is(err, domain.ErrLedgerInconsistency):
			set.Errors = append(set.Errors, CaseError{CaseID: ref.CaseID, Ledger: &ref, Err: err})
			continue
		default:
			return nil, fmt.Errorf("failed to project ledger %s: %w", ref, err)
		}
		if value != nil {
			values = append(values, *value)
		}
	}
	return values, nil
}

func (b *builder) Commit(ctx context.Context, set *RestoreSet) (*syncstate.Checkpoint, error) {
	return b.tracker.Advance(ctx, set.DeviceID, syncstate.AdvanceInput{
		Position:   set.Position,
		RestoreID:  set.RestoreID,
		CaseStates: set.CaseStates,
		Reset:      set.Full,
	})
}

// walk collects the relevant cases: the owners' open cases, everything they reference
// transitively and, when an owner is dirty, extension cases pointing into the set.
type walk struct {
	*builder
	ctx    context.Context
	set    *RestoreSet
	owners []string
	states map[string]*domain.CaseState
	failed map[string]bool
	seen   map[string]bool
}

func (w *walk) run(dirty bool) error {
	w.seen = map[string]bool{}

	seeds, err := w.store.ListOpenCaseIDsForOwners(w.ctx, w.set.Domain, w.owners)
	if err != nil {
		return err
	}
	adopted, err := w.refreshDirty(seeds)
	if err != nil {
		return err
	}
	if len(adopted) > 0 {
		seeds = append(seeds, adopted...)
		slices.Sort(seeds)
	}

	var frontier []string
	for _, id := range seeds {
		w.seen[id] = true
		state, ok, err := w.project(id)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		// the cached owner and closed columns can lag a dirty case; such a case
		// is only sent when something relevant references it
		if state.Closed || !slices.Contains(w.owners, state.OwnerID) {
			delete(w.seen, id)
			continue
		}
		w.states[id] = state
		frontier = append(frontier, referenced(state)...)
	}

	for {
		if err := w.footprint(frontier); err != nil {
			return err
		}
		if !dirty {
			return nil
		}

		extensions, err := w.store.GetIncomingIndices(w.ctx, sortedKeys(w.states), domain.RelationshipExtension)
		if err != nil {
			return err
		}
		frontier = frontier[:0]
		for _, idx := range extensions {
			if !w.seen[idx.CaseID] {
				frontier = append(frontier, idx.CaseID)
			}
		}
		if len(frontier) == 0 {
			return nil
		}
	}
}

// refreshDirty rebuilds the domain's dirty cases that are not already seeds, since their
// cached owner and closed columns may predate the transactions waiting to be applied.
// It returns those whose projection makes them open cases of the owners.
func (w *walk) refreshDirty(seeds []string) ([]string, error) {
	dirty, err := w.store.ListDirtyCaseIDs(w.ctx, w.set.Domain, 0)
	if err != nil {
		return nil, err
	}

	var adopted []string
	for _, id := range dirty {
		if _, found := slices.BinarySearch(seeds, id); found {
			continue
		}
		state, err := w.projector.Project(w.ctx, id)
		switch {
		case err == nil:
		case errors.Is(err, domain.ErrRebuildTimeout) && state != nil:
		case errors.Is(err, domain.ErrCaseNotFound), errors.Is(err, domain.ErrProjection), errors.Is(err, domain.ErrRebuildTimeout):
			// the owner of a case that cannot be projected is unknown
			logger.WarnCtx(w.ctx, "Skipping dirty case", zap.String("caseID", id), zap.Error(err))
			continue
		default:
			return nil, fmt.Errorf("failed to project case %s: %w", id, err)
		}
		if state.Deleted() || state.Closed || !slices.Contains(w.owners, state.OwnerID) {
			continue
		}
		adopted = append(adopted, id)
	}
	return adopted, nil
}

// footprint adds the cases and everything they reference
func (w *walk) footprint(frontier []string) error {
	queue := slices.Clone(frontier)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if w.seen[id] {
			continue
		}
		w.seen[id] = true

		state, ok, err := w.project(id)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		w.states[id] = state
		queue = append(queue, referenced(state)...)
	}
	return nil
}

// project reports false for cases that are unknown, deleted or failed
func (w *walk) project(caseID string) (*domain.CaseState, bool, error) {
	state, err := w.projector.Project(w.ctx, caseID)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrCaseNotFound):
		return nil, false, nil
	case errors.Is(err, domain.ErrRebuildTimeout) && state != nil:
		logger.WarnCtx(w.ctx, "Serving last good projection", zap.String("caseID", caseID))
	case errors.Is(err, domain.ErrProjection), errors.Is(err, domain.ErrRebuildTimeout):
		w.failed[caseID] = true
		w.set.Errors = append(w.set.Errors, CaseError{CaseID: caseID, Err: err})
		return nil, false, nil
	default:
		return nil, false, fmt.Errorf("failed to project case %s: %w", caseID, err)
	}

	if state.Deleted() {
		return nil, false, nil
	}
	return state, true, nil
}

func referenced(state *domain.CaseState) []string {
	ids := make([]string, 0, len(state.Indices))
	for _, idx := range state.Indices {
		ids = append(ids, idx.ReferencedID)
	}
	return ids
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

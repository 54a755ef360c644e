package projector

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/dimagi/casecore/internal/adapter"
	"github.com/dimagi/casecore/internal/domain"
	"github.com/dimagi/casecore/internal/store/schema"
	"github.com/dimagi/casecore/internal/xform"
)

// newState returns the empty projection a full rebuild starts from
func newState(caseID, domainName string) *domain.CaseState {
	return &domain.CaseState{CaseID: caseID, Domain: domainName}
}

// apply folds one transaction into state. Rebuild and ledger-only transactions only move modified_on.
func apply(state *domain.CaseState, txn *schema.CaseTransaction) error {
	serverDate := adapter.ServerTime(txn.ServerDate)
	state.LastTransactionID = txn.ID
	state.ModifiedOn = serverDate
	if formID := txn.FormIDValue(); formID != "" && !slices.Contains(state.FormIDs, formID) {
		state.FormIDs = append(state.FormIDs, formID)
	}

	if txn.Type.IsRebuild() || !txn.Type.IsFormTransaction() || len(txn.Details) == 0 {
		return nil
	}

	var diff domain.CaseDiff
	if err := json.Unmarshal(txn.Details, &diff); err != nil {
		return projectionError(state, txn, fmt.Errorf("invalid details: %w", err))
	}

	if diff.UserID != "" {
		state.ModifiedBy = diff.UserID
	}

	if c := diff.Create; c != nil {
		if c.CaseType != "" {
			state.CaseType = c.CaseType
		}
		if c.CaseName != "" {
			state.Name = c.CaseName
		}
		if c.OwnerID != "" {
			state.OwnerID = c.OwnerID
		}
		if state.OpenedOn == nil {
			opened := serverDate
			state.OpenedOn = &opened
			state.OpenedBy = diff.UserID
		}
	}

	for _, name := range sortedKeys(diff.Update) {
		if err := applyProperty(state, name, diff.Update[name]); err != nil {
			return projectionError(state, txn, err)
		}
	}

	if diff.Close {
		closed := serverDate
		state.Closed = true
		state.ClosedOn = &closed
		state.ClosedBy = diff.UserID
	}

	for _, idx := range diff.Indices {
		if idx.Identifier == "" {
			return projectionError(state, txn, fmt.Errorf("index without identifier"))
		}
		state.Indices = slices.DeleteFunc(state.Indices, func(existing domain.CaseIndexRef) bool {
			return existing.Identifier == idx.Identifier
		})
		if idx.ReferencedID == "" {
			continue
		}
		relationship := idx.Relationship
		if relationship == "" {
			relationship = domain.RelationshipChild
		}
		if !domain.IsValidRelationship(relationship) {
			return projectionError(state, txn, fmt.Errorf("unknown relationship %q", relationship))
		}
		state.Indices = append(state.Indices, domain.CaseIndexRef{
			Identifier:     idx.Identifier,
			ReferencedType: idx.ReferencedType,
			ReferencedID:   idx.ReferencedID,
			Relationship:   relationship,
		})
	}
	slices.SortFunc(state.Indices, func(a, b domain.CaseIndexRef) int {
		return strings.Compare(a.Identifier, b.Identifier)
	})

	for _, a := range diff.Attachments {
		state.Attachments = slices.DeleteFunc(state.Attachments, func(existing domain.CaseAttachmentRef) bool {
			return existing.Identifier == a.Identifier
		})
		if a.Remove {
			continue
		}
		state.Attachments = append(state.Attachments, domain.CaseAttachmentRef{
			Identifier:    a.Identifier,
			BlobID:        a.BlobID,
			ContentType:   a.ContentType,
			ContentLength: a.ContentLength,
			MD5:           a.MD5,
		})
	}
	slices.SortFunc(state.Attachments, func(a, b domain.CaseAttachmentRef) int {
		return strings.Compare(a.Identifier, b.Identifier)
	})
	if len(state.Indices) == 0 {
		state.Indices = nil
	}
	if len(state.Attachments) == 0 {
		state.Attachments = nil
	}

	return nil
}

func applyProperty(state *domain.CaseState, name, value string) error {
	switch name {
	case domain.CasePropertyType:
		state.CaseType = value
	case domain.CasePropertyName:
		state.Name = value
	case domain.CasePropertyOwnerID:
		state.OwnerID = value
	case domain.CasePropertyExternalID:
		state.ExternalID = value
	case domain.CasePropertyLocationID:
		state.LocationID = value
	case domain.CasePropertyDateOpened:
		if value == "" {
			state.OpenedOn = nil
			return nil
		}
		opened, err := xform.ParseDate(value)
		if err != nil {
			return fmt.Errorf("invalid date_opened: %w", err)
		}
		opened = adapter.ServerTime(opened)
		state.OpenedOn = &opened
	default:
		if err := domain.ValidateExtraPropertyName(name); err != nil {
			return err
		}
		if state.Extra == nil {
			state.Extra = make(map[string]string)
		}
		state.Extra[name] = value
	}
	return nil
}

func projectionError(state *domain.CaseState, txn *schema.CaseTransaction, err error) error {
	return &domain.ProjectionError{CaseID: state.CaseID, TransactionID: txn.ID, Err: err}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// chainDigest extends the digest of an applied id sequence by one id
func chainDigest(previous string, id int64) string {
	sum := sha256.Sum256([]byte(previous + ":" + strconv.FormatInt(id, 10)))
	return hex.EncodeToString(sum[:])
}

// digests returns the chained digest after each transaction; digests[i] covers txns[:i+1]
func digests(txns []schema.CaseTransaction) []string {
	out := make([]string, len(txns))
	previous := ""
	for i := range txns {
		previous = chainDigest(previous, txns[i].ID)
		out[i] = previous
	}
	return out
}

// indexRows converts projected indices into the rows stored in case_indices
func indexRows(state *domain.CaseState) []schema.CaseIndex {
	rows := make([]schema.CaseIndex, 0, len(state.Indices))
	for _, idx := range state.Indices {
		rows = append(rows, schema.CaseIndex{
			Domain:         state.Domain,
			CaseID:         state.CaseID,
			Identifier:     idx.Identifier,
			ReferencedType: idx.ReferencedType,
			ReferencedID:   idx.ReferencedID,
			Relationship:   idx.Relationship,
		})
	}
	return rows
}

func copyDeletion(state *domain.CaseState, row *schema.Case) {
	state.DeletedOn = nil
	state.DeletionID = ""
	if row.DeletedOn != nil {
		deleted := adapter.ServerTime(*row.DeletedOn)
		state.DeletedOn = &deleted
	}
	if row.DeletionID != nil {
		state.DeletionID = *row.DeletionID
	}
}

// cloneState deep copies a projection so an incremental fold never mutates the cached value
func cloneState(s *domain.CaseState) *domain.CaseState {
	c := *s
	c.Indices = slices.Clone(s.Indices)
	c.Attachments = slices.Clone(s.Attachments)
	c.FormIDs = slices.Clone(s.FormIDs)
	if s.Extra != nil {
		c.Extra = make(map[string]string, len(s.Extra))
		for k, v := range s.Extra {
			c.Extra[k] = v
		}
	}
	c.OpenedOn = cloneTime(s.OpenedOn)
	c.ClosedOn = cloneTime(s.ClosedOn)
	c.DeletedOn = cloneTime(s.DeletedOn)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Package xform parses the subset of the CommCare form envelope the engine needs:
// form meta, case blocks and ledger blocks.
package xform

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/dimagi/casecore/internal/domain"
)

// Meta is the client supplied meta block of a form
type Meta struct {
	InstanceID string
	DeviceID   string
	UserID     string
	AppVersion string
	TimeStart  *time.Time
	TimeEnd    *time.Time
}

// CaseBlock is one <case> block
type CaseBlock struct {
	CaseID       string
	UserID       string
	DateModified *time.Time
	Create       *domain.CaseCreate
	// Update holds the raw properties in document order of first appearance
	Update      map[string]string
	Close       bool
	Indices     []domain.IndexChange
	Attachments []CaseAttachment
}

// CaseAttachment references a form attachment by name, or removes the case attachment when Src is empty
type CaseAttachment struct {
	Identifier string
	Src        string
	From       string
}

// Diff converts the block into the case diff stored on its transaction
func (b CaseBlock) Diff(xmlns string) domain.CaseDiff {
	diff := domain.CaseDiff{
		XMLNS:        xmlns,
		UserID:       b.UserID,
		DateModified: b.DateModified,
		Create:       b.Create,
		Close:        b.Close,
		Indices:      b.Indices,
	}
	if len(b.Update) > 0 {
		diff.Update = b.Update
	}
	return diff
}

// LedgerEntry is one <entry id quantity/> of a ledger block
type LedgerEntry struct {
	ID       string
	Quantity int64
}

// LedgerBlock is a <balance> or <transfer> block
type LedgerBlock struct {
	Kind      domain.LedgerKind
	SectionID string
	// EntityID is the case of a balance block
	EntityID string
	// Src and Dest are the cases of a transfer block; either may be empty
	Src     string
	Dest    string
	Type    string
	Date    *time.Time
	Entries []LedgerEntry
}

// Form is a parsed submission
type Form struct {
	XMLNS   string
	Meta    Meta
	Cases   []CaseBlock
	Ledgers []LedgerBlock
}

// node is a generic element used to walk the document
type node struct {
	XMLName xml.Name
	Attrs   []xml.Attr `xml:",any,attr"`
	Nodes   []node     `xml:",any"`
	Text    string     `xml:",chardata"`
}

func (n *node) attr(local string) string {
	for _, a := range n.Attrs {
		if a.Name.Local == local {
			return strings.TrimSpace(a.Value)
		}
	}
	return ""
}

func (n *node) child(local string) *node {
	for i := range n.Nodes {
		if n.Nodes[i].XMLName.Local == local {
			return &n.Nodes[i]
		}
	}
	return nil
}

func (n *node) text() string {
	return strings.TrimSpace(n.Text)
}

// Parse parses a raw submission; any structural problem is a malformed submission
func Parse(raw []byte) (*Form, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, domain.NewMalformedSubmission("empty submission", nil)
	}

	var root node
	if err := xml.Unmarshal(raw, &root); err != nil {
		return nil, domain.NewMalformedSubmission("invalid xml", err)
	}
	if root.XMLName.Space == "" {
		return nil, domain.NewMalformedSubmission("form root has no xmlns", nil)
	}

	form := &Form{XMLNS: root.XMLName.Space}

	meta, err := parseMeta(&root)
	if err != nil {
		return nil, err
	}
	form.Meta = meta

	if err := walk(&root, form); err != nil {
		return nil, err
	}

	return form, nil
}

func parseMeta(root *node) (Meta, error) {
	var meta Meta
	m := root.child("meta")
	if m == nil {
		return meta, domain.NewMalformedSubmission("form has no meta block", nil)
	}

	for _, c := range m.Nodes {
		value := c.text()
		switch c.XMLName.Local {
		case "instanceID":
			meta.InstanceID = strings.TrimPrefix(value, "uuid:")
		case "deviceID":
			meta.DeviceID = value
		case "userID":
			meta.UserID = value
		case "appVersion":
			meta.AppVersion = value
		case "timeStart", "timeEnd":
			if value == "" {
				continue
			}
			ts, err := ParseDate(value)
			if err != nil {
				return meta, domain.NewMalformedSubmission("invalid meta/"+c.XMLName.Local, err)
			}
			if c.XMLName.Local == "timeStart" {
				meta.TimeStart = &ts
			} else {
				meta.TimeEnd = &ts
			}
		}
	}

	if meta.InstanceID == "" {
		return meta, domain.NewMalformedSubmission("form has no meta/instanceID", nil)
	}
	return meta, nil
}

// walk collects case and ledger blocks anywhere in the document, in document order
func walk(n *node, form *Form) error {
	for i := range n.Nodes {
		c := &n.Nodes[i]
		switch {
		case c.XMLName.Space == domain.CASE_XMLNS_V2 && c.XMLName.Local == "case":
			block, err := parseCase(c)
			if err != nil {
				return err
			}
			form.Cases = append(form.Cases, block)
			continue
		case c.XMLName.Space == domain.LEDGER_XMLNS_V1 && (c.XMLName.Local == "balance" || c.XMLName.Local == "transfer"):
			block, err := parseLedger(c)
			if err != nil {
				return err
			}
			form.Ledgers = append(form.Ledgers, block)
			continue
		}

		if err := walk(c, form); err != nil {
			return err
		}
	}
	return nil
}

func parseCase(n *node) (CaseBlock, error) {
	block := CaseBlock{
		CaseID: n.attr("case_id"),
		UserID: n.attr("user_id"),
	}
	if block.CaseID == "" {
		return block, domain.NewMalformedSubmission("case block without case_id", nil)
	}

	if v := n.attr("date_modified"); v != "" {
		ts, err := ParseDate(v)
		if err != nil {
			return block, domain.NewMalformedSubmission(fmt.Sprintf("case %s has an invalid date_modified", block.CaseID), err)
		}
		block.DateModified = &ts
	}

	for i := range n.Nodes {
		c := &n.Nodes[i]
		switch c.XMLName.Local {
		case "create":
			create := &domain.CaseCreate{}
			for _, p := range c.Nodes {
				switch p.XMLName.Local {
				case domain.CasePropertyType:
					create.CaseType = p.text()
				case domain.CasePropertyName:
					create.CaseName = p.text()
				case domain.CasePropertyOwnerID:
					create.OwnerID = p.text()
				}
			}
			if create.CaseType == "" {
				return block, domain.NewMalformedSubmission(fmt.Sprintf("case %s create block without case_type", block.CaseID), nil)
			}
			block.Create = create
		case "update":
			if block.Update == nil {
				block.Update = make(map[string]string, len(c.Nodes))
			}
			for _, p := range c.Nodes {
				block.Update[p.XMLName.Local] = p.text()
			}
		case "close":
			block.Close = true
		case "index":
			for _, p := range c.Nodes {
				idx := domain.IndexChange{
					Identifier:     p.XMLName.Local,
					ReferencedType: p.attr("case_type"),
					ReferencedID:   p.text(),
					Relationship:   domain.Relationship(p.attr("relationship")),
				}
				if idx.Relationship == "" {
					idx.Relationship = domain.RelationshipChild
				}
				if !domain.IsValidRelationship(idx.Relationship) {
					return block, domain.NewMalformedSubmission(
						fmt.Sprintf("case %s index %s has unknown relationship %q", block.CaseID, idx.Identifier, idx.Relationship), nil)
				}
				if idx.ReferencedID == block.CaseID {
					return block, domain.NewMalformedSubmission(fmt.Sprintf("case %s indexes itself", block.CaseID), nil)
				}
				block.Indices = append(block.Indices, idx)
			}
		case "attachment":
			for _, p := range c.Nodes {
				block.Attachments = append(block.Attachments, CaseAttachment{
					Identifier: p.XMLName.Local,
					Src:        p.attr("src"),
					From:       p.attr("from"),
				})
			}
		}
	}

	return block, nil
}

func parseLedger(n *node) (LedgerBlock, error) {
	block := LedgerBlock{
		SectionID: n.attr("section-id"),
		Type:      n.attr("type"),
	}

	switch n.XMLName.Local {
	case "balance":
		block.Kind = domain.LedgerKindBalance
		block.EntityID = n.attr("entity-id")
		if block.EntityID == "" {
			return block, domain.NewMalformedSubmission("balance block without entity-id", nil)
		}
	default:
		block.Kind = domain.LedgerKindTransfer
		block.Src = n.attr("src")
		block.Dest = n.attr("dest")
		if block.Src == "" && block.Dest == "" {
			return block, domain.NewMalformedSubmission("transfer block without src or dest", nil)
		}
		if block.Src == block.Dest {
			return block, domain.NewMalformedSubmission("transfer block with identical src and dest", nil)
		}
	}

	if block.SectionID == "" {
		return block, domain.NewMalformedSubmission(n.XMLName.Local+" block without section-id", nil)
	}

	if v := n.attr("date"); v != "" {
		ts, err := ParseDate(v)
		if err != nil {
			return block, domain.NewMalformedSubmission(n.XMLName.Local+" block has an invalid date", err)
		}
		block.Date = &ts
	}

	for _, e := range n.Nodes {
		if e.XMLName.Local != "entry" {
			continue
		}
		id := e.attr("id")
		if id == "" {
			return block, domain.NewMalformedSubmission("ledger entry without id", nil)
		}
		quantity, err := parseQuantity(e.attr("quantity"))
		if err != nil {
			return block, domain.NewMalformedSubmission(fmt.Sprintf("ledger entry %s has an invalid quantity", id), err)
		}
		if quantity < 0 {
			return block, domain.NewMalformedSubmission(fmt.Sprintf("ledger entry %s has a negative quantity", id), nil)
		}
		block.Entries = append(block.Entries, LedgerEntry{ID: id, Quantity: quantity})
	}

	if len(block.Entries) == 0 {
		return block, domain.NewMalformedSubmission(n.XMLName.Local+" block without entries", nil)
	}

	return block, nil
}

// parseQuantity accepts integers and integral decimals such as "10.0"
func parseQuantity(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("missing quantity")
	}
	if q, err := strconv.ParseInt(s, 10, 64); err == nil {
		return q, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("quantity %s is not integral", s)
	}
	return int64(f), nil
}

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ParseDate parses the date formats CommCare clients send; values without a zone are UTC
func ParseDate(s string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}

package restore

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/dimagi/casecore/internal/domain"
	"github.com/dimagi/casecore/internal/store/schema"
)

const (
	SYNC_XMLNS       = "http://commcarehq.org/sync"
	RESTORE_NATURE   = "ota_restore_success"
	xmlDateLayout    = "2006-01-02T15:04:05.000000Z"
	xmlDayLayout     = "2006-01-02"
	attachmentRemote = "remote"
)

type openRosaResponse struct {
	XMLName  xml.Name `xml:"OpenRosaResponse"`
	XMLNS    string   `xml:"xmlns,attr"`
	Items    int      `xml:"items,attr"`
	Message  message  `xml:"message"`
	Sync     syncTag  `xml:"Sync"`
	Cases    []caseBlock
	Balances []balanceBlock
}

type message struct {
	Nature string `xml:"nature,attr"`
	Text   string `xml:",chardata"`
}

type syncTag struct {
	XMLNS     string `xml:"xmlns,attr"`
	RestoreID string `xml:"restore_id"`
}

type caseBlock struct {
	XMLName      xml.Name         `xml:"case"`
	XMLNS        string           `xml:"xmlns,attr"`
	CaseID       string           `xml:"case_id,attr"`
	DateModified string           `xml:"date_modified,attr,omitempty"`
	UserID       string           `xml:"user_id,attr,omitempty"`
	Create       *createBlock     `xml:"create"`
	Update       *propertyList    `xml:"update"`
	Index        *propertyList    `xml:"index"`
	Attachment   *attachmentBlock `xml:"attachment"`
	Close        *struct{}        `xml:"close"`
}

type createBlock struct {
	CaseType string `xml:"case_type"`
	CaseName string `xml:"case_name"`
	OwnerID  string `xml:"owner_id"`
}

type propertyList struct {
	Items []property
}

type property struct {
	XMLName      xml.Name
	CaseType     string `xml:"case_type,attr,omitempty"`
	Relationship string `xml:"relationship,attr,omitempty"`
	Value        string `xml:",chardata"`
}

type attachmentBlock struct {
	Items []attachment
}

type attachment struct {
	XMLName xml.Name
	Src     string `xml:"src,attr"`
	From    string `xml:"from,attr"`
}

type balanceBlock struct {
	XMLName   xml.Name `xml:"balance"`
	XMLNS     string   `xml:"xmlns,attr"`
	EntityID  string   `xml:"entity-id,attr"`
	Date      string   `xml:"date,attr"`
	SectionID string   `xml:"section-id,attr"`
	Entries   []entry  `xml:"entry"`
}

type entry struct {
	ID       string `xml:"id,attr"`
	Quantity int64  `xml:"quantity,attr"`
}

// Render writes the OpenRosa restore payload of a restore set
func Render(set *RestoreSet) ([]byte, error) {
	resp := openRosaResponse{
		XMLNS:   domain.OPENROSA_RESPONSE_XMLNS,
		Message: message{Nature: RESTORE_NATURE, Text: fmt.Sprintf("Successfully restored account %s!", set.UserID)},
		Sync:    syncTag{XMLNS: SYNC_XMLNS, RestoreID: set.RestoreID},
	}

	for _, state := range set.Cases {
		resp.Cases = append(resp.Cases, renderCase(state))
	}
	for _, id := range set.Removed {
		resp.Cases = append(resp.Cases, caseBlock{XMLNS: domain.CASE_XMLNS_V2, CaseID: id, Close: &struct{}{}})
	}
	resp.Balances = renderBalances(set.Ledgers)
	resp.Items = len(resp.Cases) + len(resp.Balances)

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(resp); err != nil {
		return nil, fmt.Errorf("failed to render restore: %w", err)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

func renderCase(state *domain.CaseState) caseBlock {
	block := caseBlock{
		XMLNS:        domain.CASE_XMLNS_V2,
		CaseID:       state.CaseID,
		DateModified: state.ModifiedOn.UTC().Format(xmlDateLayout),
		UserID:       state.ModifiedBy,
		Create: &createBlock{
			CaseType: state.CaseType,
			CaseName: state.Name,
			OwnerID:  state.OwnerID,
		},
	}

	var update []property
	if state.OpenedOn != nil {
		update = append(update, textProperty(domain.CasePropertyDateOpened, state.OpenedOn.UTC().Format(xmlDayLayout)))
	}
	if state.ExternalID != "" {
		update = append(update, textProperty(domain.CasePropertyExternalID, state.ExternalID))
	}
	if state.LocationID != "" {
		update = append(update, textProperty(domain.CasePropertyLocationID, state.LocationID))
	}
	extra := make([]string, 0, len(state.Extra))
	for name := range state.Extra {
		extra = append(extra, name)
	}
	slices.Sort(extra)
	for _, name := range extra {
		update = append(update, textProperty(name, state.Extra[name]))
	}
	if len(update) > 0 {
		block.Update = &propertyList{Items: update}
	}

	if len(state.Indices) > 0 {
		list := &propertyList{}
		for _, idx := range state.Indices {
			list.Items = append(list.Items, property{
				XMLName:      xml.Name{Local: idx.Identifier},
				CaseType:     idx.ReferencedType,
				Relationship: string(idx.Relationship),
				Value:        idx.ReferencedID,
			})
		}
		block.Index = list
	}

	if len(state.Attachments) > 0 {
		att := &attachmentBlock{}
		for _, a := range state.Attachments {
			att.Items = append(att.Items, attachment{
				XMLName: xml.Name{Local: a.Identifier},
				Src:     a.BlobID,
				From:    attachmentRemote,
			})
		}
		block.Attachment = att
	}

	if state.Closed {
		block.Close = &struct{}{}
	}
	return block
}

func textProperty(name, value string) property {
	return property{XMLName: xml.Name{Local: name}, Value: value}
}

// renderBalances writes one balance block per case and section, entries in id order
func renderBalances(values []schema.LedgerValue) []balanceBlock {
	type key struct{ caseID, sectionID string }
	byKey := map[key]*balanceBlock{}
	latest := map[key]time.Time{}
	var order []key

	for _, v := range values {
		k := key{v.CaseID, v.SectionID}
		block, ok := byKey[k]
		if !ok {
			block = &balanceBlock{XMLNS: domain.LEDGER_XMLNS_V1, EntityID: v.CaseID, SectionID: v.SectionID}
			byKey[k] = block
			order = append(order, k)
		}
		block.Entries = append(block.Entries, entry{ID: v.EntryID, Quantity: v.Balance})
		if v.LastModified.After(latest[k]) {
			latest[k] = v.LastModified
		}
	}

	slices.SortFunc(order, func(a, b key) int {
		if c := strings.Compare(a.caseID, b.caseID); c != 0 {
			return c
		}
		return strings.Compare(a.sectionID, b.sectionID)
	})

	out := make([]balanceBlock, 0, len(order))
	for _, k := range order {
		block := byKey[k]
		slices.SortFunc(block.Entries, func(a, b entry) int {
			return strings.Compare(a.ID, b.ID)
		})
		block.Date = latest[k].UTC().Format(xmlDateLayout)
		out = append(out, *block)
	}
	return out
}

package storetest

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
)

// StepClock is a deterministic clock that moves forward one second on every reading
type StepClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewStepClock creates a clock whose first reading is start plus one second
func NewStepClock(start time.Time) *StepClock {
	return &StepClock{now: start.UTC()}
}

func (c *StepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func (c *StepClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

func (c *StepClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- c.Now().Add(d)
	return ch
}

const (
	caseNS   = `xmlns="http://commcarehq.org/case/transaction/v2"`
	ledgerNS = `xmlns="http://commcarehq.org/ledger/v1"`
)

// FormXML wraps blocks in a submission envelope
func FormXML(instanceID string, userID string, blocks ...string) []byte {
	return []byte(fmt.Sprintf(`<?xml version="1.0"?>
<data xmlns="http://example.org/forms/visit">%s
  <meta><instanceID>%s</instanceID><userID>%s</userID><deviceID>device-test</deviceID></meta>
</data>`, strings.Join(blocks, "\n"), instanceID, userID))
}

// CreateCase is a case block creating a case
func CreateCase(caseID, caseType, name, ownerID string) string {
	return fmt.Sprintf(`<case %s case_id="%s"><create><case_type>%s</case_type><case_name>%s</case_name><owner_id>%s</owner_id></create></case>`,
		caseNS, caseID, caseType, name, ownerID)
}

// UpdateCase is a case block updating properties, written in key order
func UpdateCase(caseID string, props map[string]string) string {
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "<%s>%s</%s>", k, props[k], k)
	}
	return fmt.Sprintf(`<case %s case_id="%s"><update>%s</update></case>`, caseNS, caseID, b.String())
}

// CloseCase is a case block closing a case
func CloseCase(caseID string) string {
	return fmt.Sprintf(`<case %s case_id="%s"><close/></case>`, caseNS, caseID)
}

// IndexCase is a case block setting one index; an empty referencedID removes it
func IndexCase(caseID, identifier, referencedType, referencedID, relationship string) string {
	return fmt.Sprintf(`<case %s case_id="%s"><index><%s case_type="%s" relationship="%s">%s</%s></index></case>`,
		caseNS, caseID, identifier, referencedType, relationship, referencedID, identifier)
}

// Balance is a ledger balance block with one entry
func Balance(caseID, sectionID, entryID string, quantity int64) string {
	return fmt.Sprintf(`<balance %s entity-id="%s" section-id="%s"><entry id="%s" quantity="%d"/></balance>`,
		ledgerNS, caseID, sectionID, entryID, quantity)
}

// Transfer is a ledger transfer block with one entry; src or dest may be empty
func Transfer(src, dest, sectionID, entryID string, quantity int64) string {
	attrs := ""
	if src != "" {
		attrs += fmt.Sprintf(` src="%s"`, src)
	}
	if dest != "" {
		attrs += fmt.Sprintf(` dest="%s"`, dest)
	}
	return fmt.Sprintf(`<transfer %s%s section-id="%s"><entry id="%s" quantity="%d"/></transfer>`,
		ledgerNS, attrs, sectionID, entryID, quantity)
}

// Package changefeed publishes the changes journal to NATS JetStream.
package changefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/dimagi/casecore/internal/adapter"
	"github.com/dimagi/casecore/internal/logger"
	"github.com/dimagi/casecore/internal/store/schema"
)

// SUBJECT_PREFIX is the root of every change feed subject: changes.{domain}.{subject_type}
const SUBJECT_PREFIX = "changes"

// Config holds the configuration for NATS JetStream connection
type Config struct {
	URL            string
	StreamName     string
	MaxReconnects  int
	ReconnectWait  time.Duration
	ConnectionName string
	// DuplicateWindow is how long the broker remembers message ids
	DuplicateWindow time.Duration
}

// Change is the message published for one journal entry
type Change struct {
	Cursor      int64              `json:"cursor"`
	Domain      string             `json:"domain"`
	SubjectType schema.SubjectType `json:"subject_type"`
	SubjectID   string             `json:"subject_id"`
	ChangedAt   time.Time          `json:"changed_at"`
	Meta        json.RawMessage    `json:"meta,omitempty"`
}

// ChangeFromJournal converts a journal row
func ChangeFromJournal(row schema.ChangesJournal) Change {
	change := Change{
		Cursor:      row.Cursor,
		Domain:      row.Domain,
		SubjectType: row.SubjectType,
		SubjectID:   row.SubjectID,
		ChangedAt:   row.ChangedAt,
	}
	if len(row.Meta) > 0 {
		change.Meta = json.RawMessage(row.Meta)
	}
	return change
}

// Subject returns the subject a change is published on
func Subject(domainName string, subjectType schema.SubjectType) string {
	return fmt.Sprintf("%s.%s.%s", SUBJECT_PREFIX, domainName, subjectType)
}

// Publisher defines the interface for publishing changes to the broker
//
//go:generate mockgen -source=publisher.go -destination=../mocks/changefeed.go -package=mocks -mock_names=Publisher=MockChangePublisher
type Publisher interface {
	// Publish publishes a change; the cursor is the message id so redeliveries are dropped by the broker
	Publish(ctx context.Context, change Change) error
	// Close closes the connection
	Close()
}

type publisher struct {
	nc         adapter.NatsConn
	js         adapter.JetStream
	streamName string
	json       adapter.JSON
}

// NewPublisher connects to NATS and makes sure the change stream exists
func NewPublisher(ctx context.Context, cfg Config, natsJS adapter.NatsJetStream, jsonAdapter adapter.JSON) (Publisher, error) {
	opts := []nats.Option{
		nats.Name(cfg.ConnectionName),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Error(err, zap.String("message", "Disconnected from NATS"))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("Reconnected to NATS", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info("NATS connection closed")
		}),
	}

	nc, js, err := natsJS.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS and create JetStream: %w", err)
	}

	duplicates := cfg.DuplicateWindow
	if duplicates <= 0 {
		duplicates = 24 * time.Hour
	}
	if err := js.EnsureStream(ctx, jetstream.StreamConfig{
		Name:       cfg.StreamName,
		Subjects:   []string{SUBJECT_PREFIX + ".>"},
		Storage:    jetstream.FileStorage,
		Duplicates: duplicates,
	}); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream %s: %w", cfg.StreamName, err)
	}

	return newPublisher(nc, js, cfg.StreamName, jsonAdapter), nil
}

func newPublisher(nc adapter.NatsConn, js adapter.JetStream, streamName string, jsonAdapter adapter.JSON) Publisher {
	return &publisher{
		nc:         nc,
		js:         js,
		streamName: streamName,
		json:       jsonAdapter,
	}
}

func (p *publisher) Publish(ctx context.Context, change Change) error {
	data, err := p.json.Marshal(change)
	if err != nil {
		return fmt.Errorf("failed to marshal change: %w", err)
	}

	subject := Subject(change.Domain, change.SubjectType)
	if _, err := p.js.Publish(ctx, subject, data, jetstream.WithMsgID(strconv.FormatInt(change.Cursor, 10))); err != nil {
		return fmt.Errorf("failed to publish change %d: %w", change.Cursor, err)
	}

	logger.DebugCtx(ctx, "Change published", zap.String("subject", subject), zap.Int64("cursor", change.Cursor))
	return nil
}

func (p *publisher) Close() {
	if p.nc == nil {
		return
	}

	p.nc.Close()
}

// Package bridge consumes the change feed and starts the background workflows it calls for.
package bridge

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/dimagi/casecore/internal/adapter"
	"github.com/dimagi/casecore/internal/changefeed"
	"github.com/dimagi/casecore/internal/logger"
	"github.com/dimagi/casecore/internal/store/schema"
)

// Config holds the configuration for the change bridge
type Config struct {
	URL            string
	StreamName     string
	ConsumerName   string
	MaxReconnects  int
	ReconnectWait  time.Duration
	ConnectionName string
	AckWaitTimeout time.Duration
	MaxDeliver     int
	// Concurrency bounds the messages handled at once
	Concurrency int
}

// CleanlinessScheduler starts cleanliness recomputes for owners touched by an index change
//
//go:generate mockgen -source=bridge.go -destination=../mocks/bridge.go -package=mocks -mock_names=CleanlinessScheduler=MockCleanlinessScheduler
type CleanlinessScheduler interface {
	ScheduleCleanliness(ctx context.Context, domainName string, key string, ownerIDs []string) error
}

// Bridge defines the interface for the change bridge
type Bridge interface {
	// Run consumes the change feed until the context is cancelled
	Run(ctx context.Context) error
	// Close closes the bridge and cleans up resources
	Close()
}

type bridge struct {
	nc        adapter.NatsConn
	js        adapter.JetStream
	scheduler CleanlinessScheduler
	json      adapter.JSON
	config    Config
}

// NewBridge connects to NATS and creates a change bridge
func NewBridge(cfg Config, natsJS adapter.NatsJetStream, scheduler CleanlinessScheduler, jsonAdapter adapter.JSON) (Bridge, error) {
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

	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}

	return &bridge{
		nc:        nc,
		js:        js,
		scheduler: scheduler,
		json:      jsonAdapter,
		config:    cfg,
	}, nil
}

// FilterSubject selects the index changes of every domain
func FilterSubject() string {
	return changefeed.Subject("*", schema.SubjectTypeCaseIndex)
}

func (b *bridge) Run(ctx context.Context) error {
	logger.InfoCtx(ctx, "Starting change bridge", zap.String("stream", b.config.StreamName), zap.String("consumer", b.config.ConsumerName))

	consumer, err := b.js.CreateOrUpdateConsumer(ctx, b.config.StreamName, jetstream.ConsumerConfig{
		Durable:       b.config.ConsumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       b.config.AckWaitTimeout,
		MaxDeliver:    b.config.MaxDeliver,
		FilterSubject: FilterSubject(),
	})
	if err != nil {
		return fmt.Errorf("failed to create/update consumer: %w", err)
	}

	info, err := consumer.Info(ctx)
	if err != nil {
		return fmt.Errorf("failed to get consumer info: %w", err)
	}
	logger.InfoCtx(ctx, "Consumer created/retrieved", zap.String("consumer", info.Name))

	pool := pond.NewPool(b.config.Concurrency, pond.WithContext(ctx))
	defer pool.StopAndWait()

	msgChan := make(chan adapter.Message, 100)
	sub, err := consumer.Consume(func(msg adapter.Message) {
		msgChan <- msg
	})
	if err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	defer sub.Stop()

	logger.InfoCtx(ctx, "Started consuming changes")

	for {
		select {
		case <-ctx.Done():
			logger.InfoCtx(ctx, "Shutting down change bridge")
			return ctx.Err()
		case msg := <-msgChan:
			pool.Submit(func() {
				b.HandleMessage(ctx, msg)
			})
		}
	}
}

// HandleMessage schedules the recompute for one change: unparseable data is terminated, scheduling failures are redelivered
func (b *bridge) HandleMessage(ctx context.Context, msg adapter.Message) {
	var deliveries uint64
	if metadata, err := msg.Metadata(); err == nil && metadata != nil {
		deliveries = metadata.NumDelivered
	}

	var change changefeed.Change
	if err := b.json.Unmarshal(msg.Data(), &change); err != nil {
		logger.ErrorCtx(ctx, err, zap.String("message", "Failed to unmarshal change"))
		if err := msg.Term(); err != nil {
			logger.ErrorCtx(ctx, err, zap.String("message", "Failed to terminate message"))
		}
		return
	}

	var meta schema.CaseIndexChangeMeta
	if len(change.Meta) > 0 {
		if err := b.json.Unmarshal(change.Meta, &meta); err != nil {
			logger.ErrorCtx(ctx, err, zap.String("message", "Failed to unmarshal change meta"), zap.Int64("cursor", change.Cursor))
			if err := msg.Term(); err != nil {
				logger.ErrorCtx(ctx, err, zap.String("message", "Failed to terminate message"))
			}
			return
		}
	}

	logger.InfoCtx(ctx, "Received index change",
		zap.String("domain", change.Domain),
		zap.String("caseID", change.SubjectID),
		zap.Strings("ownerIDs", meta.OwnerIDs),
		zap.Uint64("deliveryCount", deliveries))

	if change.SubjectType == schema.SubjectTypeCaseIndex && len(meta.OwnerIDs) > 0 {
		key := strconv.FormatInt(change.Cursor, 10)
		if err := b.scheduler.ScheduleCleanliness(ctx, change.Domain, key, meta.OwnerIDs); err != nil {
			logger.ErrorCtx(ctx, err, zap.String("message", "Failed to schedule cleanliness recompute"))
			if err := msg.Nak(); err != nil {
				logger.ErrorCtx(ctx, err, zap.String("message", "Failed to NAK message"))
			}
			return
		}
	}

	if err := msg.Ack(); err != nil {
		logger.ErrorCtx(ctx, err, zap.String("message", "Failed to ACK message"))
	}
}

func (b *bridge) Close() {
	if b.nc == nil {
		return
	}

	b.nc.Close()
}

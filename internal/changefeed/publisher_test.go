package changefeed_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dimagi/casecore/internal/adapter"
	"github.com/dimagi/casecore/internal/changefeed"
	"github.com/dimagi/casecore/internal/mocks"
	"github.com/dimagi/casecore/internal/store/schema"
)

// connectPublisher returns a publisher whose connection and stream setup succeeded
func connectPublisher(t *testing.T, ctrl *gomock.Controller) (changefeed.Publisher, *mocks.MockJetStream) {
	t.Helper()
	natsJS := mocks.NewMockNatsJetStream(ctrl)
	conn := mocks.NewMockNatsConn(ctrl)
	js := mocks.NewMockJetStream(ctrl)

	natsJS.EXPECT().Connect(gomock.Any(), gomock.Any()).Return(conn, js, nil)
	js.EXPECT().EnsureStream(gomock.Any(), gomock.Any()).Return(nil)
	conn.EXPECT().Close().AnyTimes()

	pub, err := changefeed.NewPublisher(context.Background(), changefeed.Config{StreamName: "CASE_CHANGES"}, natsJS, adapter.NewJSON())
	require.NoError(t, err)
	t.Cleanup(pub.Close)
	return pub, js
}

func TestNewPublisherEnsuresStream(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	natsJS := mocks.NewMockNatsJetStream(ctrl)
	conn := mocks.NewMockNatsConn(ctrl)
	js := mocks.NewMockJetStream(ctrl)

	natsJS.EXPECT().Connect("nats://localhost:4222", gomock.Any()).Return(conn, js, nil)
	js.EXPECT().EnsureStream(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, cfg jetstream.StreamConfig) error {
			assert.Equal(t, "CASE_CHANGES", cfg.Name)
			assert.Equal(t, []string{"changes.>"}, cfg.Subjects)
			assert.Equal(t, 24*time.Hour, cfg.Duplicates)
			return nil
		})

	pub, err := changefeed.NewPublisher(context.Background(), changefeed.Config{URL: "nats://localhost:4222", StreamName: "CASE_CHANGES"}, natsJS, adapter.NewJSON())
	require.NoError(t, err)

	conn.EXPECT().Close()
	pub.Close()
}

func TestNewPublisherStreamFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	natsJS := mocks.NewMockNatsJetStream(ctrl)
	conn := mocks.NewMockNatsConn(ctrl)
	js := mocks.NewMockJetStream(ctrl)

	natsJS.EXPECT().Connect(gomock.Any(), gomock.Any()).Return(conn, js, nil)
	js.EXPECT().EnsureStream(gomock.Any(), gomock.Any()).Return(errors.New("not authorized"))
	conn.EXPECT().Close()

	_, err := changefeed.NewPublisher(context.Background(), changefeed.Config{StreamName: "CASE_CHANGES"}, natsJS, adapter.NewJSON())
	assert.Error(t, err)
}

func TestPublishUsesCursorAsMessageID(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	pub, js := connectPublisher(t, ctrl)

	change := changefeed.ChangeFromJournal(schema.ChangesJournal{
		Cursor:      42,
		Domain:      "demo",
		SubjectType: schema.SubjectTypeCaseIndex,
		SubjectID:   "c1",
		ChangedAt:   time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		Meta:        []byte(`{"owner_ids":["o1"]}`),
	})

	js.EXPECT().Publish(gomock.Any(), "changes.demo.case_index", gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, _ string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
			assert.JSONEq(t, `{
				"cursor": 42,
				"domain": "demo",
				"subject_type": "case_index",
				"subject_id": "c1",
				"changed_at": "2026-03-01T09:00:00Z",
				"meta": {"owner_ids": ["o1"]}
			}`, string(data))
			assert.Len(t, opts, 1)
			return &jetstream.PubAck{Stream: "CASE_CHANGES", Sequence: 1}, nil
		})

	require.NoError(t, pub.Publish(context.Background(), change))
}

func TestPublishError(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	pub, js := connectPublisher(t, ctrl)

	js.EXPECT().Publish(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, errors.New("no responders"))

	err := pub.Publish(context.Background(), changefeed.Change{Cursor: 1, Domain: "demo", SubjectType: schema.SubjectTypeForm})
	assert.Error(t, err)
}

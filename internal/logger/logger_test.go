package logger

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestInitialize(t *testing.T) {
	require.NoError(t, Initialize(Config{Debug: true, Service: "test"}))
	assert.NotNil(t, Default())
}

func TestWithFieldsMerges(t *testing.T) {
	ctx := WithFields(context.Background(), zap.String("domain", "demo"))
	ctx = WithFields(ctx, zap.String("case_id", "c1"))

	fields, ok := ctx.Value(fieldsKey{}).([]zap.Field)
	require.True(t, ok)
	require.Len(t, fields, 2)
	assert.Equal(t, "domain", fields[0].Key)
	assert.Equal(t, "case_id", fields[1].Key)
}

func TestCtxHelpersAttachFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	previous := log
	log = zap.New(core)
	t.Cleanup(func() { log = previous })

	ctx := WithFields(context.Background(), zap.String("form_id", "f1"))
	InfoCtx(ctx, "stored form")
	ErrorCtx(ctx, errors.New("boom"))
	Error(nil)

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, "stored form", entries[0].Message)
	assert.Equal(t, "f1", entries[0].ContextMap()["form_id"])
	assert.Equal(t, "boom", entries[1].Message)
	assert.Equal(t, "error occurred", entries[2].Message)
}

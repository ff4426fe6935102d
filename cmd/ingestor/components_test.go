package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"myco/internal/dedup"
	"myco/internal/pipeline"
	"myco/internal/platform/config"
	"myco/internal/platform/httpserver"
	"myco/internal/registry"
	"myco/internal/sink"
	"myco/internal/stream"
	"myco/internal/verify"
	"myco/pkg/testutil"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		Dedup: config.Dedup{Capacity: 100, TTL: dedup.DefaultTTL},
		Sink:  config.Sink{Kind: config.SinkStdout, RetryMax: 2},
		Spill: config.Spill{Path: filepath.Join(t.TempDir(), "spill.db")},
	}
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBuildDedupWithoutRedisIsLocal(t *testing.T) {
	cache, err := buildDedup(context.Background(), testConfig(t), discard(), prometheus.NewRegistry())
	require.NoError(t, err)
	defer cache.close()

	_, ok := cache.Cache.(*dedup.Memory)
	assert.True(t, ok)
}

func TestBuildSinkStdoutWithSpill(t *testing.T) {
	var checks []httpserver.Check
	stack, err := buildSink(context.Background(), testConfig(t), discard(), prometheus.NewRegistry(), &checks)
	require.NoError(t, err)
	defer stack.close(discard())

	assert.IsType(t, &sink.Writer{}, stack.raw)
	assert.IsType(t, &sink.Retrying{}, stack.delivery)
	require.NotNil(t, stack.spill)
	assert.Empty(t, checks)
}

func TestBuildSinkWithoutSpill(t *testing.T) {
	cfg := testConfig(t)
	cfg.Spill.Path = ""

	stack, err := buildSink(context.Background(), cfg, discard(), prometheus.NewRegistry(), new([]httpserver.Check))
	require.NoError(t, err)
	defer stack.close(discard())

	assert.Nil(t, stack.spill)
}

func TestShardFactoryCommitsDeliveredOffsets(t *testing.T) {
	pub, _ := testutil.DeviceKey("node-001")
	devices, err := registry.New(map[string][]byte{"node-001": pub})
	require.NoError(t, err)
	verifier, err := verify.New(devices)
	require.NoError(t, err)
	mem := sink.NewMemory()
	proc, err := pipeline.New(verifier, dedup.NewMemory(10, dedup.DefaultTTL), mem, pipeline.WithLogger(discard()))
	require.NoError(t, err)

	var committed int64 = -1
	handler, err := shardFactory(proc)("telemetry.envelopes", 2, func(offset int64) { committed = offset })
	require.NoError(t, err)

	raw := testutil.SealedBytes(t, testutil.NewEnvelope("node-001", 1))
	handler.Handle(context.Background(), &stream.Message{Topic: "telemetry.envelopes", Partition: 2, Offset: 41, Value: raw})
	require.NoError(t, handler.Close(context.Background()))

	assert.Len(t, mem.Records(), 1)
	assert.EqualValues(t, 41, committed)
}

func TestLogOutputLeavesStdoutToStdoutSink(t *testing.T) {
	assert.Same(t, os.Stderr, logOutput(config.SinkStdout))
	assert.Same(t, os.Stdout, logOutput(config.SinkPostgres))
	assert.Same(t, os.Stdout, logOutput(config.SinkKafka))
}

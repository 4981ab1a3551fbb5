package connector

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tzeusy/butlers/internal/contract"
)

type fakeSubmitter struct {
	envelopes []*contract.HeartbeatEnvelope
	err       error
}

func (f *fakeSubmitter) SubmitHeartbeat(_ context.Context, env *contract.HeartbeatEnvelope) error {
	f.envelopes = append(f.envelopes, env)
	return f.err
}

func testConfig(interval time.Duration) HeartbeatConfig {
	return HeartbeatConfig{
		ConnectorType:    "telegram_bot",
		EndpointIdentity: "butlerbot",
		Version:          "1.2.3",
		Interval:         interval,
		Enabled:          true,
	}
}

func healthyFn() (string, string) { return contract.ConnectorStateHealthy, "" }

func TestClampInterval(t *testing.T) {
	logger := zaptest.NewLogger(t)
	assert.Equal(t, MinHeartbeatInterval, ClampInterval(5*time.Second, logger))
	assert.Equal(t, MinHeartbeatInterval, ClampInterval(MinHeartbeatInterval, logger))
	assert.Equal(t, 120*time.Second, ClampInterval(120*time.Second, logger))
	assert.Equal(t, MaxHeartbeatInterval, ClampInterval(MaxHeartbeatInterval, logger))
	assert.Equal(t, MaxHeartbeatInterval, ClampInterval(time.Hour, logger))
}

func TestHeartbeatConfigFromEnv(t *testing.T) {
	logger := zaptest.NewLogger(t)

	t.Run("defaults", func(t *testing.T) {
		cfg := HeartbeatConfigFromEnv("gmail", "inbox@example.com", "", logger)
		assert.Equal(t, DefaultHeartbeatInterval, cfg.Interval)
		assert.True(t, cfg.Enabled)
	})

	t.Run("interval below minimum clamps", func(t *testing.T) {
		t.Setenv(EnvHeartbeatInterval, "10")
		cfg := HeartbeatConfigFromEnv("gmail", "inbox@example.com", "", logger)
		assert.Equal(t, MinHeartbeatInterval, cfg.Interval)
	})

	t.Run("interval above maximum clamps", func(t *testing.T) {
		t.Setenv(EnvHeartbeatInterval, "900")
		cfg := HeartbeatConfigFromEnv("gmail", "inbox@example.com", "", logger)
		assert.Equal(t, MaxHeartbeatInterval, cfg.Interval)
	})

	t.Run("disabled via env", func(t *testing.T) {
		t.Setenv(EnvHeartbeatEnabled, "false")
		cfg := HeartbeatConfigFromEnv("gmail", "inbox@example.com", "", logger)
		assert.False(t, cfg.Enabled)
	})
}

func TestBuildEnvelope(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "telegram_bot", "butlerbot")

	// Counters for this connector's labels.
	require.NoError(t, metrics.TrackIngestSubmission(func() (string, error) { return StatusSuccess, nil }))
	require.NoError(t, metrics.TrackIngestSubmission(func() (string, error) { return StatusSuccess, nil }))
	require.NoError(t, metrics.TrackIngestSubmission(func() (string, error) { return StatusDuplicate, nil }))
	assert.Error(t, metrics.TrackIngestSubmission(func() (string, error) { return StatusError, errors.New("boom") }))
	metrics.RecordSourceAPICall("getUpdates", StatusSuccess)
	metrics.RecordSourceAPICall("getUpdates", StatusError)
	metrics.RecordCheckpointSave(StatusSuccess)
	metrics.RecordCheckpointSave(StatusError)

	// A different connector's counters must not leak in.
	other := NewMetrics(reg, "gmail", "other@example.com")
	require.NoError(t, other.TrackIngestSubmission(func() (string, error) { return StatusSuccess, nil }))

	checkpointAt := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	hb := NewHeartbeat(testConfig(MinHeartbeatInterval), &fakeSubmitter{}, reg,
		healthyFn,
		func() (string, *time.Time) { return "cursor-42", &checkpointAt },
		zaptest.NewLogger(t))

	env := hb.BuildEnvelope()

	assert.Equal(t, contract.SchemaVersionHeartbeat, env.SchemaVersion)
	assert.Equal(t, "telegram_bot", env.Connector.ConnectorType)
	assert.Equal(t, hb.InstanceID().String(), env.Connector.InstanceID)
	assert.Equal(t, contract.ConnectorStateHealthy, env.Status.State)

	assert.Equal(t, int64(2), env.Counters.MessagesIngested)
	assert.Equal(t, int64(1), env.Counters.MessagesFailed)
	assert.Equal(t, int64(1), env.Counters.DedupeAccepted)
	assert.Equal(t, int64(2), env.Counters.SourceAPICalls)
	assert.Equal(t, int64(1), env.Counters.CheckpointSaves, "only successful saves count")

	require.NotNil(t, env.Checkpoint)
	assert.Equal(t, "cursor-42", env.Checkpoint.Cursor)
	require.NotNil(t, env.Checkpoint.UpdatedAt)

	// The built envelope passes its own contract validation.
	payload, err := json.Marshal(env)
	require.NoError(t, err)
	_, err = contract.ParseHeartbeat(payload)
	require.NoError(t, err)
}

func TestHeartbeat_SubmitFailureDoesNotStopLoop(t *testing.T) {
	submitter := &fakeSubmitter{err: errors.New("switchboard unavailable")}
	hb := NewHeartbeat(testConfig(MinHeartbeatInterval), submitter, prometheus.NewRegistry(),
		healthyFn, nil, zaptest.NewLogger(t))

	// Drive sendOnce directly; the loop wraps it with logging only.
	require.Error(t, hb.sendOnce(t.Context()))
	require.Error(t, hb.sendOnce(t.Context()))
	assert.Len(t, submitter.envelopes, 2, "failures must not stop subsequent sends")
}

func TestHeartbeat_DisabledDoesNotStart(t *testing.T) {
	cfg := testConfig(MinHeartbeatInterval)
	cfg.Enabled = false
	hb := NewHeartbeat(cfg, &fakeSubmitter{}, prometheus.NewRegistry(),
		healthyFn, nil, zaptest.NewLogger(t))

	hb.Start(t.Context())
	hb.Stop() // must be a safe no-op
}

func TestHeartbeat_StartStop(t *testing.T) {
	hb := NewHeartbeat(testConfig(MinHeartbeatInterval), &fakeSubmitter{}, prometheus.NewRegistry(),
		healthyFn, nil, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hb.Start(ctx)
	hb.Stop()
}

func TestInstanceIDStableForProcess(t *testing.T) {
	hb := NewHeartbeat(testConfig(MinHeartbeatInterval), &fakeSubmitter{}, prometheus.NewRegistry(),
		healthyFn, nil, zaptest.NewLogger(t))
	assert.Equal(t, hb.InstanceID(), hb.InstanceID())
}

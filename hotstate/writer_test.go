package hotstate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"n4-basestation/common"
	"n4-basestation/link"
	"n4-basestation/uplink"
)

type fakeStore struct {
	mu     sync.Mutex
	values map[string]any
	ttls   map[string]time.Duration
	hashes map[string][]any
	fail   bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		values: make(map[string]any),
		ttls:   make(map[string]time.Duration),
		hashes: make(map[string][]any),
	}
}

func (s *fakeStore) Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return redis.NewStatusResult("", errors.New("connection refused"))
	}
	s.values[key] = value
	s.ttls[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func (s *fakeStore) HSet(ctx context.Context, key string, values ...any) *redis.IntCmd {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hashes[key] = values
	return redis.NewIntResult(int64(len(values)/2), nil)
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.values) + len(s.hashes)
}

func TestWriterKeysAndValues(t *testing.T) {
	store := newFakeStore()
	w := NewWriter(DefaultConfig(), store, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = w.Run(ctx)
		close(done)
	}()

	at := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	w.ObserveFrame(common.TelemetryFrame{State: common.StateApogee, ReceivedAt: at})
	w.ObserveStatus(link.Status{Channel: common.ChannelFlightComputer, Phase: link.Connected, LastGoodFrameAt: &at})
	w.ObserveQueue(uplink.Stats{Name: "telemetry", Depth: 42})

	assert.Eventually(t, func() bool { return store.count() == 3 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	var frame map[string]any
	require.NoError(t, json.Unmarshal(store.values["n4:telemetry:last"].([]byte), &frame))
	assert.Equal(t, float64(common.StateApogee), frame["state"])
	assert.Equal(t, 24*time.Hour, store.ttls["n4:telemetry:last"])

	assert.Equal(t, []any{"phase", "Connected", "last_error", "", "last_good_frame_at", "2026-03-14T10:00:00Z"},
		store.hashes["n4:link:flight_computer"])
	assert.Equal(t, 42, store.values["n4:uplink:telemetry:depth"])
}

func TestWriterDropsWhenFull(t *testing.T) {
	w := NewWriter(DefaultConfig(), newFakeStore(), nil)
	for range cap(w.updates) + 10 {
		w.ObserveQueue(uplink.Stats{Name: "logs"})
	}
	assert.Equal(t, uint64(10), w.Dropped())
}

func TestWriterStoreErrorIsNotFatal(t *testing.T) {
	store := newFakeStore()
	store.fail = true
	w := NewWriter(DefaultConfig(), store, nil)

	err := w.write(context.Background(), update{key: "n4:telemetry:last", value: "x"})
	assert.Error(t, err)
}

func TestWriterFailureWarningsAreRateLimited(t *testing.T) {
	store := newFakeStore()
	store.fail = true
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	w := NewWriter(DefaultConfig(), store, logger)

	for range 2*failureLogEvery + 5 {
		w.apply(context.Background(), update{key: "n4:uplink:logs:depth", value: 3})
	}

	assert.Equal(t, uint64(2*failureLogEvery+5), w.Failures())
	assert.Equal(t, 3, strings.Count(buf.String(), "hot state update failed"))
	assert.Contains(t, buf.String(), "failures=1 ")
	assert.Contains(t, buf.String(), "failures=200 ")
}

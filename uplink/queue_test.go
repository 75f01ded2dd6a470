package uplink

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonboulle/clockwork"
)

// fakeSender записывает доставленные пакеты и падает первые failures раз
type fakeSender struct {
	mu        sync.Mutex
	failures  int
	attempts  int
	delivered [][]int
	retention []int
	block     chan struct{}
	entered   chan struct{}
}

func (s *fakeSender) Send(ctx context.Context, batch []int, retentionDays int) error {
	if s.entered != nil {
		s.entered <- struct{}{}
	}
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	s.retention = append(s.retention, retentionDays)
	if s.failures > 0 {
		s.failures--
		return errors.New("store unreachable")
	}
	s.delivered = append(s.delivered, append([]int(nil), batch...))
	return nil
}

func (s *fakeSender) all() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int
	for _, b := range s.delivered {
		out = append(out, b...)
	}
	return out
}

func seq(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func TestQueueFailuresPreserveOrder(t *testing.T) {
	sender := &fakeSender{failures: 3}
	q := NewQueue[int]("logs", Config{BatchSize: 4, FlushInterval: time.Second}, sender, WithRetentionDays(14))

	for i := range 10 {
		q.Enqueue(i)
	}

	for range 3 {
		err := q.Flush(context.Background())
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrDelivery)
		assert.Equal(t, 10, q.Len())
	}

	for q.Len() > 0 {
		require.NoError(t, q.Flush(context.Background()))
	}

	assert.Equal(t, seq(10), sender.all())
	assert.Equal(t, [][]int{{0, 1, 2, 3}, {4, 5, 6, 7}, {8, 9}}, sender.delivered)
	for _, days := range sender.retention {
		assert.Equal(t, 14, days)
	}

	stats := q.Stats()
	assert.Equal(t, uint64(10), stats.Delivered)
	assert.Equal(t, uint64(3), stats.FailedAttempts)
	assert.Zero(t, stats.ConsecutiveFailures)
}

func TestQueueFlushEmptyIsNoop(t *testing.T) {
	sender := &fakeSender{}
	q := NewQueue[int]("logs", DefaultLogConfig(), sender)

	require.NoError(t, q.Flush(context.Background()))
	assert.Zero(t, sender.attempts)
}

func TestQueueSingleFlight(t *testing.T) {
	sender := &fakeSender{failures: 1, block: make(chan struct{}), entered: make(chan struct{}, 1)}
	q := NewQueue[int]("telemetry", Config{BatchSize: 3, FlushInterval: time.Second}, sender)
	for i := range 5 {
		q.Enqueue(i)
	}

	done := make(chan error, 1)
	go func() { done <- q.Flush(context.Background()) }()
	<-sender.entered

	// Пока пакет в полете, повторный Flush ничего не делает, новые записи встают в хвост
	require.NoError(t, q.Flush(context.Background()))
	q.Enqueue(5)
	assert.Equal(t, 3, q.Stats().Depth)
	assert.Equal(t, 3, q.Stats().InFlight)

	close(sender.block)
	sender.entered = nil
	require.Error(t, <-done)

	for q.Len() > 0 {
		require.NoError(t, q.Flush(context.Background()))
	}
	assert.Equal(t, seq(6), sender.all())
}

func TestQueueRunFlushesOnThreshold(t *testing.T) {
	sender := &fakeSender{}
	clk := clockwork.NewFakeClockAt(time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC))
	q := NewQueue[int]("logs", Config{BatchSize: 5, FlushInterval: time.Hour}, sender, WithClock(clk))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = q.Run(ctx)
		close(done)
	}()
	require.NoError(t, clk.BlockUntilContext(ctx, 1))

	for i := range 12 {
		q.Enqueue(i)
	}

	assert.Eventually(t, func() bool { return len(sender.all()) == 10 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, q.Len())

	cancel()
	<-done
	assert.Equal(t, seq(12), sender.all())
}

func TestQueueRunFlushesOnTimer(t *testing.T) {
	sender := &fakeSender{}
	clk := clockwork.NewFakeClockAt(time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC))
	q := NewQueue[int]("telemetry", DefaultTelemetryConfig(), sender, WithClock(clk))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = q.Run(ctx) }()
	require.NoError(t, clk.BlockUntilContext(ctx, 1))

	q.Enqueue(1)
	q.Enqueue(2)
	clk.Advance(4 * time.Second)
	assert.Never(t, func() bool { return len(sender.all()) > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	clk.Advance(time.Second)
	assert.Eventually(t, func() bool { return len(sender.all()) == 2 }, time.Second, 5*time.Millisecond)
}

func TestQueueWarnResetsAfterDrain(t *testing.T) {
	sender := &fakeSender{}
	q := NewQueue[int]("logs", Config{BatchSize: 2, FlushInterval: time.Second}, sender, WithWarnDepth(3))

	for i := range 4 {
		q.Enqueue(i)
	}
	assert.True(t, q.warned)

	require.NoError(t, q.Flush(context.Background()))
	require.NoError(t, q.Flush(context.Background()))
	assert.False(t, q.warned)
}

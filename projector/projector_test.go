package projector

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

type emission struct {
	value int
	at    time.Duration
}

// recorder собирает выдачи. Задний фронт приходит из горутины таймера.
type recorder struct {
	mu  sync.Mutex
	out []emission
}

func (r *recorder) values() []emission {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]emission(nil), r.out...)
}

func (r *recorder) waitFor(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(r.values()) >= n }, time.Second, time.Millisecond)
}

func newRecorded(t *testing.T, interval time.Duration) (*Projector[int], *clockwork.FakeClock, *recorder) {
	t.Helper()
	clk := clockwork.NewFakeClockAt(epoch)
	rec := &recorder{}
	p := New(interval, clk, func(v int) {
		rec.mu.Lock()
		rec.out = append(rec.out, emission{value: v, at: clk.Now().Sub(epoch)})
		rec.mu.Unlock()
	})
	return p, clk, rec
}

func windowClosed(p *Projector[int]) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.windowOpen
}

func TestProjectorLeadingAndTrailing(t *testing.T) {
	ctx := context.Background()
	p, clk, rec := newRecorded(t, 100*time.Millisecond)

	p.Push(1)
	clk.Advance(10 * time.Millisecond)
	p.Push(2)
	clk.Advance(40 * time.Millisecond)
	p.Push(3)
	clk.Advance(50 * time.Millisecond)
	rec.waitFor(t, 2)

	// выдача на заднем фронте открывает следующее окно
	require.NoError(t, clk.BlockUntilContext(ctx, 1))
	p.Push(4)
	clk.Advance(100 * time.Millisecond)
	rec.waitFor(t, 3)

	assert.Equal(t, []emission{
		{value: 1, at: 0},
		{value: 3, at: 100 * time.Millisecond},
		{value: 4, at: 200 * time.Millisecond},
	}, rec.values())
}

func TestProjectorQuietWindowCloses(t *testing.T) {
	ctx := context.Background()
	p, clk, rec := newRecorded(t, 100*time.Millisecond)

	p.Push(1)
	clk.Advance(100 * time.Millisecond)
	require.Eventually(t, func() bool { return windowClosed(p) }, time.Second, time.Millisecond)
	clk.Advance(200 * time.Millisecond)
	p.Push(2)

	assert.Equal(t, []emission{{value: 1, at: 0}, {value: 2, at: 300 * time.Millisecond}}, rec.values())
	require.NoError(t, clk.BlockUntilContext(ctx, 1))
}

func TestProjectorEmitsAtMostOncePerWindow(t *testing.T) {
	ctx := context.Background()
	p, clk, rec := newRecorded(t, 100*time.Millisecond)

	for i := range 100 {
		p.Push(i)
		clk.Advance(10 * time.Millisecond)
		// при непрерывном потоке окно всегда открыто заново
		require.NoError(t, clk.BlockUntilContext(ctx, 1))
	}
	clk.Advance(time.Second)
	require.Eventually(t, func() bool { return windowClosed(p) }, time.Second, time.Millisecond)

	out := rec.values()
	assert.Len(t, out, 11)
	assert.Equal(t, 99, out[len(out)-1].value)
	for i := 1; i < len(out); i++ {
		assert.GreaterOrEqual(t, out[i].at-out[i-1].at, 100*time.Millisecond)
	}
}

func TestProjectorStopDiscardsPending(t *testing.T) {
	p, clk, rec := newRecorded(t, 100*time.Millisecond)

	p.Push(1)
	p.Push(2)
	p.Stop()
	clk.Advance(time.Second)
	p.Push(3)

	assert.Equal(t, []emission{{value: 1, at: 0}}, rec.values())
}

func TestProjectorResetDiscardsPending(t *testing.T) {
	p, clk, rec := newRecorded(t, 100*time.Millisecond)

	p.Push(1)
	p.Push(2)
	p.Reset()
	clk.Advance(10 * time.Millisecond)

	// после сброса следующее значение выдается сразу
	p.Push(3)
	p.Push(4)
	assert.Equal(t, []emission{{value: 1, at: 0}, {value: 3, at: 10 * time.Millisecond}}, rec.values())

	// таймер окна, открытого до сброса, ничего не выдает
	p.closeWindow(0)
	assert.Len(t, rec.values(), 2)

	clk.Advance(100 * time.Millisecond)
	rec.waitFor(t, 3)
	assert.Equal(t, emission{value: 4, at: 110 * time.Millisecond}, rec.values()[2])
}

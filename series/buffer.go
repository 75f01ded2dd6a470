package series

import (
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Point точка временного ряда
type Point struct {
	T time.Time `json:"t"`
	Y float64   `json:"y"`
}

// Buffer хранит точки каждого ряда за скользящее окно.
// Устаревшие точки удаляются лениво: при Push и при явном EvictExpired.
// Точки, пришедшие не по порядку, добавляются в конец без пересортировки.
type Buffer struct {
	mu     sync.Mutex
	window time.Duration
	clock  clockwork.Clock
	series map[string][]Point
}

// NewBuffer создает буфер с окном window
func NewBuffer(window time.Duration, clk clockwork.Clock) *Buffer {
	return &Buffer{
		window: window,
		clock:  clk,
		series: make(map[string][]Point),
	}
}

// Push добавляет точку и удаляет устаревшие точки этого ряда
func (b *Buffer) Push(key string, p Point) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.series[key] = append(b.series[key], p)
	b.evict(key, b.clock.Now().Add(-b.window))
}

// EvictExpired удаляет из всех рядов точки старше now - window
func (b *Buffer) EvictExpired(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := now.Add(-b.window)
	for key := range b.series {
		b.evict(key, cutoff)
	}
}

func (b *Buffer) evict(key string, cutoff time.Time) {
	points := b.series[key]
	n := 0
	for n < len(points) && points[n].T.Before(cutoff) {
		n++
	}
	if n == 0 {
		return
	}
	if n == len(points) {
		delete(b.series, key)
		return
	}
	b.series[key] = slices.Clone(points[n:])
}

// Points возвращает копию точек ряда
func (b *Buffer) Points(key string) []Point {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.series[key])
}

// Keys возвращает имена непустых рядов в алфавитном порядке
func (b *Buffer) Keys() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	keys := make([]string, 0, len(b.series))
	for k := range b.series {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Snapshot копия всех рядов
func (b *Buffer) Snapshot() map[string][]Point {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string][]Point, len(b.series))
	for k, v := range b.series {
		out[k] = slices.Clone(v)
	}
	return out
}

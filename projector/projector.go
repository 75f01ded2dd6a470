// Package projector прореживает поток значений для отображения: первое значение
// окна выдается сразу, последнее накопленное выдается при закрытии окна.
package projector

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Projector троттлинг с передним и задним фронтом
type Projector[T any] struct {
	mu         sync.Mutex
	interval   time.Duration
	clock      clockwork.Clock
	emit       func(T)
	timer      clockwork.Timer
	windowOpen bool
	pending    T
	hasPending bool
	stopped    bool
	// generation отличает таймер текущего окна от уже отмененных
	generation uint64
}

// New создает проектор. emit вызывается под внутренней блокировкой,
// поэтому не должен обращаться к самому проектору.
func New[T any](interval time.Duration, clk clockwork.Clock, emit func(T)) *Projector[T] {
	return &Projector[T]{
		interval: interval,
		clock:    clk,
		emit:     emit,
	}
}

// Push передает новое значение
func (p *Projector[T]) Push(v T) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return
	}
	if p.windowOpen {
		p.pending = v
		p.hasPending = true
		return
	}
	p.emit(v)
	p.openWindow()
}

func (p *Projector[T]) openWindow() {
	p.windowOpen = true
	generation := p.generation
	p.timer = p.clock.AfterFunc(p.interval, func() { p.closeWindow(generation) })
}

func (p *Projector[T]) closeWindow(generation uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped || generation != p.generation {
		return
	}
	if !p.hasPending {
		p.windowOpen = false
		p.timer = nil
		return
	}
	v := p.pending
	var zero T
	p.pending = zero
	p.hasPending = false
	p.emit(v)
	p.openWindow()
}

// Stop отменяет запланированную выдачу. После возврата emit больше не вызывается.
func (p *Projector[T]) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stopped = true
	p.cancel()
}

// Reset отбрасывает накопленное значение и закрывает окно.
// Следующий Push снова выдается сразу.
func (p *Projector[T]) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancel()
}

func (p *Projector[T]) cancel() {
	p.generation++
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	var zero T
	p.pending = zero
	p.hasPending = false
	p.windowOpen = false
}

package realtime

import (
	"log/slog"
	"sort"
	"sync"
)

// listenerSet holds callbacks keyed by registration order. A panicking
// listener is logged and skipped so the rest still run.
type listenerSet[T any] struct {
	name   string
	logger *slog.Logger

	mu   sync.Mutex
	next uint64
	fns  map[uint64]func(T)
}

func newListenerSet[T any](name string, logger *slog.Logger) *listenerSet[T] {
	return &listenerSet[T]{
		name:   name,
		logger: logger,
		fns:    make(map[uint64]func(T)),
	}
}

// add registers fn and returns a function that removes it.
func (l *listenerSet[T]) add(fn func(T)) func() {
	if fn == nil {
		return func() {}
	}
	l.mu.Lock()
	id := l.next
	l.next++
	l.fns[id] = fn
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.fns, id)
			l.mu.Unlock()
		})
	}
}

func (l *listenerSet[T]) notify(v T) {
	l.mu.Lock()
	ids := make([]uint64, 0, len(l.fns))
	for id := range l.fns {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(T), len(ids))
	for i, id := range ids {
		fns[i] = l.fns[id]
	}
	l.mu.Unlock()

	for _, fn := range fns {
		l.call(fn, v)
	}
}

func (l *listenerSet[T]) call(fn func(T), v T) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Warn("listener panicked", "listener", l.name, "panic", r)
		}
	}()
	fn(v)
}

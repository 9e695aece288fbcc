package sync

import stdsync "sync"

// watcher hands the latest published value to a callback on its own
// goroutine. A slow callback only ever misses intermediate values.
type watcher[T any] struct {
	fn func(T)

	mu   stdsync.Mutex
	val  T
	has  bool
	wake chan struct{}
	stop chan struct{}
	once stdsync.Once
}

func newWatcher[T any](fn func(T)) *watcher[T] {
	w := &watcher[T]{
		fn:   fn,
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *watcher[T]) set(v T) {
	w.mu.Lock()
	w.val, w.has = v, true
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *watcher[T]) close() {
	w.once.Do(func() { close(w.stop) })
}

func (w *watcher[T]) run() {
	for {
		select {
		case <-w.wake:
		case <-w.stop:
			return
		}
		w.mu.Lock()
		v, has := w.val, w.has
		w.has = false
		w.mu.Unlock()

		select {
		case <-w.stop:
			return
		default:
		}
		if has {
			w.fn(v)
		}
	}
}

//go:build !linux

package fabric

import "sync"

type chanEvent struct {
	ch   chan struct{}
	done chan struct{}
	once sync.Once
}

func newEvent() (event, error) {
	return &chanEvent{
		ch:   make(chan struct{}, 1),
		done: make(chan struct{}),
	}, nil
}

func (e *chanEvent) signal() {
	select {
	case e.ch <- struct{}{}:
	default:
	}
}

func (e *chanEvent) wait() error {
	select {
	case <-e.done:
		return ErrClosed
	default:
	}

	select {
	case <-e.ch:
		return nil
	case <-e.done:
		return ErrClosed
	}
}

func (e *chanEvent) close() error {
	e.once.Do(func() { close(e.done) })

	return nil
}

// Package notify wakes scheduler loops when work arrives for their host.
package notify

import (
	"context"
	"sync"
)

// Notifier delivers wake-up signals addressed to a host.
type Notifier interface {
	// Wake signals the scheduler running on host. An empty host wakes all.
	Wake(ctx context.Context, host string) error
	// Subscribe returns a channel that receives a value whenever host is
	// woken. The channel is closed when ctx ends.
	Subscribe(ctx context.Context, host string) (<-chan struct{}, error)
	Close() error
}

// Local is an in-process Notifier for single-node deployments and tests.
type Local struct {
	mu   sync.Mutex
	subs map[string][]chan struct{}
}

// NewLocal creates a Local notifier.
func NewLocal() *Local {
	return &Local{subs: make(map[string][]chan struct{})}
}

func (l *Local) Wake(_ context.Context, host string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for h, chans := range l.subs {
		if host != "" && h != host {
			continue
		}
		for _, ch := range chans {
			signal(ch)
		}
	}
	return nil
}

func (l *Local) Subscribe(ctx context.Context, host string) (<-chan struct{}, error) {
	ch := make(chan struct{}, 1)
	l.mu.Lock()
	l.subs[host] = append(l.subs[host], ch)
	l.mu.Unlock()

	context.AfterFunc(ctx, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		chans := l.subs[host]
		for i, c := range chans {
			if c == ch {
				l.subs[host] = append(chans[:i], chans[i+1:]...)
				break
			}
		}
		close(ch)
	})
	return ch, nil
}

func (l *Local) Close() error { return nil }

// signal performs a non-blocking send; one pending wake is enough.
func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

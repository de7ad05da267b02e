package messenger

import (
	"context"
	"sync"
)

// Memory is an in-process Messenger: fan-out over Go channels guarded by
// a mutex. It is the default messenger driver ("memory"), and the
// messenger used by unit tests that need deterministic notification
// delivery rather than a real broker round trip.
type Memory struct {
	mu   sync.Mutex
	subs map[string]map[chan struct{}]struct{}
}

// NewMemory constructs an empty in-process Messenger.
func NewMemory() *Memory {
	return &Memory{subs: make(map[string]map[chan struct{}]struct{})}
}

func (m *Memory) Publish(_ context.Context, subject string, _ []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ch := range m.subs[subject] {
		select {
		case ch <- struct{}{}:
		default:
			// Subscriber isn't ready; notification is lossy by design.
		}
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, subject string) (<-chan struct{}, func(), error) {
	ch := make(chan struct{}, 1)

	m.mu.Lock()
	if m.subs[subject] == nil {
		m.subs[subject] = make(map[chan struct{}]struct{})
	}
	m.subs[subject][ch] = struct{}{}
	m.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs[subject], ch)
			if len(m.subs[subject]) == 0 {
				delete(m.subs, subject)
			}
			m.mu.Unlock()
			close(ch)
		})
	}

	go func() {
		<-ctx.Done()
		unsubscribe()
	}()

	return ch, unsubscribe, nil
}

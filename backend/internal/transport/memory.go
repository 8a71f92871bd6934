package transport

import (
	"context"
	"log"
	"sync"
)

// Memory is an in-process Transport for single-node runs and tests.
type Memory struct {
	mu       sync.RWMutex
	channels map[string]map[*memorySub]struct{}
}

func NewMemory() *Memory {
	return &Memory{channels: make(map[string]map[*memorySub]struct{})}
}

type memorySub struct {
	parent  *Memory
	channel string
	ch      chan Message
	once    sync.Once
}

func (s *memorySub) C() <-chan Message { return s.ch }

func (s *memorySub) Close() error {
	s.once.Do(func() {
		s.parent.mu.Lock()
		if subs, ok := s.parent.channels[s.channel]; ok {
			delete(subs, s)
			if len(subs) == 0 {
				delete(s.parent.channels, s.channel)
			}
		}
		s.parent.mu.Unlock()
		close(s.ch)
	})
	return nil
}

func (m *Memory) Publish(ctx context.Context, channel string, msg Message) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for sub := range m.channels[channel] {
		select {
		case sub.ch <- msg:
		default:
			// Slow consumer: drop rather than block the commit path.
			log.Printf("transport: dropping message on %s, subscriber buffer full", channel)
		}
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	sub := &memorySub{parent: m, channel: channel, ch: make(chan Message, 256)}
	m.mu.Lock()
	if m.channels[channel] == nil {
		m.channels[channel] = make(map[*memorySub]struct{})
	}
	m.channels[channel][sub] = struct{}{}
	m.mu.Unlock()
	return sub, nil
}

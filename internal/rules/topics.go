package rules

import (
	"context"
	"sort"
	"sync"

	"flowhook.app/automation/internal/transport"
)

// DispatchQueue is the queue every rule worker consumes. Topic streams bind
// into it as rule sets load.
const DispatchQueue = "rules"

// TopicRegistry binds event topics into the dispatch queue as rule sets
// declare interest in them. Registration is idempotent, a topic is bound at
// most once per process.
type TopicRegistry struct {
	bus      transport.Transport
	exchange string

	mu    sync.Mutex
	bound map[string]bool
}

func NewTopicRegistry(bus transport.Transport, exchange string) *TopicRegistry {
	return &TopicRegistry{
		bus:      bus,
		exchange: exchange,
		bound:    make(map[string]bool),
	}
}

// Register binds any not-yet-bound topics. Partially applied registrations
// are retried on the next call because only successful bindings are recorded.
func (r *TopicRegistry) Register(ctx context.Context, topics []string) error {
	fresh := r.take(topics)
	if len(fresh) == 0 {
		return nil
	}

	if err := r.bus.DeclareQueue(ctx, r.exchange, DispatchQueue, fresh); err != nil {
		r.release(fresh)
		return err
	}
	return nil
}

// Topics returns the currently bound topics, sorted. Test helper.
func (r *TopicRegistry) Topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	topics := make([]string, 0, len(r.bound))
	for t := range r.bound {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

func (r *TopicRegistry) take(topics []string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var fresh []string
	for _, t := range topics {
		if t == "" || r.bound[t] {
			continue
		}
		r.bound[t] = true
		fresh = append(fresh, t)
	}
	return fresh
}

func (r *TopicRegistry) release(topics []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range topics {
		delete(r.bound, t)
	}
}

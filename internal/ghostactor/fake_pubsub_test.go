package ghostactor

import (
	"context"
	"sync"
)

// fakeBroker is an in-memory stand-in for gossipsub: Publish on a topic
// fans out to every Subscription created for that same topic name,
// including ones on other fakePubSub handles sharing the same broker.
type fakeBroker struct {
	mu   sync.Mutex
	subs map[string][]chan []byte
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{subs: make(map[string][]chan []byte)}
}

func (b *fakeBroker) subscribe(topic string) chan []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan []byte, 16)
	b.subs[topic] = append(b.subs[topic], ch)
	return ch
}

func (b *fakeBroker) publish(topic string, data []byte) {
	b.mu.Lock()
	chans := append([]chan []byte{}, b.subs[topic]...)
	b.mu.Unlock()
	for _, ch := range chans {
		ch <- data
	}
}

type fakePubSub struct {
	broker *fakeBroker
}

func (f *fakePubSub) Join(topic string) (Topic, error) {
	return &fakeTopic{broker: f.broker, name: topic}, nil
}

type fakeTopic struct {
	broker *fakeBroker
	name   string
}

func (t *fakeTopic) Publish(ctx context.Context, data []byte) error {
	t.broker.publish(t.name, data)
	return nil
}

func (t *fakeTopic) Subscribe() (Subscription, error) {
	return &fakeSubscription{ch: t.broker.subscribe(t.name)}, nil
}

func (t *fakeTopic) String() string {
	return t.name
}

type fakeSubscription struct {
	ch chan []byte
}

func (s *fakeSubscription) Next(ctx context.Context) ([]byte, error) {
	select {
	case data := <-s.ch:
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *fakeSubscription) Cancel() {}

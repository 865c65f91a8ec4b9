package ghostactor

import (
	"context"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
)

// libp2pPubSub adapts a real *pubsub.PubSub to the narrow PubSub interface
// the actor depends on.
type libp2pPubSub struct {
	ps *pubsub.PubSub
}

// NewLibp2pPubSub wraps ps so it can drive an Actor.
func NewLibp2pPubSub(ps *pubsub.PubSub) PubSub {
	return &libp2pPubSub{ps: ps}
}

func (l *libp2pPubSub) Join(topic string) (Topic, error) {
	t, err := l.ps.Join(topic)
	if err != nil {
		return nil, err
	}
	return &libp2pTopic{topic: t}, nil
}

type libp2pTopic struct {
	topic *pubsub.Topic
}

func (t *libp2pTopic) Publish(ctx context.Context, data []byte) error {
	return t.topic.Publish(ctx, data)
}

func (t *libp2pTopic) Subscribe() (Subscription, error) {
	sub, err := t.topic.Subscribe()
	if err != nil {
		return nil, err
	}
	return &libp2pSubscription{sub: sub}, nil
}

func (t *libp2pTopic) String() string {
	return t.topic.String()
}

type libp2pSubscription struct {
	sub *pubsub.Subscription
}

func (s *libp2pSubscription) Next(ctx context.Context) ([]byte, error) {
	msg, err := s.sub.Next(ctx)
	if err != nil {
		return nil, err
	}
	return msg.Data, nil
}

func (s *libp2pSubscription) Cancel() {
	s.sub.Cancel()
}

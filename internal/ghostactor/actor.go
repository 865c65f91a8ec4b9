// Package ghostactor runs the messaging actor: a single goroutine that
// exclusively owns the gossipsub handle and all pending-receipt state,
// reachable only through a bounded command channel and observed only
// through an event channel. Callers never touch pubsub directly.
package ghostactor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shurlinet/deaddrop/internal/ghostmode"
	"github.com/shurlinet/deaddrop/internal/identitystore"
)

// sweepInterval is how often the actor checks for receipts that timed out
// without ever arriving.
const sweepInterval = 60 * time.Second

// commandQueueLen bounds how many outstanding SendMessage commands may
// queue before SendMessage blocks the caller. It also sizes the event and
// incoming-frame buffers.
const commandQueueLen = 100

// Topic is the subset of *pubsub.Topic the actor depends on.
type Topic interface {
	Publish(ctx context.Context, data []byte) error
	Subscribe() (Subscription, error)
	String() string
}

// Subscription is the subset of *pubsub.Subscription the actor depends on.
type Subscription interface {
	Next(ctx context.Context) ([]byte, error)
	Cancel()
}

// PubSub is the subset of *pubsub.PubSub the actor depends on. A thin
// adapter wraps the real gossipsub router in production; tests supply a
// fake that never touches the network.
type PubSub interface {
	Join(topic string) (Topic, error)
}

// ErrShutdown is returned by SendMessage once the actor has stopped.
var ErrShutdown = errors.New("ghostactor: actor is shut down")

// EventKind discriminates the events an Actor emits.
type EventKind int

const (
	EventGhostMessage EventKind = iota
	EventMessageDelivered
	EventRelayConnected
	EventGhostError
)

// Event is a single occurrence surfaced to the host application. Only the
// fields relevant to Kind are populated.
type Event struct {
	Kind EventKind

	// EventGhostMessage
	Message ghostmode.GhostMessage

	// EventMessageDelivered
	MessageID   string
	Target      string
	DeliveredAt time.Time

	// EventGhostError
	Err error
}

type sendCommand struct {
	targetPublicKey []byte
	content         string
	messageID       string
}

// Actor is the running messaging actor. Create one with New and drive it
// with Run; interact with it via SendMessage and Shutdown from any
// goroutine.
type Actor struct {
	identity *identitystore.Identity
	ps       PubSub

	inboxTopic Topic
	inboxSub   Subscription

	topics map[string]Topic

	sendCh     chan sendCommand
	shutdownCh chan struct{}
	events     chan Event

	pending *ghostmode.PendingReceipts
}

// New joins the identity's own inbox topic and subscribes to it, returning
// an Actor ready to Run.
func New(identity *identitystore.Identity, ps PubSub) (*Actor, error) {
	topicName := ghostmode.InboxTopic(identity.PublicID())
	topic, err := ps.Join(topicName)
	if err != nil {
		return nil, fmt.Errorf("ghostactor: joining %s: %w", topicName, err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		return nil, fmt.Errorf("ghostactor: subscribing to %s: %w", topicName, err)
	}

	return &Actor{
		identity:   identity,
		ps:         ps,
		inboxTopic: topic,
		inboxSub:   sub,
		topics:     map[string]Topic{topicName: topic},
		sendCh:     make(chan sendCommand, commandQueueLen),
		shutdownCh: make(chan struct{}),
		events:     make(chan Event, commandQueueLen),
		pending:    ghostmode.NewPendingReceipts(),
	}, nil
}

// Events returns the channel of occurrences the actor emits. The caller
// must drain it; while the buffer is full, Run drops new events rather than
// blocking.
func (a *Actor) Events() <-chan Event {
	return a.events
}

// SendMessage queues content for delivery to the peer addressed by
// targetPublicKey (raw 32-byte X25519 key), tagged with messageID for
// receipt correlation. Returns ErrShutdown if the actor has stopped.
func (a *Actor) SendMessage(ctx context.Context, targetPublicKey []byte, content, messageID string) error {
	select {
	case a.sendCh <- sendCommand{targetPublicKey: targetPublicKey, content: content, messageID: messageID}:
		return nil
	case <-a.shutdownCh:
		return ErrShutdown
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops the actor's Run loop. Idempotent.
func (a *Actor) Shutdown() {
	select {
	case <-a.shutdownCh:
	default:
		close(a.shutdownCh)
	}
}

// Run drives the actor's event loop until Shutdown is called or ctx is
// canceled. It multiplexes three sources exactly the way the reference
// actor's select loop does: incoming gossip frames, outbound send
// commands, and a periodic sweep of receipts that never arrived.
func (a *Actor) Run(ctx context.Context) error {
	incoming := make(chan []byte, commandQueueLen)
	readErrs := make(chan error, 1)
	readerCtx, cancelReader := context.WithCancel(ctx)
	defer cancelReader()
	go a.pumpIncoming(readerCtx, incoming, readErrs)

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-a.shutdownCh:
			return nil

		case frame := <-incoming:
			a.handleIncoming(frame)

		case err := <-readErrs:
			slog.Warn("ghostactor: reading inbox", "error", err)

		case cmd := <-a.sendCh:
			a.handleSend(ctx, cmd)

		case now := <-ticker.C:
			a.sweep(now)
		}
	}
}

// pumpIncoming reads frames off the inbox subscription and forwards them,
// so the main select loop never blocks directly on pubsub I/O.
func (a *Actor) pumpIncoming(ctx context.Context, out chan<- []byte, errs chan<- error) {
	for {
		data, err := a.inboxSub.Next(ctx)
		if err != nil {
			if ctx.Err() == nil {
				errs <- err
			}
			return
		}
		select {
		case out <- data:
		case <-ctx.Done():
			return
		}
	}
}

// handleIncoming decrypts a frame addressed to this identity's inbox and
// dispatches it by envelope kind, mirroring the reference actor's
// handle_incoming_p2p_message. Malformed or auth-failed frames are logged
// and dropped; they never reach the host as a ghost_error, since the host
// has no way to act on gossip noise or another peer's decrypt failures.
func (a *Actor) handleIncoming(frame []byte) {
	senderKey, _, err := ghostmode.SplitSenderKey(frame)
	if err != nil {
		slog.Debug("ghostactor: dropping malformed frame", "error", err)
		return
	}

	shared, err := a.identity.SharedSecret(senderKey)
	if err != nil {
		slog.Debug("ghostactor: dropping frame, deriving shared secret", "error", err)
		return
	}

	_, env, err := ghostmode.DecryptEnvelope(shared, frame)
	if err != nil {
		slog.Debug("ghostactor: dropping frame, decrypt/auth failed", "error", err)
		return
	}

	switch env.Kind {
	case ghostmode.KindMessage:
		msg := *env.Message
		a.emit(Event{Kind: EventGhostMessage, Message: msg})
		if err := a.sendReceipt(context.Background(), senderKey, msg.ID); err != nil {
			slog.Warn("ghostactor: sending receipt", "error", err)
		}
	case ghostmode.KindReceipt:
		receipt := *env.Receipt
		if target, ok := a.pending.Remove(receipt.MessageID); ok {
			a.emit(Event{
				Kind:        EventMessageDelivered,
				MessageID:   receipt.MessageID,
				Target:      target,
				DeliveredAt: time.Now(),
			})
		}
	}
}

// handleSend encrypts and publishes a ghost message to the target's inbox
// topic, recording it as pending a receipt.
func (a *Actor) handleSend(ctx context.Context, cmd sendCommand) {
	now := time.Now()
	msg := ghostmode.GhostMessage{
		ID:        cmd.messageID,
		From:      a.identity.PublicID(),
		Content:   cmd.content,
		Timestamp: now.Unix(),
	}

	shared, err := a.identity.SharedSecret(cmd.targetPublicKey)
	if err != nil {
		a.emit(Event{Kind: EventGhostError, Err: fmt.Errorf("ghostactor: deriving shared secret: %w", err)})
		return
	}
	frame, err := ghostmode.EncryptEnvelope(a.identity.PublicKey, shared, ghostmode.NewMessageEnvelope(msg))
	if err != nil {
		a.emit(Event{Kind: EventGhostError, Err: fmt.Errorf("ghostactor: encrypting message: %w", err)})
		return
	}

	targetID := identitystore.PublicIDFor(cmd.targetPublicKey)
	topic, err := a.topicFor(ghostmode.InboxTopic(targetID))
	if err != nil {
		a.emit(Event{Kind: EventGhostError, Err: fmt.Errorf("ghostactor: joining target topic: %w", err)})
		return
	}
	if err := topic.Publish(ctx, frame); err != nil {
		a.emit(Event{Kind: EventGhostError, Err: fmt.Errorf("ghostactor: publishing message: %w", err)})
		return
	}

	a.pending.Add(cmd.messageID, targetID, now)
}

// sendReceipt publishes a delivery acknowledgment back to the sender's
// inbox topic.
func (a *Actor) sendReceipt(ctx context.Context, senderPublicKey []byte, messageID string) error {
	receipt := ghostmode.MessageReceipt{
		MessageID: messageID,
		From:      a.identity.PublicID(),
		Timestamp: time.Now().Unix(),
	}
	shared, err := a.identity.SharedSecret(senderPublicKey)
	if err != nil {
		return fmt.Errorf("deriving shared secret: %w", err)
	}
	frame, err := ghostmode.EncryptEnvelope(a.identity.PublicKey, shared, ghostmode.NewReceiptEnvelope(receipt))
	if err != nil {
		return fmt.Errorf("encrypting receipt: %w", err)
	}

	topic, err := a.topicFor(ghostmode.InboxTopic(identitystore.PublicIDFor(senderPublicKey)))
	if err != nil {
		return fmt.Errorf("joining sender topic: %w", err)
	}
	return topic.Publish(ctx, frame)
}

// sweep silently drops receipts that have outlived ghostmode.PendingTTL
// without an acknowledgment. An unacknowledged message is ordinary for an
// offline peer, not an error the host needs to react to.
func (a *Actor) sweep(now time.Time) {
	for _, id := range a.pending.Sweep(now) {
		slog.Debug("ghostactor: pending receipt expired", "message_id", id)
	}
}

// topicFor returns the already-joined Topic for name, joining it through
// the PubSub router on first use.
func (a *Actor) topicFor(name string) (Topic, error) {
	if t, ok := a.topics[name]; ok {
		return t, nil
	}
	t, err := a.ps.Join(name)
	if err != nil {
		return nil, err
	}
	a.topics[name] = t
	return t, nil
}

func (a *Actor) emit(ev Event) {
	select {
	case a.events <- ev:
	default:
		// Event buffer full and nobody is listening; drop rather than
		// block the actor's own loop.
	}
}

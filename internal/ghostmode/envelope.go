// Package ghostmode implements the wire format and message types shared
// across the messaging actor: the tagged-union envelope carried inside
// every gossip frame, the sender-key-prefixed frame that wraps it, and the
// pending-receipt tracker used to detect delivery.
package ghostmode

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shurlinet/deaddrop/internal/primitive"
)

// InboxTopicPrefix is prepended to a peer's base58 public id to form the
// gossipsub topic it listens on for ghost messages.
const InboxTopicPrefix = "/deaddrop/inbox/"

// InboxTopic returns the gossipsub topic name for the given public id.
func InboxTopic(publicID string) string {
	return InboxTopicPrefix + publicID
}

// ProtocolID is the identify protocol version string advertised by the
// messaging actor's libp2p host.
const ProtocolID = "/deaddrop/1.0.0"

var (
	// ErrMalformedFrame is returned when a wire frame cannot be parsed:
	// too short, bad envelope JSON, or an unrecognized envelope type.
	ErrMalformedFrame = errors.New("ghostmode: malformed frame")
)

// GhostMessage is a single ghost-mode chat message, addressed by the
// sender's public id and tagged with a caller-supplied message id used to
// correlate a later MessageReceipt.
type GhostMessage struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// MessageReceipt acknowledges delivery of the GhostMessage identified by
// MessageID.
type MessageReceipt struct {
	MessageID string `json:"message_id"`
	From      string `json:"from"`
	Timestamp int64  `json:"timestamp"`
}

// EnvelopeKind discriminates the two payload shapes an Envelope can carry.
type EnvelopeKind string

const (
	KindMessage EnvelopeKind = "message"
	KindReceipt EnvelopeKind = "receipt"
)

// Envelope is the tagged union transmitted inside every gossip frame: a
// "type" discriminator field alongside the flattened fields of whichever
// payload it carries, so the two cases round-trip through the same JSON
// shape a GhostMessage or MessageReceipt alone would produce.
type Envelope struct {
	Kind    EnvelopeKind
	Message *GhostMessage
	Receipt *MessageReceipt
}

// NewMessageEnvelope wraps a GhostMessage.
func NewMessageEnvelope(m GhostMessage) Envelope {
	return Envelope{Kind: KindMessage, Message: &m}
}

// NewReceiptEnvelope wraps a MessageReceipt.
func NewReceiptEnvelope(r MessageReceipt) Envelope {
	return Envelope{Kind: KindReceipt, Receipt: &r}
}

// MarshalJSON flattens the wrapped payload's fields alongside a "type"
// discriminator, matching an internally-tagged enum.
func (e Envelope) MarshalJSON() ([]byte, error) {
	switch e.Kind {
	case KindMessage:
		if e.Message == nil {
			return nil, fmt.Errorf("ghostmode: message envelope missing payload")
		}
		return json.Marshal(struct {
			Type string `json:"type"`
			GhostMessage
		}{Type: string(KindMessage), GhostMessage: *e.Message})
	case KindReceipt:
		if e.Receipt == nil {
			return nil, fmt.Errorf("ghostmode: receipt envelope missing payload")
		}
		return json.Marshal(struct {
			Type string `json:"type"`
			MessageReceipt
		}{Type: string(KindReceipt), MessageReceipt: *e.Receipt})
	default:
		return nil, fmt.Errorf("ghostmode: unknown envelope kind %q", e.Kind)
	}
}

// UnmarshalJSON reads the "type" discriminator and decodes the remaining
// fields into the matching payload.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var tagged struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &tagged); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	switch EnvelopeKind(tagged.Type) {
	case KindMessage:
		var m GhostMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return fmt.Errorf("%w: decoding message: %v", ErrMalformedFrame, err)
		}
		e.Kind = KindMessage
		e.Message = &m
		e.Receipt = nil
	case KindReceipt:
		var r MessageReceipt
		if err := json.Unmarshal(data, &r); err != nil {
			return fmt.Errorf("%w: decoding receipt: %v", ErrMalformedFrame, err)
		}
		e.Kind = KindReceipt
		e.Receipt = &r
		e.Message = nil
	default:
		return fmt.Errorf("%w: unknown envelope type %q", ErrMalformedFrame, tagged.Type)
	}
	return nil
}

// EncryptEnvelope serializes env, seals it under the message key derived
// from sharedSecret, and prepends senderPublicKey (32 bytes) to produce
// the frame published to a gossip topic:
// sender_pub_key(32) || nonce(12) || ciphertext+tag.
func EncryptEnvelope(senderPublicKey, sharedSecret []byte, env Envelope) ([]byte, error) {
	if len(senderPublicKey) != 32 {
		return nil, fmt.Errorf("ghostmode: sender public key must be 32 bytes")
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("ghostmode: encoding envelope: %w", err)
	}

	key := primitive.DeriveMessageKey(sharedSecret)
	defer primitive.Zeroize(key)

	nonce, err := primitive.NewNonce()
	if err != nil {
		return nil, err
	}
	ciphertext, err := primitive.SealChaCha20Poly1305(key, nonce, payload, nil)
	if err != nil {
		return nil, fmt.Errorf("ghostmode: sealing envelope: %w", err)
	}

	frame := make([]byte, 0, len(senderPublicKey)+len(nonce)+len(ciphertext))
	frame = append(frame, senderPublicKey...)
	frame = append(frame, nonce...)
	frame = append(frame, ciphertext...)
	return frame, nil
}

// DecryptEnvelope splits a frame produced by EncryptEnvelope into the
// sender's public key and the decrypted Envelope, given the ECDH shared
// secret with that sender.
func DecryptEnvelope(sharedSecret []byte, frame []byte) (senderPublicKey []byte, env Envelope, err error) {
	const headerLen = 32 + primitive.NonceLen
	if len(frame) < headerLen {
		return nil, Envelope{}, fmt.Errorf("%w: frame shorter than header", ErrMalformedFrame)
	}
	senderPublicKey = frame[:32]
	nonce := frame[32:headerLen]
	ciphertext := frame[headerLen:]

	key := primitive.DeriveMessageKey(sharedSecret)
	defer primitive.Zeroize(key)

	plaintext, err := primitive.OpenChaCha20Poly1305(key, nonce, ciphertext, nil)
	if err != nil {
		return nil, Envelope{}, err
	}

	if err := json.Unmarshal(plaintext, &env); err != nil {
		return nil, Envelope{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return senderPublicKey, env, nil
}

// SplitSenderKey extracts just the sender public key from a frame without
// decrypting it, e.g. to look up the shared secret to decrypt with.
func SplitSenderKey(frame []byte) ([]byte, []byte, error) {
	if len(frame) < 32 {
		return nil, nil, fmt.Errorf("%w: frame shorter than sender key", ErrMalformedFrame)
	}
	return frame[:32], frame[32:], nil
}

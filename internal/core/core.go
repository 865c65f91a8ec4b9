// Package core wires the identity, ghost-mode messaging actor, and
// dead-drop pipeline behind the command surface cmd/deaddrop dispatches
// to. It mirrors the reference Tauri app's AppState: identity and the
// running P2P sender are each guarded by their own mutex and may be
// absent until the corresponding init/start command runs.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mr-tron/base58"

	"github.com/shurlinet/deaddrop/internal/config"
	"github.com/shurlinet/deaddrop/internal/contentstore"
	"github.com/shurlinet/deaddrop/internal/deaddrop"
	"github.com/shurlinet/deaddrop/internal/ghostactor"
	"github.com/shurlinet/deaddrop/internal/identitystore"
	"github.com/shurlinet/deaddrop/internal/reputation"
	"github.com/shurlinet/deaddrop/pkg/p2pnet"
)

// ErrIdentityNotInitialized is returned by any command that requires an
// identity when InitIdentity has not yet succeeded.
var ErrIdentityNotInitialized = errors.New("core: identity not initialized")

// ErrGhostModeNotStarted is returned by SendGhostMessage/StopGhostMode
// when StartGhostMode has not yet succeeded or has already stopped.
var ErrGhostModeNotStarted = errors.New("core: ghost mode not started")

// ErrGhostModeAlreadyStarted is returned by StartGhostMode when a ghost
// mode session is already running.
var ErrGhostModeAlreadyStarted = errors.New("core: ghost mode already started")

// knownPeerTTL bounds how long a peer we've heard from stays in
// ListKnownPeers without a fresh message.
const knownPeerTTL = 24 * time.Hour

// Core holds all per-node state a deaddrop command needs: the sealed
// identity, the running ghost-mode actor (if started), and the
// content-store client dead-drop commands upload to and fetch from.
type Core struct {
	cfg *config.Config

	identityMu sync.Mutex
	identity   *identitystore.Identity

	p2pMu       sync.Mutex
	net         *p2pnet.Network
	actor       *ghostactor.Actor
	actorCancel context.CancelFunc
	actorDone   chan struct{}

	history *reputation.PeerHistory
	store   *contentstore.Client
}

// New returns a Core bound to cfg. cfg.ContentStore.BaseURL configures the
// content-addressed store dead-drop commands talk to. Peer provenance
// (ListKnownPeers) is persisted under cfg.DataDir across restarts.
func New(cfg *config.Config) *Core {
	return &Core{
		cfg:     cfg,
		history: reputation.NewPeerHistory(filepath.Join(cfg.DataDir, "reputation.json")),
		store:   contentstore.New(cfg.ContentStore.BaseURL),
	}
}

// InitIdentity loads the identity sealed under passphrase in cfg.DataDir,
// generating and persisting a new one on first run. Returns the new
// identity's public id.
func (c *Core) InitIdentity(passphrase []byte) (string, error) {
	id, err := identitystore.LoadOrGenerate(c.cfg.DataDir, passphrase)
	if err != nil {
		return "", fmt.Errorf("core: loading identity: %w", err)
	}

	c.identityMu.Lock()
	c.identity = id
	c.identityMu.Unlock()

	return id.PublicID(), nil
}

// GetPublicID returns the current identity's public id.
func (c *Core) GetPublicID() (string, error) {
	c.identityMu.Lock()
	defer c.identityMu.Unlock()
	if c.identity == nil {
		return "", ErrIdentityNotInitialized
	}
	return c.identity.PublicID(), nil
}

// StartGhostMode brings up the libp2p host and gossipsub messaging actor
// for the current identity. The actor runs until ctx is canceled or
// StopGhostMode is called.
func (c *Core) StartGhostMode(ctx context.Context) error {
	c.identityMu.Lock()
	id := c.identity
	c.identityMu.Unlock()
	if id == nil {
		return ErrIdentityNotInitialized
	}

	c.p2pMu.Lock()
	defer c.p2pMu.Unlock()
	if c.actor != nil {
		return ErrGhostModeAlreadyStarted
	}

	net, err := p2pnet.New(&p2pnet.Config{
		KeyFile:            filepath.Join(c.cfg.DataDir, "libp2p.key"),
		AuthorizedKeys:     c.cfg.Security.AuthorizedKeysFile,
		Net:                c.cfg,
		EnableRelay:        c.cfg.Relay.Enabled,
		RelayAddrs:         c.cfg.Relay.Addresses,
		ForcePrivate:       c.cfg.Network.ForcePrivateReachability,
		EnableNATPortMap:   c.cfg.Relay.EnableNATPortMap,
		EnableHolePunching: c.cfg.Relay.EnableHolePunching,
	})
	if err != nil {
		return fmt.Errorf("core: starting p2p network: %w", err)
	}

	actor, err := ghostactor.New(id, ghostactor.NewLibp2pPubSub(net.PubSub()))
	if err != nil {
		net.Close()
		return fmt.Errorf("core: starting ghost actor: %w", err)
	}

	actorCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := actor.Run(actorCtx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("ghost actor stopped", "error", err)
		}
	}()

	c.net = net
	c.actor = actor
	c.actorCancel = cancel
	c.actorDone = done

	go c.trackKnownPeers(actor.Events())

	return nil
}

// trackKnownPeers records the sender of every delivered ghost message in
// the peer reputation history, for ListKnownPeers.
func (c *Core) trackKnownPeers(events <-chan ghostactor.Event) {
	for ev := range events {
		if ev.Kind == ghostactor.EventGhostMessage {
			c.history.RecordConnection(ev.Message.From, "gossip", 0)
			if err := c.history.Save(); err != nil {
				slog.Warn("saving peer history", "error", err)
			}
		}
	}
}

// SendGhostMessage encrypts content for the peer addressed by
// targetPublicID (the base58 public id of its X25519 key, as PublicID
// returns it) and publishes it, returning a message id the caller can
// correlate against a later EventMessageDelivered.
func (c *Core) SendGhostMessage(ctx context.Context, targetPublicID, content string) (string, error) {
	c.p2pMu.Lock()
	actor := c.actor
	c.p2pMu.Unlock()
	if actor == nil {
		return "", ErrGhostModeNotStarted
	}

	targetKey, err := base58.Decode(targetPublicID)
	if err != nil {
		return "", fmt.Errorf("core: target public id is not valid base58: %w", err)
	}

	messageID := uuid.NewString()
	if err := actor.SendMessage(ctx, targetKey, content, messageID); err != nil {
		return "", fmt.Errorf("core: sending ghost message: %w", err)
	}
	return messageID, nil
}

// Events returns the running ghost actor's event channel, or nil if ghost
// mode has not been started.
func (c *Core) Events() <-chan ghostactor.Event {
	c.p2pMu.Lock()
	defer c.p2pMu.Unlock()
	if c.actor == nil {
		return nil
	}
	return c.actor.Events()
}

// StopGhostMode shuts down the messaging actor and the libp2p host.
func (c *Core) StopGhostMode() error {
	c.p2pMu.Lock()
	defer c.p2pMu.Unlock()
	if c.actor == nil {
		return ErrGhostModeNotStarted
	}

	c.actor.Shutdown()
	c.actorCancel()
	<-c.actorDone

	err := c.net.Close()
	c.net = nil
	c.actor = nil
	c.actorCancel = nil
	c.actorDone = nil
	return err
}

// ListKnownPeers returns the public ids of peers this node has received a
// ghost message from within knownPeerTTL, most recently seen first.
func (c *Core) ListKnownPeers() []string {
	cutoff := time.Now().Add(-knownPeerTTL)

	records := c.history.List()
	ids := make([]string, 0, len(records))
	for _, r := range records {
		if r.LastSeen.Before(cutoff) {
			continue
		}
		ids = append(ids, r.PeerID)
	}
	return ids
}

// CreateDrop encrypts filePath, uploads it to the configured content
// store, and splits the session key into totalShares Shamir shares of
// which threshold reconstruct it.
func (c *Core) CreateDrop(ctx context.Context, filePath string, thresholdN, totalShares int) (*deaddrop.Created, error) {
	return deaddrop.CreateDeadDrop(ctx, c.store, filePath, thresholdN, totalShares)
}

// RetrieveDrop recovers the session key from shares, downloads the
// ciphertext identified by contentID, and decrypts it to outputPath.
func (c *Core) RetrieveDrop(ctx context.Context, contentID string, shares []string, outputPath string) error {
	return deaddrop.RetrieveDeadDrop(ctx, c.store, contentID, shares, outputPath)
}

// TestStore checks that the configured content store is reachable and
// returns its self-reported version string.
func (c *Core) TestStore(ctx context.Context) (string, error) {
	return c.store.Version(ctx)
}

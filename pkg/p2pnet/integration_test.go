package p2pnet_test

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/shurlinet/deaddrop/pkg/p2pnet"
)

// newTestHost creates a minimal libp2p host for integration testing.
// Listens on a random localhost TCP port.
func newTestHost(t *testing.T) host.Host {
	t.Helper()
	h, err := libp2p.New(
		libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"),
		libp2p.NoSecurity,
		libp2p.DisableRelay(),
	)
	if err != nil {
		t.Fatalf("failed to create test host: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

// connectHosts connects host b to host a.
func connectHosts(t *testing.T, a, b host.Host) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := b.Connect(ctx, peer.AddrInfo{
		ID:    a.ID(),
		Addrs: a.Addrs(),
	})
	if err != nil {
		t.Fatalf("failed to connect hosts: %v", err)
	}
}

func TestTwoHostsStream(t *testing.T) {
	server := newTestHost(t)
	client := newTestHost(t)

	const testProtocol = protocol.ID("/test/echo/1.0.0")
	const testMessage = "hello deaddrop"

	server.SetStreamHandler(testProtocol, func(s network.Stream) {
		defer s.Close()
		buf := make([]byte, 256)
		n, err := s.Read(buf)
		if err != nil && err != io.EOF {
			t.Errorf("server read error: %v", err)
			return
		}
		s.Write(buf[:n])
	})

	connectHosts(t, server, client)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := client.NewStream(ctx, server.ID(), testProtocol)
	if err != nil {
		t.Fatalf("client NewStream error: %v", err)
	}
	defer stream.Close()

	_, err = stream.Write([]byte(testMessage))
	if err != nil {
		t.Fatalf("client write error: %v", err)
	}
	stream.CloseWrite()

	response, err := io.ReadAll(stream)
	if err != nil {
		t.Fatalf("client read error: %v", err)
	}

	if string(response) != testMessage {
		t.Errorf("echo mismatch: got %q, want %q", string(response), testMessage)
	}
}

func TestTwoHostsHalfClose(t *testing.T) {
	server := newTestHost(t)
	client := newTestHost(t)

	const testProtocol = protocol.ID("/test/halfclose/1.0.0")

	server.SetStreamHandler(testProtocol, func(s network.Stream) {
		data, err := io.ReadAll(s)
		if err != nil {
			t.Errorf("server ReadAll error: %v", err)
			s.Reset()
			return
		}
		reversed := make([]byte, len(data))
		for i, b := range data {
			reversed[len(data)-1-i] = b
		}
		s.Write(reversed)
		s.Close()
	})

	connectHosts(t, server, client)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := client.NewStream(ctx, server.ID(), testProtocol)
	if err != nil {
		t.Fatalf("NewStream error: %v", err)
	}

	_, err = stream.Write([]byte("abcdef"))
	if err != nil {
		t.Fatalf("write error: %v", err)
	}
	stream.CloseWrite()

	response, err := io.ReadAll(stream)
	if err != nil {
		t.Fatalf("read error: %v", err)
	}
	stream.Close()

	if string(response) != "fedcba" {
		t.Errorf("half-close response: got %q, want %q", string(response), "fedcba")
	}
}

func TestUserAgentExchange(t *testing.T) {
	// Create two hosts with distinct UserAgent strings.
	// libp2p's Identify protocol exchanges UserAgent on connect.
	serverUA := "deaddrop/1.2.3"
	clientUA := "deaddrop/4.5.6"

	server, err := libp2p.New(
		libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"),
		libp2p.DisableRelay(),
		libp2p.UserAgent(serverUA),
	)
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	t.Cleanup(func() { server.Close() })

	client, err := libp2p.New(
		libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"),
		libp2p.DisableRelay(),
		libp2p.UserAgent(clientUA),
	)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = client.Connect(ctx, peer.AddrInfo{ID: server.ID(), Addrs: server.Addrs()})
	if err != nil {
		t.Fatalf("connect error: %v", err)
	}

	// Identify runs asynchronously after connect  - wait briefly
	time.Sleep(500 * time.Millisecond)

	serverAgent, err := client.Peerstore().Get(server.ID(), "AgentVersion")
	if err != nil {
		t.Fatalf("failed to get server agent from client peerstore: %v", err)
	}
	if serverAgent != serverUA {
		t.Errorf("server UserAgent: got %q, want %q", serverAgent, serverUA)
	}

	clientAgent, err := server.Peerstore().Get(client.ID(), "AgentVersion")
	if err != nil {
		t.Fatalf("failed to get client agent from server peerstore: %v", err)
	}
	if clientAgent != clientUA {
		t.Errorf("client UserAgent: got %q, want %q", clientAgent, clientUA)
	}
}

// --- Ping tests ---

// registerPingHandler sets up the ping-pong stream handler on a host.
func registerPingHandler(t *testing.T, h host.Host, protoID string) {
	t.Helper()
	h.SetStreamHandler(protocol.ID(protoID), func(s network.Stream) {
		defer s.Close()
		buf := make([]byte, 64)
		n, _ := s.Read(buf)
		msg := strings.TrimSpace(string(buf[:n]))
		if msg == "ping" {
			s.Write([]byte("pong\n"))
		}
	})
}

func TestPingPeer_Connected(t *testing.T) {
	const pingProto = "/deaddrop/ping/1.0.0"

	server := newTestHost(t)
	client := newTestHost(t)
	registerPingHandler(t, server, pingProto)
	connectHosts(t, server, client)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ch := p2pnet.PingPeer(ctx, client, server.ID(), pingProto, 3, 100*time.Millisecond)

	var results []p2pnet.PingResult
	for r := range ch {
		results = append(results, r)
	}

	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}

	stats := p2pnet.ComputePingStats(results)
	if stats.Received != 3 {
		t.Errorf("expected 3 received, got %d", stats.Received)
	}
	if stats.LossPct != 0 {
		t.Errorf("expected 0%% loss, got %.0f%%", stats.LossPct)
	}

	for i, r := range results {
		if r.Error != "" {
			t.Errorf("ping %d: unexpected error: %s", i+1, r.Error)
		}
		if r.Seq != i+1 {
			t.Errorf("ping %d: expected seq=%d, got seq=%d", i+1, i+1, r.Seq)
		}
		if r.RttMs <= 0 {
			t.Errorf("ping %d: RTT should be positive, got %.3f", i+1, r.RttMs)
		}
		if r.Path != "DIRECT" {
			t.Errorf("ping %d: expected DIRECT path, got %s", i+1, r.Path)
		}
	}
}

func TestPingPeer_NotConnected_Fails(t *testing.T) {
	const pingProto = "/deaddrop/ping/1.0.0"

	server := newTestHost(t)
	client := newTestHost(t)
	registerPingHandler(t, server, pingProto)
	// Deliberately NOT connecting hosts

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ch := p2pnet.PingPeer(ctx, client, server.ID(), pingProto, 1, time.Second)

	result := <-ch
	if result.Error == "" {
		t.Fatal("expected error when pinging unconnected peer, got success")
	}
	if !strings.Contains(result.Error, "no addresses") {
		t.Errorf("expected 'no addresses' error, got: %s", result.Error)
	}
}

func TestPingPeer_AddressInPeerstore_AutoConnects(t *testing.T) {
	const pingProto = "/deaddrop/ping/1.0.0"

	server := newTestHost(t)
	client := newTestHost(t)
	registerPingHandler(t, server, pingProto)

	// NOT calling connectHosts  - instead, just add server's addresses
	// to client's peerstore, simulating what a relay-assisted dial does.
	client.Peerstore().AddAddrs(server.ID(), server.Addrs(), time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ch := p2pnet.PingPeer(ctx, client, server.ID(), pingProto, 2, 100*time.Millisecond)

	var results []p2pnet.PingResult
	for r := range ch {
		results = append(results, r)
	}

	stats := p2pnet.ComputePingStats(results)
	if stats.Received != 2 {
		t.Errorf("expected 2 received, got %d (lost: %d)", stats.Received, stats.Lost)
	}
	for i, r := range results {
		if r.Error != "" {
			t.Errorf("ping %d: %s", i+1, r.Error)
		}
	}
}

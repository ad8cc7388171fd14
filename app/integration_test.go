package app_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cometbft/sbn/app"
	"github.com/cometbft/sbn/bus"
	"github.com/cometbft/sbn/config"
	"github.com/cometbft/sbn/internal/log"
	"github.com/cometbft/sbn/peer"
	"github.com/cometbft/sbn/sbntypes"

	_ "github.com/cometbft/sbn/protocolmods/udp"
)

// Fixed loopback ports for the two nodes under test. udp_test.go uses the
// same "pick a high port and hope" approach, since the udp module exposes
// no accessor for the socket it actually bound.
const (
	nodeAAddr = "127.0.0.1:28901"
	nodeBAddr = "127.0.0.1:28902"
)

func twoNodeConfig(localID, peerID uint32, localAddr, peerAddr string) *config.Config {
	return &config.Config{
		LocalProcessorID: localID,
		Protocols:        []config.ProtocolModuleConfig{{Name: "udp"}},
		Nets: []config.NetConfig{
			{Name: "net0", Protocol: "udp", Address: localAddr, TaskFlags: config.TaskPoll},
		},
		Peers: []config.PeerConfig{
			{NetName: "net0", ProcessorID: peerID, Protocol: "udp", Address: peerAddr, TaskFlags: config.TaskPoll},
		},
		Tuning: config.Tuning{
			WakeupPeriod:    10 * time.Millisecond,
			MaxMsgPerWakeup: 8,
			RingCapacity:    8,
			AckThreshold:    4,
			RetransmitLimit: 4,
			MaxSubsPerPeer:  16,
			MaxLocalSubs:    16,
		},
	}
}

// localBus narrows app.App.Bus()'s return value down to the bus.Local
// extensions this test needs, the same structural-interface pattern app.go
// itself uses for reportBus.
type localBus interface {
	bus.Bus
	SimulateAppSubscribe(sbntypes.MID, sbntypes.QoS)
}

// TestTwoNodeReachAndSubscriptionFanoutOnConnect exercises spec.md §8's
// "two-node reach" and "local-sub-fanout-on-connect" scenarios together:
// node B's local subscriber registers before the link comes up, node B
// bursts its local subscription set to A the moment the UDP heartbeat
// flips the peer to Connected, and a message node A publishes afterward
// reaches node B's local subscriber over the wire.
func TestTwoNodeReachAndSubscriptionFanoutOnConnect(t *testing.T) {
	cfgA := twoNodeConfig(1, 2, nodeAAddr, nodeBAddr)
	cfgB := twoNodeConfig(2, 1, nodeBAddr, nodeAAddr)

	logger := log.NewNopLogger()
	appA, err := app.New(cfgA, logger, nil)
	require.NoError(t, err)
	appB, err := app.New(cfgB, logger, nil)
	require.NoError(t, err)

	const mid = sbntypes.MID(0x123)

	busB, ok := appB.Bus().(localBus)
	require.True(t, ok, "bus.Local must implement the test's localBus extension")

	subscriberPipe, err := busB.CreatePipe("test.app", 4)
	require.NoError(t, err)
	require.NoError(t, busB.SubscribeLocal(subscriberPipe, mid, 0))
	busB.SimulateAppSubscribe(mid, 0x01)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	go func() { _ = appA.Run(ctx) }()
	go func() { _ = appB.Run(ctx) }()

	t.Cleanup(func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
		defer shutdownCancel()
		_ = appA.Shutdown(shutdownCtx)
		_ = appB.Shutdown(shutdownCtx)
	})

	// Node A's peer (processor 2, node B) must reach Connected, and A must
	// have processed B's SUBSCRIBE burst (advertised once B's own view of
	// the link comes up), before a publish on A's bus has anywhere to go.
	peerBOnA, ok := appA.Nets()[0].Peer(sbntypes.ProcessorID(2).String())
	require.True(t, ok)
	requireEventuallyConnected(t, peerBOnA, 5*time.Second)
	requireEventuallySubscribed(t, peerBOnA, mid, 5*time.Second)

	require.NoError(t, appA.Bus().Publish(bus.Msg{
		MID:         mid,
		QoS:         0x01,
		ProcessorID: 1,
		Payload:     []byte("hello from node A"),
	}, 0))

	msg, ok, err := busB.Receive(ctx, subscriberPipe, 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok, "node B never received the forwarded message")
	assert.Equal(t, []byte("hello from node A"), msg.Payload)
	assert.Equal(t, mid, msg.MID)
}

// TestVersionMismatchRejectsConfiguredModule checks the configured-module
// version gate: a configured module version constraint that
// the running core doesn't satisfy must fail app construction rather than
// silently loading an incompatible module.
func TestVersionMismatchRejectsConfiguredModule(t *testing.T) {
	cfg := twoNodeConfig(1, 2, nodeAAddr, nodeBAddr)
	cfg.Protocols[0].Version = ">=99.0.0"

	_, err := app.New(cfg, log.NewNopLogger(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "udp")
}

func requireEventuallyConnected(t *testing.T, p *peer.Peer, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if p.State() == peer.Connected {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("peer never reached connected state (last state: %s)", p.State())
}

func requireEventuallySubscribed(t *testing.T, p *peer.Peer, mid sbntypes.MID, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if p.Subs.Has(mid) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("peer never advertised a subscription to mid %v", mid)
}

package udp_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cometbft/sbn/module"
	"github.com/cometbft/sbn/protocolmods/udp"
	"github.com/cometbft/sbn/sbntypes"
)

// testNet is a minimal stand-in for *netw.Net: just enough to satisfy the
// udp module's narrow netHandle interface (Name/ModuleState/SetModuleState).
type testNet struct {
	name string
	st   any
}

func (n *testNet) Name() string        { return n.name }
func (n *testNet) ModuleState() any     { return n.st }
func (n *testNet) SetModuleState(v any) { n.st = v }

// testPeer is a minimal stand-in for *peer.Peer, satisfying the udp
// module's peerHandle and peerNetter interfaces.
type testPeer struct {
	id  sbntypes.ProcessorID
	sc  sbntypes.SpacecraftID
	st  any
	net *testNet
}

func (p *testPeer) ID() sbntypes.ProcessorID            { return p.id }
func (p *testPeer) SpacecraftID() sbntypes.SpacecraftID { return p.sc }
func (p *testPeer) ModuleState() any                    { return p.st }
func (p *testPeer) SetModuleState(v any)                { p.st = v }
func (p *testPeer) Net() module.NetHandle {
	if p.net == nil {
		return nil
	}
	return p.net
}

// bUDPAddr is a high loopback port unlikely to collide, since the
// udp module exposes no accessor for the socket it actually bound.
const bUDPAddr = "127.0.0.1:28843"

func TestModuleLoadNetBindsAndSendRecvRoundTrips(t *testing.T) {
	m := udp.New(nil, nil, time.Second, time.Second)
	require.NoError(t, m.InitModule("1.0.0", nil))

	netA := &testNet{name: "netA"}
	require.NoError(t, m.InitNet(netA))
	require.NoError(t, m.LoadNet(netA, "127.0.0.1:0"))
	defer m.UnloadNet(netA)

	netB := &testNet{name: "netB"}
	require.NoError(t, m.InitNet(netB))
	require.NoError(t, m.LoadNet(netB, bUDPAddr))
	defer m.UnloadNet(netB)

	peerB := &testPeer{id: 2, net: netB}
	require.NoError(t, m.InitPeer(netA, peerB))
	require.NoError(t, m.LoadPeer(netA, peerB, bUDPAddr))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	n, err := m.Send(ctx, peerB, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	_, frame, err := m.RecvFromNet(ctx, netB)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), frame)
}

func TestModuleSupportsReportsRecvStyleNet(t *testing.T) {
	m := udp.New(nil, nil, 0, 0)
	assert.Equal(t, module.RecvStyleNet, m.Supports(&testNet{}))
}

func TestModuleReliableIsTrue(t *testing.T) {
	m := udp.New(nil, nil, 0, 0)
	assert.True(t, m.Reliable())
}

func TestModuleRecvFromPeerUnsupported(t *testing.T) {
	m := udp.New(nil, nil, 0, 0)
	_, err := m.RecvFromPeer(context.Background(), &testPeer{id: 1})
	assert.Error(t, err)
}

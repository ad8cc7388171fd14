package ws_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cometbft/sbn/module"
	"github.com/cometbft/sbn/protocolmods/ws"
	"github.com/cometbft/sbn/sbntypes"
)

type testNet struct {
	name string
	st   any
}

func (n *testNet) Name() string        { return n.name }
func (n *testNet) ModuleState() any     { return n.st }
func (n *testNet) SetModuleState(v any) { n.st = v }

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

const (
	localID    sbntypes.ProcessorID = 1
	remoteID   sbntypes.ProcessorID = 2
	listenAddr                      = "127.0.0.1:28902"
)

func TestModulePollPeerDialsAndRoundTripsAFrame(t *testing.T) {
	listenerMod := ws.New(localID, nil, nil, time.Second, time.Second)
	require.NoError(t, listenerMod.InitModule("1.0.0", nil))
	listenerNet := &testNet{name: "listenerNet"}
	require.NoError(t, listenerMod.InitNet(listenerNet))
	require.NoError(t, listenerMod.LoadNet(listenerNet, listenAddr))
	defer listenerMod.UnloadNet(listenerNet)

	remotePeerAsSeenByListener := &testPeer{id: remoteID, net: listenerNet}
	require.NoError(t, listenerMod.InitPeer(listenerNet, remotePeerAsSeenByListener))
	require.NoError(t, listenerMod.LoadPeer(listenerNet, remotePeerAsSeenByListener, "127.0.0.1:0"))

	dialerMod := ws.New(remoteID, nil, nil, time.Second, time.Second)
	require.NoError(t, dialerMod.InitModule("1.0.0", nil))
	dialerNet := &testNet{name: "dialerNet"}
	require.NoError(t, dialerMod.InitNet(dialerNet))
	listenerPeerAsSeenByDialer := &testPeer{id: localID, net: dialerNet}
	require.NoError(t, dialerMod.InitPeer(dialerNet, listenerPeerAsSeenByDialer))
	require.NoError(t, dialerMod.LoadPeer(dialerNet, listenerPeerAsSeenByDialer, listenAddr))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	payload := []byte("hello over ws")
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		require.NoError(t, dialerMod.PollPeer(ctx, listenerPeerAsSeenByDialer))
		n, err := dialerMod.Send(ctx, listenerPeerAsSeenByDialer, payload)
		if err == nil && n > 0 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	frame, err := listenerMod.RecvFromPeer(ctx, remotePeerAsSeenByListener)
	require.NoError(t, err)
	assert.Equal(t, payload, frame)
}

func TestModuleSupportsReportsRecvStylePeer(t *testing.T) {
	m := ws.New(1, nil, nil, 0, 0)
	assert.Equal(t, module.RecvStylePeer, m.Supports(&testNet{}))
}

func TestModuleReliableIsFalse(t *testing.T) {
	m := ws.New(1, nil, nil, 0, 0)
	assert.False(t, m.Reliable())
}

func TestModuleRecvFromNetUnsupported(t *testing.T) {
	m := ws.New(1, nil, nil, 0, 0)
	_, _, err := m.RecvFromNet(context.Background(), &testNet{})
	assert.Error(t, err)
}

func TestModuleSendBeforeConnectIsSilentNoOp(t *testing.T) {
	m := ws.New(1, nil, nil, 0, 0)
	net := &testNet{name: "n"}
	require.NoError(t, m.InitNet(net))
	p := &testPeer{id: 2, net: net}
	require.NoError(t, m.InitPeer(net, p))
	require.NoError(t, m.LoadPeer(net, p, "127.0.0.1:1"))

	n, err := m.Send(context.Background(), p, []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

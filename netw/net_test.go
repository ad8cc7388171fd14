package netw_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cometbft/sbn/config"
	"github.com/cometbft/sbn/module"
	"github.com/cometbft/sbn/netw"
	"github.com/cometbft/sbn/peer"
	"github.com/cometbft/sbn/sbntypes"
)

type stubProto struct{}

func (stubProto) InitModule(string, module.Outlet) error                     { return nil }
func (stubProto) InitNet(module.NetHandle) error                             { return nil }
func (stubProto) LoadNet(module.NetHandle, string) error                     { return nil }
func (stubProto) UnloadNet(module.NetHandle) error                           { return nil }
func (stubProto) InitPeer(module.NetHandle, module.PeerHandle) error          { return nil }
func (stubProto) LoadPeer(module.NetHandle, module.PeerHandle, string) error { return nil }
func (stubProto) UnloadPeer(module.NetHandle, module.PeerHandle) error       { return nil }
func (stubProto) Send(context.Context, module.PeerHandle, []byte) (int, error) {
	return 0, nil
}
func (stubProto) Supports(module.NetHandle) module.RecvStyle { return module.RecvStyleNet }
func (stubProto) RecvFromNet(context.Context, module.NetHandle) (sbntypes.ProcessorID, []byte, error) {
	return 0, nil, nil
}
func (stubProto) RecvFromPeer(context.Context, module.PeerHandle) ([]byte, error) { return nil, nil }
func (stubProto) PollPeer(context.Context, module.PeerHandle) error               { return nil }
func (stubProto) Reliable() bool                                                  { return false }
func (stubProto) HeartbeatInterval() time.Duration                                { return 0 }
func (stubProto) PeerTimeout() time.Duration                                      { return 0 }

func TestNetAddAndLookupPeer(t *testing.T) {
	n := netw.New("net0", stubProto{}, "udp", config.TaskPoll, "0.0.0.0:5000")
	assert.Equal(t, "net0", n.Name())
	assert.False(t, n.Loaded())

	p := peer.New(peer.Config{ProcessorID: 2, NetName: "net0", Protocol: "udp", MaxSubs: 4})
	n.AddPeer("2", p)

	got, ok := n.Peer("2")
	require.True(t, ok)
	assert.Same(t, p, got)
	assert.Len(t, n.Peers(), 1)

	n.Load()
	assert.True(t, n.Loaded())
}

func TestNetModuleStateRoundTrip(t *testing.T) {
	n := netw.New("net0", stubProto{}, "udp", config.TaskPoll, "")
	assert.Nil(t, n.ModuleState())
	n.SetModuleState(42)
	assert.Equal(t, 42, n.ModuleState())
}

func TestNetSendLockedSerializes(t *testing.T) {
	n := netw.New("net0", stubProto{}, "udp", config.TaskPoll, "")
	calls := 0
	err := n.SendLocked(func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

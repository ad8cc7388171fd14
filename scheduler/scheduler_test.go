package scheduler_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/cometbft/sbn/bus"
	"github.com/cometbft/sbn/config"
	"github.com/cometbft/sbn/internal/log"
	"github.com/cometbft/sbn/internal/metrics"
	"github.com/cometbft/sbn/module"
	"github.com/cometbft/sbn/netw"
	"github.com/cometbft/sbn/peer"
	"github.com/cometbft/sbn/pipeline"
	"github.com/cometbft/sbn/sbntypes"
	"github.com/cometbft/sbn/scheduler"
	"github.com/cometbft/sbn/wire"
)

// fakeProto is a scripted module.ProtocolModule used to drive the scheduler
// without any real network I/O, mirroring pipeline's fakeProto test double.
type fakeProto struct {
	style       module.RecvStyle
	peerTimeout time.Duration
	unloadErr   error

	mu        sync.Mutex
	sent      [][]byte
	recvQueue [][]byte
	pollCount int32
}

func (f *fakeProto) InitModule(string, module.Outlet) error             { return nil }
func (f *fakeProto) InitNet(module.NetHandle) error                     { return nil }
func (f *fakeProto) LoadNet(module.NetHandle, string) error             { return nil }
func (f *fakeProto) UnloadNet(module.NetHandle) error                   { return f.unloadErr }
func (f *fakeProto) InitPeer(module.NetHandle, module.PeerHandle) error { return nil }
func (f *fakeProto) LoadPeer(module.NetHandle, module.PeerHandle, string) error {
	return nil
}
func (f *fakeProto) UnloadPeer(module.NetHandle, module.PeerHandle) error { return f.unloadErr }

func (f *fakeProto) Send(_ context.Context, _ module.PeerHandle, frame []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, append([]byte(nil), frame...))
	return len(frame), nil
}

func (f *fakeProto) Supports(module.NetHandle) module.RecvStyle { return f.style }

func (f *fakeProto) RecvFromNet(context.Context, module.NetHandle) (sbntypes.ProcessorID, []byte, error) {
	return 0, nil, nil
}

func (f *fakeProto) RecvFromPeer(context.Context, module.PeerHandle) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.recvQueue) == 0 {
		return nil, nil
	}
	frame := f.recvQueue[0]
	f.recvQueue = f.recvQueue[1:]
	return frame, nil
}

func (f *fakeProto) PollPeer(context.Context, module.PeerHandle) error {
	atomic.AddInt32(&f.pollCount, 1)
	return nil
}

func (f *fakeProto) Reliable() bool                   { return false }
func (f *fakeProto) HeartbeatInterval() time.Duration { return 0 }
func (f *fakeProto) PeerTimeout() time.Duration       { return f.peerTimeout }

func (f *fakeProto) sentFrames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.sent...)
}

func (f *fakeProto) polls() int32 { return atomic.LoadInt32(&f.pollCount) }

func appFrame(t *testing.T, processorID sbntypes.ProcessorID, payload []byte) []byte {
	t.Helper()
	buf := make([]byte, wire.HeaderLen+len(payload))
	n, err := wire.Pack(buf, wire.Header{MsgType: wire.MsgApp, ProcessorID: uint32(processorID)}, payload)
	require.NoError(t, err)
	return buf[:n]
}

func TestSchedulerTickPollsPeersAndDrivesPolledPipelines(t *testing.T) {
	localBus := bus.NewLocal()
	outPipe, err := localBus.CreatePipe("out", 8)
	require.NoError(t, err)
	require.NoError(t, localBus.SubscribeLocal(outPipe, 0x10, 0))
	require.NoError(t, localBus.Publish(bus.Msg{MID: 0x10, Payload: []byte("hi")}, 0))

	proto := &fakeProto{style: module.RecvStylePeer}
	net := netw.New("netA", proto, "fake", config.TaskPoll, "")
	p := peer.New(peer.Config{ProcessorID: 2, NetName: "netA", Protocol: "fake", MaxSubs: 4})
	net.AddPeer("2", p)
	p.OnConnected(time.Now())

	sender := pipeline.NewSender(log.NewNopLogger(), metrics.NewNop(), localBus, net, p, outPipe, 4)
	receiver := pipeline.NewReceiver(log.NewNopLogger(), metrics.NewNop(), localBus, net, "1.0.0", 4, 16, 4, nil)

	s := scheduler.New(log.NewNopLogger(), 5*time.Millisecond, []scheduler.NetTask{
		{Net: net, Peers: []scheduler.PeerTask{{Peer: p, Sender: sender}}, Receiver: receiver},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	_ = s.Run(ctx)

	assert.GreaterOrEqual(t, len(proto.sentFrames()), 1)
	assert.Greater(t, proto.polls(), int32(0))
}

func TestSchedulerDedicatedRecvOnlyProcessesQueuedFrame(t *testing.T) {
	localBus := bus.NewLocal()
	subPipe, err := localBus.CreatePipe("in", 8)
	require.NoError(t, err)
	require.NoError(t, localBus.SubscribeLocal(subPipe, 0x20, 0))

	proto := &fakeProto{style: module.RecvStylePeer}
	net := netw.New("netA", proto, "fake", config.TaskRecvOnly, "")
	p := peer.New(peer.Config{ProcessorID: 3, NetName: "netA", Protocol: "fake", MaxSubs: 4})
	net.AddPeer("3", p)
	p.OnConnected(time.Now())

	body := wire.PackAppMsg(wire.AppMsg{MID: 0x20, Payload: []byte("queued")})
	proto.recvQueue = [][]byte{appFrame(t, p.ID(), body)}

	outPipe, err := localBus.CreatePipe("out", 8)
	require.NoError(t, err)
	sender := pipeline.NewSender(log.NewNopLogger(), metrics.NewNop(), localBus, net, p, outPipe, 4)
	receiver := pipeline.NewReceiver(log.NewNopLogger(), metrics.NewNop(), localBus, net, "1.0.0", 4, 16, 4, nil)

	s := scheduler.New(log.NewNopLogger(), 5*time.Millisecond, []scheduler.NetTask{
		{Net: net, Peers: []scheduler.PeerTask{{Peer: p, Sender: sender}}, Receiver: receiver},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	msg, ok, err := localBus.Receive(context.Background(), subPipe, 500*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("queued"), msg.Payload)

	cancel()
	<-done
}

func TestSchedulerTickDisconnectsTimedOutPeer(t *testing.T) {
	localBus := bus.NewLocal()
	outPipe, err := localBus.CreatePipe("out", 8)
	require.NoError(t, err)

	proto := &fakeProto{style: module.RecvStylePeer, peerTimeout: time.Millisecond}
	net := netw.New("netA", proto, "fake", config.TaskPoll, "")
	p := peer.New(peer.Config{ProcessorID: 4, NetName: "netA", Protocol: "fake", MaxSubs: 4})
	net.AddPeer("4", p)
	p.OnConnected(time.Now().Add(-time.Hour))

	sender := pipeline.NewSender(log.NewNopLogger(), metrics.NewNop(), localBus, net, p, outPipe, 4)
	receiver := pipeline.NewReceiver(log.NewNopLogger(), metrics.NewNop(), localBus, net, "1.0.0", 4, 16, 4, nil)

	s := scheduler.New(log.NewNopLogger(), 5*time.Millisecond, []scheduler.NetTask{
		{Net: net, Peers: []scheduler.PeerTask{{Peer: p, Sender: sender}}, Receiver: receiver},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_ = s.Run(ctx)

	assert.Equal(t, peer.Disconnected, p.State())
}

func TestSchedulerShutdownAggregatesUnloadErrors(t *testing.T) {
	errA := errors.New("net a unload failed")
	errB := errors.New("net b unload failed")

	protoA := &fakeProto{style: module.RecvStylePeer, unloadErr: errA}
	netA := netw.New("netA", protoA, "fake", config.TaskPoll, "")
	pA := peer.New(peer.Config{ProcessorID: 5, NetName: "netA", Protocol: "fake", MaxSubs: 4})
	netA.AddPeer("5", pA)

	protoB := &fakeProto{style: module.RecvStylePeer, unloadErr: errB}
	netB := netw.New("netB", protoB, "fake", config.TaskPoll, "")
	pB := peer.New(peer.Config{ProcessorID: 6, NetName: "netB", Protocol: "fake", MaxSubs: 4})
	netB.AddPeer("6", pB)

	s := scheduler.New(log.NewNopLogger(), 0, []scheduler.NetTask{
		{Net: netA, Peers: []scheduler.PeerTask{{Peer: pA}}},
		{Net: netB, Peers: []scheduler.PeerTask{{Peer: pB}}},
	})

	err := s.Shutdown()
	require.Error(t, err)
	errs := multierr.Errors(err)
	assert.GreaterOrEqual(t, len(errs), 4) // UnloadPeer + UnloadNet, per net
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errB)
}

func TestRunStartupHandshakeReturnsImmediatelyWhenAlreadyRegistered(t *testing.T) {
	localBus := bus.NewLocal()
	subPipe, err := localBus.CreatePipe("subs", 4)
	require.NoError(t, err)
	localBus.RegisterSubscriptionPipe(subPipe)
	localBus.SimulateAppSubscribe(0x99, 0x01)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	report, err := scheduler.RunStartupHandshake(ctx, localBus, localBus, subPipe, 10*time.Millisecond, 5)
	require.NoError(t, err)
	assert.Equal(t, bus.ReportAllSubs, report.Kind)
}

func TestRunStartupHandshakeResendsUntilPipeRegistered(t *testing.T) {
	localBus := bus.NewLocal()
	subPipe, err := localBus.CreatePipe("subs", 4)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go func() {
		time.Sleep(50 * time.Millisecond)
		localBus.RegisterSubscriptionPipe(subPipe)
	}()

	report, err := scheduler.RunStartupHandshake(ctx, localBus, localBus, subPipe, 10*time.Millisecond, 2)
	require.NoError(t, err)
	assert.Equal(t, bus.ReportAllSubs, report.Kind)
}

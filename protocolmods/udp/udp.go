// Package udp implements SBN's UDP protocol module: one shared,
// unconnected socket per net, addressed peer-by-peer on send, and
// indiscriminate receive-from-any-peer on the net (spec.md §4.2).
//
// Grounded on original_source/modules/udp/fsw/src/sbn_udp_if.c
// (SBN_UDP_InitNet/SBN_UDP_Send/SBN_UDP_Recv): one socket bound per net,
// sendto() addressed per peer, and a comment explicitly noting recv is
// "indiscriminate ... packets will be received from all peers but that's
// ok" — the origin of this module's RecvStyleNet contract and the reason
// it reports Reliable() == true (UDP drops and
// reorders, so SBN's core reliability layer for it is exercised; see
// DESIGN.md "Open Question decisions").
package udp

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/cometbft/sbn/internal/log"
	"github.com/cometbft/sbn/internal/metrics"
	"github.com/cometbft/sbn/module"
	"github.com/cometbft/sbn/sbntypes"
)

// readPollInterval bounds how long a single ReadFromUDP call blocks before
// this module rechecks ctx, since net.PacketConn has no context-aware read.
const readPollInterval = 200 * time.Millisecond

// netState is the protocol module's private per-net blob (spec.md §6
// InitNet/LoadNet), stashed on the net handle via SetModuleState by the
// caller (netw.Net implements that storage; Module itself is stateless
// across nets so it can be the single shared instance spec.md §4.1
// requires).
type netState struct {
	conn *net.UDPConn
}

// peerState is the protocol module's private per-peer blob: the resolved
// remote address to sendto.
type peerState struct {
	addr *net.UDPAddr
}

type netHandle interface {
	module.NetHandle
	ModuleState() any
	SetModuleState(any)
}

type peerHandle interface {
	module.PeerHandle
	ModuleState() any
}

// Module is SBN's UDP protocol module. One instance is shared across every
// net and peer configured to use it (spec.md §4.1).
type Module struct {
	log     log.Logger
	metrics *metrics.Metrics
	outlet  module.Outlet

	heartbeatInterval time.Duration
	peerTimeout       time.Duration
}

func init() {
	module.RegisterProtocol("udp", func(d module.ProtocolDeps) module.ProtocolModule {
		return New(d.Log, d.Metrics, d.HeartbeatInterval, d.PeerTimeout)
	})
}

// New builds the UDP protocol module.
func New(l log.Logger, m *metrics.Metrics, heartbeatInterval, peerTimeout time.Duration) *Module {
	if l == nil {
		l = log.NewNopLogger()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &Module{log: l, metrics: m, heartbeatInterval: heartbeatInterval, peerTimeout: peerTimeout}
}

func (m *Module) InitModule(version string, outlet module.Outlet) error {
	m.outlet = outlet
	return nil
}

func (m *Module) netStateOf(net module.NetHandle) (*netState, error) {
	nh, ok := net.(netHandle)
	if !ok {
		return nil, errors.New("udp: net handle does not expose module state storage")
	}
	ns, _ := nh.ModuleState().(*netState)
	if ns == nil {
		return nil, errors.New("udp: net not loaded")
	}
	return ns, nil
}

// InitNet allocates the net's UDP socket placeholder; the real bind
// happens in LoadNet once the configured address string is known.
func (m *Module) InitNet(net module.NetHandle) error {
	nh, ok := net.(netHandle)
	if !ok {
		return errors.New("udp: net handle does not expose module state storage")
	}
	nh.SetModuleState(&netState{})
	return nil
}

// LoadNet parses "host:port" and binds the net's shared socket
// (original source: SBN_UDP_InitNet's socket()+bind()).
func (m *Module) LoadNet(net module.NetHandle, address string) error {
	ns, err := m.netStateOf(net)
	if err != nil {
		return err
	}
	addr, err := net_ResolveUDPAddr(address)
	if err != nil {
		return errors.Wrapf(err, "udp: resolving net address %q", address)
	}
	conn, err := net_ListenUDP(addr)
	if err != nil {
		return errors.Wrapf(err, "udp: binding %q", address)
	}
	ns.conn = conn
	return nil
}

func (m *Module) UnloadNet(net module.NetHandle) error {
	ns, err := m.netStateOf(net)
	if err != nil {
		return err
	}
	if ns.conn != nil {
		return ns.conn.Close()
	}
	return nil
}

// InitPeer/LoadPeer resolve the peer's "host:port" into a UDP address used
// on every Send (original source: SBN_UDP_LoadPeer).
func (m *Module) InitPeer(net module.NetHandle, peer module.PeerHandle) error {
	return nil
}

func (m *Module) LoadPeer(net module.NetHandle, peer module.PeerHandle, address string) error {
	ph, ok := peer.(interface{ SetModuleState(any) })
	if !ok {
		return errors.New("udp: peer handle does not expose module state storage")
	}
	addr, err := net_ResolveUDPAddr(address)
	if err != nil {
		return errors.Wrapf(err, "udp: resolving peer address %q", address)
	}
	ph.SetModuleState(&peerState{addr: addr})
	return nil
}

func (m *Module) UnloadPeer(module.NetHandle, module.PeerHandle) error { return nil }

// Send addresses frame to the peer's resolved UDP address over its net's
// shared socket (original source: SBN_UDP_Send's sendto()).
func (m *Module) Send(ctx context.Context, peer module.PeerHandle, frame []byte) (int, error) {
	ph, ok := peer.(peerHandle)
	if !ok {
		return 0, errors.New("udp: peer handle does not expose module state storage")
	}
	ps, _ := ph.ModuleState().(*peerState)
	if ps == nil || ps.addr == nil {
		return 0, errors.New("udp: peer not loaded")
	}

	netField, ok := peerNet(peer)
	if !ok {
		return 0, errors.New("udp: peer does not expose its net")
	}
	ns, err := m.netStateOf(netField)
	if err != nil {
		return 0, err
	}
	if ns.conn == nil {
		return 0, errors.New("udp: net socket not bound")
	}
	n, err := ns.conn.WriteToUDP(frame, ps.addr)
	if err != nil {
		m.metrics.PeerSendErr.WithLabelValues(netField.Name(), peer.ID().String()).Inc()
		return n, err
	}
	m.metrics.PeerSend.WithLabelValues(netField.Name(), peer.ID().String()).Inc()
	return n, nil
}

// peerNetter lets a peer report the net it belongs to, so Send can reach
// the net's shared socket without the caller threading it through
// explicitly. *peer.Peer satisfies this directly; netw.Net.AddPeer sets
// the net it reports.
type peerNetter interface {
	Net() module.NetHandle
}

func peerNet(peer module.PeerHandle) (module.NetHandle, bool) {
	pn, ok := peer.(peerNetter)
	if !ok {
		return nil, false
	}
	return pn.Net(), true
}

// Supports reports RecvStyleNet: UDP is a shared, unconnected socket per
// net, so frames from any peer on that net arrive on the same recv call
// (original source comment: "packets will be received from all peers but
// that's ok, I just inject them into the SB").
func (m *Module) Supports(module.NetHandle) module.RecvStyle { return module.RecvStyleNet }

// RecvFromNet blocks (up to readPollInterval at a time, rechecking ctx)
// until one datagram arrives on the net's shared socket. The returned
// ProcessorID is always 0; the caller resolves the sending peer from the
// wire header's ProcessorID field.
func (m *Module) RecvFromNet(ctx context.Context, net module.NetHandle) (sbntypes.ProcessorID, []byte, error) {
	ns, err := m.netStateOf(net)
	if err != nil {
		return 0, nil, err
	}
	if ns.conn == nil {
		return 0, nil, errors.New("udp: net socket not bound")
	}

	buf := make([]byte, 65507) // max UDP payload
	for {
		if err := ctx.Err(); err != nil {
			return 0, nil, err
		}
		_ = ns.conn.SetReadDeadline(time.Now().Add(readPollInterval))
		n, _, err := ns.conn.ReadFromUDP(buf)
		if err != nil {
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
				continue
			}
			return 0, nil, err
		}
		out := make([]byte, n)
		copy(out, buf[:n])
		// ProcessorID is unknown at the transport layer for UDP: the
		// core recovers it from the unpacked wire header, not from the
		// socket address (original source unpacks CpuID from the
		// payload, not the sockaddr).
		return 0, out, nil
	}
}

func (m *Module) RecvFromPeer(context.Context, module.PeerHandle) ([]byte, error) {
	return nil, errors.New("udp: RecvFromPeer not supported, Supports() reports RecvStyleNet")
}

// PollPeer does nothing: heartbeats are sent by the scheduler, and UDP has
// no connection state to maintain.
func (m *Module) PollPeer(ctx context.Context, peer module.PeerHandle) error {
	return nil
}

// Reliable reports true: UDP drops and reorders, so SBN's ACK/NACK/ring
// layer is needed here (spec.md §9 Open Question, resolved per-module).
func (m *Module) Reliable() bool { return true }

func (m *Module) HeartbeatInterval() time.Duration { return m.heartbeatInterval }
func (m *Module) PeerTimeout() time.Duration       { return m.peerTimeout }

// net_ResolveUDPAddr and net_ListenUDP are thin indirections over the
// standard library kept as package-level vars so tests can stub the
// network boundary without a real socket.
var (
	net_ResolveUDPAddr = func(address string) (*net.UDPAddr, error) {
		return net.ResolveUDPAddr("udp", address)
	}
	net_ListenUDP = func(addr *net.UDPAddr) (*net.UDPConn, error) {
		return net.ListenUDP("udp", addr)
	}
)

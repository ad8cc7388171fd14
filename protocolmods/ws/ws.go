// Package ws implements an SBN protocol module over WebSocket: one
// connection per peer, the higher-ProcessorID side dials out and the
// lower-ProcessorID side accepts (spec.md §4.2).
//
// The original source has no WebSocket-carrying module; this module is
// grounded on the *shape* of original_source/modules/serial/fsw/src/serial_sbn_if.c
// (another connection-oriented, recv-from-peer module, here generalized to a
// second concrete transport) and on protocolmods/tcp's dial/listen and
// host-matching approach, since both are connection-per-peer transports.
// WebSocket already frames and orders messages, so like tcp this module
// reports Reliable() == false.
package ws

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/cometbft/sbn/internal/log"
	"github.com/cometbft/sbn/internal/metrics"
	"github.com/cometbft/sbn/internal/sbnsync"
	"github.com/cometbft/sbn/module"
	"github.com/cometbft/sbn/sbntypes"
)

const connectTimeout = 3 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type netState struct {
	mu          sbnsync.Mutex
	server      *http.Server
	listener    net.Listener
	listenPeers map[string]*peerState // host (no port) -> awaiting-inbound peer
}

type peerState struct {
	mu         sbnsync.Mutex
	host       string
	url        string
	connectOut bool
	conn       *websocket.Conn
	backOff    backoff.BackOff
	nextRetry  time.Time
}

type netHandle interface {
	module.NetHandle
	ModuleState() any
	SetModuleState(any)
}

type peerHandle interface {
	module.PeerHandle
	ModuleState() any
	SetModuleState(any)
}

type peerNetter interface {
	Net() module.NetHandle
}

// Module is SBN's WebSocket protocol module, shared across every net/peer
// configured to use it.
type Module struct {
	log     log.Logger
	metrics *metrics.Metrics
	outlet  module.Outlet
	localID sbntypes.ProcessorID

	heartbeatInterval time.Duration
	peerTimeout       time.Duration
}

func init() {
	module.RegisterProtocol("ws", func(d module.ProtocolDeps) module.ProtocolModule {
		return New(d.LocalID, d.Log, d.Metrics, d.HeartbeatInterval, d.PeerTimeout)
	})
}

// New builds the WebSocket protocol module. localID decides dial-vs-accept
// per peer, the same as protocolmods/tcp.
func New(localID sbntypes.ProcessorID, l log.Logger, m *metrics.Metrics, heartbeatInterval, peerTimeout time.Duration) *Module {
	if l == nil {
		l = log.NewNopLogger()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &Module{localID: localID, log: l, metrics: m, heartbeatInterval: heartbeatInterval, peerTimeout: peerTimeout}
}

func (m *Module) InitModule(version string, outlet module.Outlet) error {
	m.outlet = outlet
	return nil
}

func netStateOf(n module.NetHandle) (*netState, error) {
	nh, ok := n.(netHandle)
	if !ok {
		return nil, errors.New("ws: net handle does not expose module state storage")
	}
	ns, _ := nh.ModuleState().(*netState)
	if ns == nil {
		return nil, errors.New("ws: net not loaded")
	}
	return ns, nil
}

func peerStateOf(p module.PeerHandle) (*peerState, error) {
	ph, ok := p.(peerHandle)
	if !ok {
		return nil, errors.New("ws: peer handle does not expose module state storage")
	}
	ps, _ := ph.ModuleState().(*peerState)
	if ps == nil {
		return nil, errors.New("ws: peer not loaded")
	}
	return ps, nil
}

func (m *Module) InitNet(net module.NetHandle) error {
	nh, ok := net.(netHandle)
	if !ok {
		return errors.New("ws: net handle does not expose module state storage")
	}
	nh.SetModuleState(&netState{listenPeers: make(map[string]*peerState)})
	return nil
}

// LoadNet starts an HTTP server upgrading every inbound request on "/" to a
// WebSocket, matching the resulting connection to a configured listen-side
// peer by remote host, the same simplified approach protocolmods/tcp uses.
func (m *Module) LoadNet(netH module.NetHandle, address string) error {
	ns, err := netStateOf(netH)
	if err != nil {
		return err
	}
	listener, err := netListen(address)
	if err != nil {
		return errors.Wrapf(err, "ws: listening on %q", address)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			m.log.Error("ws: upgrade failed", "err", err)
			return
		}
		host, _, _ := net.SplitHostPort(r.RemoteAddr)
		ns.mu.Lock()
		ps := ns.listenPeers[host]
		ns.mu.Unlock()
		if ps == nil {
			m.log.Error("ws: inbound connection from unconfigured host", "host", host)
			conn.Close()
			return
		}
		ps.mu.Lock()
		if ps.conn != nil {
			ps.conn.Close()
		}
		ps.conn = conn
		ps.mu.Unlock()
	})
	server := &http.Server{Handler: mux}

	ns.mu.Lock()
	ns.server = server
	ns.listener = listener
	ns.mu.Unlock()

	go server.Serve(listener)
	return nil
}

func (m *Module) UnloadNet(net module.NetHandle) error {
	ns, err := netStateOf(net)
	if err != nil {
		return err
	}
	ns.mu.Lock()
	defer ns.mu.Unlock()
	if ns.server != nil {
		return ns.server.Close()
	}
	return nil
}

func (m *Module) InitPeer(net module.NetHandle, peer module.PeerHandle) error { return nil }

// LoadPeer parses the peer's address (host:port, the WebSocket path is
// fixed at "/") and decides dial-vs-accept the same way protocolmods/tcp
// does: the higher ProcessorID dials out.
func (m *Module) LoadPeer(net module.NetHandle, peer module.PeerHandle, address string) error {
	ns, err := netStateOf(net)
	if err != nil {
		return err
	}
	ph, ok := peer.(peerHandle)
	if !ok {
		return errors.New("ws: peer handle does not expose module state storage")
	}
	host, _, err := netSplitHostPort(address)
	if err != nil {
		return errors.Wrapf(err, "ws: parsing peer address %q", address)
	}
	ps := &peerState{
		host:       host,
		url:        "ws://" + address + "/",
		connectOut: m.localID > peer.ID(),
		backOff:    newBackOff(),
	}
	ph.SetModuleState(ps)
	if !ps.connectOut {
		ns.mu.Lock()
		ns.listenPeers[host] = ps
		ns.mu.Unlock()
	}
	return nil
}

func (m *Module) UnloadPeer(_ module.NetHandle, peer module.PeerHandle) error {
	ps, err := peerStateOf(peer)
	if err != nil {
		return nil
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.conn != nil {
		err := ps.conn.Close()
		ps.conn = nil
		return err
	}
	return nil
}

// Send writes frame as one binary WebSocket message, failing silently
// (0, nil) when not yet connected, mirroring protocolmods/tcp's Send.
func (m *Module) Send(ctx context.Context, peer module.PeerHandle, frame []byte) (int, error) {
	ps, err := peerStateOf(peer)
	if err != nil {
		return 0, err
	}
	ps.mu.Lock()
	conn := ps.conn
	ps.mu.Unlock()
	if conn == nil {
		return 0, nil
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		m.metrics.PeerSendErr.WithLabelValues(peerNetName(peer), peer.ID().String()).Inc()
		ps.mu.Lock()
		if ps.conn == conn {
			ps.conn = nil
		}
		ps.mu.Unlock()
		if m.outlet != nil {
			m.outlet.Disconnected(peer)
		}
		return 0, err
	}
	m.metrics.PeerSend.WithLabelValues(peerNetName(peer), peer.ID().String()).Inc()
	return len(frame), nil
}

func peerNetName(peer module.PeerHandle) string {
	pn, ok := peer.(peerNetter)
	if !ok || pn.Net() == nil {
		return ""
	}
	return pn.Net().Name()
}

// Supports reports RecvStylePeer: every peer has its own dedicated
// WebSocket connection.
func (m *Module) Supports(module.NetHandle) module.RecvStyle { return module.RecvStylePeer }

func (m *Module) RecvFromNet(context.Context, module.NetHandle) (sbntypes.ProcessorID, []byte, error) {
	return 0, nil, errors.New("ws: RecvFromNet not supported, Supports() reports RecvStylePeer")
}

// RecvFromPeer blocks for one binary WebSocket message from the peer's
// connection, or until ctx's deadline (if any) elapses.
func (m *Module) RecvFromPeer(ctx context.Context, peer module.PeerHandle) ([]byte, error) {
	ps, err := peerStateOf(peer)
	if err != nil {
		return nil, err
	}
	ps.mu.Lock()
	conn := ps.conn
	ps.mu.Unlock()
	if conn == nil {
		return nil, nil
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	} else {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	}

	msgType, frame, err := conn.ReadMessage()
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, nil
		}
		m.disconnect(peer, ps, conn)
		return nil, err
	}
	if msgType != websocket.BinaryMessage {
		return nil, nil
	}
	m.metrics.PeerRecv.WithLabelValues(peerNetName(peer), peer.ID().String()).Inc()
	return frame, nil
}

func (m *Module) disconnect(peer module.PeerHandle, ps *peerState, conn *websocket.Conn) {
	ps.mu.Lock()
	if ps.conn == conn {
		ps.conn = nil
	}
	ps.mu.Unlock()
	conn.Close()
	if m.outlet != nil {
		m.outlet.Disconnected(peer)
	}
}

// PollPeer drives the connect-out retry loop, the same exponential-backoff
// shape protocolmods/tcp uses.
func (m *Module) PollPeer(ctx context.Context, peer module.PeerHandle) error {
	ps, err := peerStateOf(peer)
	if err != nil {
		return err
	}
	ps.mu.Lock()
	connected := ps.conn != nil
	connectOut := ps.connectOut
	due := time.Now().After(ps.nextRetry)
	url := ps.url
	ps.mu.Unlock()

	if connected || !connectOut || !due {
		return nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	dialer := websocket.Dialer{HandshakeTimeout: connectTimeout}
	conn, _, err := dialer.DialContext(dialCtx, url, nil)

	ps.mu.Lock()
	defer ps.mu.Unlock()
	if err != nil {
		ps.nextRetry = time.Now().Add(ps.backOff.NextBackOff())
		return nil
	}
	ps.conn = conn
	ps.backOff.Reset()
	if m.outlet != nil {
		m.outlet.Connected(peer)
	}
	return nil
}

// Reliable reports false: WebSocket frames are already ordered and
// delivered reliably by the underlying TCP connection.
func (m *Module) Reliable() bool { return false }

func (m *Module) HeartbeatInterval() time.Duration { return m.heartbeatInterval }
func (m *Module) PeerTimeout() time.Duration       { return m.peerTimeout }

func newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// netSplitHostPort and netListen are thin indirections over the standard
// library, kept as vars so tests can stub the network boundary.
var (
	netSplitHostPort = net.SplitHostPort
	netListen        = func(address string) (net.Listener, error) {
		return net.Listen("tcp", address)
	}
)

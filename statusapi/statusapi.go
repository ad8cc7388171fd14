// Package statusapi exposes the read-only HTTP telemetry surface of
// spec.md §6 ("the core MUST expose readable counters ... per peer"): a
// JSON snapshot of every configured net/peer plus the Prometheus
// /metrics endpoint. Grounded on linkerd2's pkg/admin package (a single
// http.Handler multiplexing by URL path, constructing *http.Server with an
// explicit ReadHeaderTimeout rather than leaving it at the zero-value
// default), with CORS added via rs/cors the way the teacher's other
// HTTP-facing components expect a browser-based status page to reach this
// endpoint from a different origin.
package statusapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/cometbft/sbn/internal/log"
	"github.com/cometbft/sbn/netw"
	"github.com/cometbft/sbn/peer"
)

// PeerStatus is one peer's JSON status snapshot.
type PeerStatus struct {
	Net          string `json:"net"`
	ProcessorID  uint32 `json:"processor_id"`
	SpacecraftID uint32 `json:"spacecraft_id"`
	Protocol     string `json:"protocol"`
	State        string `json:"state"`
	Reliable     bool   `json:"reliable"`
	SubCount     int    `json:"sub_count"`
}

// NetStatus is one net's JSON status snapshot.
type NetStatus struct {
	Name      string       `json:"name"`
	Protocol  string       `json:"protocol"`
	TaskFlags int          `json:"task_flags"`
	Peers     []PeerStatus `json:"peers"`
}

// Snapshotter is the narrow view statusapi needs over the app's configured
// nets, kept separate from *netw.Net/*peer.Peer so the handler can be unit
// tested against a fixed in-memory snapshot instead of a live app.
type Snapshotter interface {
	Snapshot() []NetStatus
}

// NetsSnapshotter adapts a plain []*netw.Net slice to Snapshotter, reading
// live peer state on every call.
type NetsSnapshotter []*netw.Net

// Snapshot implements Snapshotter.
func (ns NetsSnapshotter) Snapshot() []NetStatus {
	out := make([]NetStatus, 0, len(ns))
	for _, n := range ns {
		peers := n.Peers()
		ps := make([]PeerStatus, 0, len(peers))
		for _, p := range peers {
			ps = append(ps, PeerStatus{
				Net:          n.Name(),
				ProcessorID:  uint32(p.ID()),
				SpacecraftID: uint32(p.SpacecraftID()),
				Protocol:     p.Protocol(),
				State:        stateString(p.State()),
				Reliable:     p.Reliable(),
				SubCount:     p.Subs.Len(),
			})
		}
		out = append(out, NetStatus{
			Name:      n.Name(),
			Protocol:  n.ProtocolName(),
			TaskFlags: int(n.TaskFlags()),
			Peers:     ps,
		})
	}
	return out
}

func stateString(s peer.State) string { return s.String() }

// handler multiplexes the status/metrics endpoints by URL path, the same
// shape linkerd2's pkg/admin.handler uses.
type handler struct {
	log   log.Logger
	nets  Snapshotter
	promH http.Handler
}

// NewServer returns an *http.Server serving /status/nets, /status/peers,
// and /metrics on addr, wrapped with permissive CORS so a browser-based
// status page on a different origin can poll it.
func NewServer(addr string, l log.Logger, nets Snapshotter, reg *prometheus.Registry) *http.Server {
	h := &handler{
		log:   l,
		nets:  nets,
		promH: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}
	wrapped := cors.New(cors.Options{
		AllowedMethods: []string{http.MethodGet},
	}).Handler(h)
	return &http.Server{
		Addr:              addr,
		Handler:           wrapped,
		ReadHeaderTimeout: 15 * time.Second,
	}
}

func (h *handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	switch req.URL.Path {
	case "/metrics":
		h.promH.ServeHTTP(w, req)
	case "/status/nets":
		h.writeJSON(w, h.nets.Snapshot())
	case "/status/peers":
		h.writeJSON(w, flattenPeers(h.nets.Snapshot()))
	default:
		http.NotFound(w, req)
	}
}

func flattenPeers(nets []NetStatus) []PeerStatus {
	out := make([]PeerStatus, 0)
	for _, n := range nets {
		out = append(out, n.Peers...)
	}
	return out
}

func (h *handler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("statusapi: encode response failed", "err", err)
	}
}

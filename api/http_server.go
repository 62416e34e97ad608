package api

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"time"

	"salmontunnel/config"
	"salmontunnel/status"
)

// Server is a small HTTP API server that serves info about the tunnel.
// Construct with NewServer(cfg, monitor, listenAddr)
type Server struct {
	cfg        config.TunnelConfig
	monitor    *status.TunnelMonitor
	listenAddr string
	httpSrv    *http.Server
	ln         net.Listener
}

// NewServer creates a new API server instance.
func NewServer(cfg config.TunnelConfig, m *status.TunnelMonitor, listenAddr string) *Server {
	return &Server{cfg: cfg, monitor: m, listenAddr: listenAddr}
}

// Start begins listening and serving. It returns after the server has started or an error.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/status", s.handleStatus)
	mux.HandleFunc("/api/v1/tunnel", s.handleTunnel)

	h := &http.Server{
		Addr:    s.listenAddr,
		Handler: mux,
	}
	s.httpSrv = h

	ln, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return err
	}
	s.ln = ln

	go func() {
		if err := h.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("api: http server error: %v", err)
		}
	}()

	return nil
}

// Addr is the bound address once Start has returned.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Stop attempts a graceful shutdown with a 5s timeout.
func (s *Server) Stop() error {
	if s.httpSrv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(ctx)
}

// statusDTO is the JSON shape of /api/v1/status
type statusDTO struct {
	Name string `json:"name"`
	Role string `json:"role"`
	status.Snapshot
	MaxRateBitsPerSec    int64 `json:"maxRateBitsPerSec"` // -1 when unlimited
	ActiveRateBitsPerSec int64 `json:"activeRateBitsPerSec"`
}

// tunnelDTO is the JSON shape of /api/v1/tunnel
type tunnelDTO struct {
	Name             string `json:"name"`
	Role             string `json:"role"`
	TCPPort          int    `json:"tcpPort"`
	UDPPort          int    `json:"udpPort"`
	SecondaryUDPPort int    `json:"secondaryUdpPort"`
	RemoteAddress    string `json:"remoteAddress,omitempty"`
	UDPPeer          string `json:"udpPeer,omitempty"`
	InterfaceName    string `json:"interfaceName,omitempty"`
	BandwidthLimit   int64  `json:"bandwidthLimit"`
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		log.Printf("api: encode error: %v", err)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	dto := statusDTO{
		Name:              s.cfg.Name,
		Role:              s.cfg.Role.String(),
		Snapshot:          s.monitor.Snapshot(),
		MaxRateBitsPerSec: -1,
	}
	if l := s.monitor.Limiter(); l != nil {
		if rate := l.MaxRate(); rate > 0 {
			dto.MaxRateBitsPerSec = rate * 8
		}
		dto.ActiveRateBitsPerSec = l.ActiveRate() * 8
	}
	writeJSON(w, dto)
}

func (s *Server) handleTunnel(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, tunnelDTO{
		Name:             s.cfg.Name,
		Role:             s.cfg.Role.String(),
		TCPPort:          s.cfg.TCPPort,
		UDPPort:          s.cfg.UDPPort,
		SecondaryUDPPort: s.cfg.SecondaryUDPPort,
		RemoteAddress:    s.cfg.RemoteAddress,
		UDPPeer:          s.cfg.UDPPeer,
		InterfaceName:    s.cfg.InterfaceName,
		BandwidthLimit:   int64(s.cfg.BandwidthLimit),
	})
}

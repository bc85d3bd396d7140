package telemetry

import (
	"crypto/tls"
	"encoding/json"
	"net"
	"net/http"
	"time"

	http3 "github.com/quic-go/quic-go/http3"

	"github.com/quantum-os/qcore/internal/qmm"
	"github.com/quantum-os/qcore/internal/sched"
)

// Source supplies the statistics snapshots the server publishes. The
// kernel instance implements it.
type Source interface {
	MemoryStats() qmm.Statistics
	SchedulerStats() sched.Stats
	MemoryMap() string
}

// snapshot is the wire form of /stats.
type snapshot struct {
	Memory    qmm.Statistics `json:"memory"`
	Scheduler sched.Stats    `json:"scheduler"`
	Timestamp time.Time      `json:"timestamp"`
}

// StatsServer publishes kernel statistics over HTTP/3.
type StatsServer struct {
	srv   *http3.Server
	pc    net.PacketConn
	addr  string
	close func() error
}

// NewStatsServer builds a server bound to addr serving /stats (JSON),
// /memmap (plain text), and /healthz.
func NewStatsServer(addr string, tlsCfg *tls.Config, src Source) *StatsServer {
	mux := http.NewServeMux()
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		snap := snapshot{
			Memory:    src.MemoryStats(),
			Scheduler: src.SchedulerStats(),
			Timestamp: time.Now().UTC(),
		}
		if err := json.NewEncoder(w).Encode(snap); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	mux.HandleFunc("/memmap", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(src.MemoryMap()))
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	return &StatsServer{
		srv:  &http3.Server{Addr: addr, TLSConfig: tlsCfg, Handler: mux},
		addr: addr,
	}
}

// Start binds the UDP socket and serves in the background. It returns the
// actual bound address, which matters when addr requested port 0.
func (s *StatsServer) Start() (string, error) {
	var err error
	s.pc, err = net.ListenPacket("udp", s.addr)
	if err != nil {
		return "", err
	}
	realAddr := s.pc.LocalAddr().String()

	done := make(chan struct{})
	go func() {
		_ = s.srv.Serve(s.pc)
		close(done)
	}()
	s.close = func() error {
		_ = s.pc.Close()
		select {
		case <-done:
		case <-time.After(time.Second):
		}
		return nil
	}
	return realAddr, nil
}

// Stop closes the socket and waits briefly for the serve loop to exit.
func (s *StatsServer) Stop() error {
	if s.close != nil {
		return s.close()
	}
	return nil
}

// Client returns an HTTP/3 client for querying a stats server.
func Client(tlsCfg *tls.Config, timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &http3.Transport{TLSClientConfig: tlsCfg},
		Timeout:   timeout,
	}
}

// CloseClient shuts down the client's HTTP/3 transport.
func CloseClient(c *http.Client) {
	if tr, ok := c.Transport.(*http3.Transport); ok {
		_ = tr.Close()
	}
}

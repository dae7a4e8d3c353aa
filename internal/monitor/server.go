package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/1ureka/walkie/internal/util"
)

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

var log = util.Prefixed("monitor")

// Server serves the monitor endpoints:
//
//	/ws        websocket feed of Events
//	/stations  JSON snapshot of every channel
//	/metrics   Prometheus metrics from the given gatherer
type Server struct {
	hub      *Hub
	listener net.Listener
	srv      *http.Server
	quit     chan struct{}
	once     sync.Once
}

func NewServer(hub *Hub, gatherer prometheus.Gatherer) *Server {
	s := &Server{hub: hub, quit: make(chan struct{})}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/stations", s.handleStations)
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	s.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	return s
}

// Start listens on addr and serves in the background. It returns the bound
// address.
func (s *Server) Start(addr string) (string, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("failed to start monitor: %w", err)
	}
	s.listener = listener

	go func() {
		if err := s.srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("serve: %v", err)
		}
	}()
	return listener.Addr().String(), nil
}

// Shutdown stops accepting requests and closes open websocket feeds.
func (s *Server) Shutdown(ctx context.Context) error {
	s.once.Do(func() { close(s.quit) })
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleStations(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.hub.Snapshot()); err != nil {
		log.Debug("encode snapshot: %v", err)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	log.Debug("feed opened by %s", r.RemoteAddr)

	feed := s.hub.Subscribe()
	closed := make(chan struct{})

	// Drain the client side so close frames are seen.
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	defer func() {
		s.hub.Unsubscribe(feed)
		conn.Close()
		log.Debug("feed closed for %s", r.RemoteAddr)
	}()

	for {
		select {
		case ev, ok := <-feed:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too slow"),
					time.Now().Add(writeWait))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-closed:
			return
		case <-s.quit:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

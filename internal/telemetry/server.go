// Package telemetry broadcasts motor feedback and supervisor rate
// snapshots to WebSocket clients, independent of internal/motorbus so
// the control library itself carries no server dependency.
package telemetry

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/robstride-dev/robstride-go/internal/canframe"
)

// Source is the subset of Supervisor the telemetry server reads from.
// It is expressed over canframe.MotorFeedback rather than importing
// internal/motorbus directly, so the wire-level feedback type is the only
// coupling between the two packages.
type Source interface {
	GetLatestFeedback() map[uint8]canframe.MotorFeedback
	GetActualUpdateRate() float64
	GetCommandCounters() (total, failed map[uint8]uint64)
}

// Frame is the JSON structure sent to every connected client.
type Frame struct {
	Feedback       map[uint8]canframe.MotorFeedback `json:"feedback"`
	UpdateHz       float64                          `json:"updateHz"`
	TotalCommands  map[uint8]uint64                 `json:"totalCommands"`
	FailedCommands map[uint8]uint64                 `json:"failedCommands"`
	Stamp          int64                             `json:"stamp"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Server serves a WebSocket feed of periodic Frame snapshots plus a
// config read/update endpoint, grounded on goefidash's dashboard server.
type Server struct {
	source Source
	period time.Duration

	clients   map[*client]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader

	configGet    func() ([]byte, error)
	configUpdate func([]byte) error
}

// New builds a Server that polls source every period and fans snapshots
// out to connected clients. configGet/configUpdate back the /api/config
// endpoint; either may be nil to disable that direction.
func New(source Source, period time.Duration, configGet func() ([]byte, error), configUpdate func([]byte) error) *Server {
	return &Server{
		source:  source,
		period:  period,
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		configGet:    configGet,
		configUpdate: configUpdate,
	}
}

// Run starts the HTTP server and broadcast loop, blocking until ctx is
// cancelled or ListenAndServe returns an error.
func (s *Server) Run(ctx context.Context, listenAddr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/config", s.handleConfig)

	go s.broadcastLoop(ctx)

	srv := &http.Server{Addr: listenAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Printf("[telemetry] listening on %s", listenAddr)
	return srv.ListenAndServe()
}

func (s *Server) broadcastLoop(ctx context.Context) {
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.broadcast(s.snapshot())
		}
	}
}

func (s *Server) snapshot() Frame {
	total, failed := s.source.GetCommandCounters()
	return Frame{
		Feedback:       s.source.GetLatestFeedback(),
		UpdateHz:       s.source.GetActualUpdateRate(),
		TotalCommands:  total,
		FailedCommands: failed,
		Stamp:          time.Now().UnixMilli(),
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[telemetry] ws upgrade error: %v", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, 64)}

	s.clientsMu.Lock()
	s.clients[c] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()
	log.Printf("[telemetry] client connected (%d total)", n)

	if data, err := json.Marshal(s.snapshot()); err == nil {
		c.send <- data
	}

	go func() {
		defer conn.Close()
		for msg := range c.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, c)
			n := len(s.clients)
			s.clientsMu.Unlock()
			close(c.send)
			log.Printf("[telemetry] client disconnected (%d total)", n)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if s.configGet == nil {
			http.Error(w, "config unavailable", http.StatusNotImplemented)
			return
		}
		data, err := s.configGet()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		if s.configUpdate == nil {
			http.Error(w, "config read-only", http.StatusNotImplemented)
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if err := s.configUpdate(body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for c := range s.clients {
		select {
		case c.send <- data:
		default:
		}
	}
}

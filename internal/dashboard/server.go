// Package dashboard serves the live web view: one embedded HTML page, a JSON
// state endpoint and a push-only websocket feed. The engine pushes state
// snapshots and trade events; clients never send anything back.
package dashboard

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Local operator tool, any origin may connect.
		return true
	},
}

// Event is the wire frame pushed over the websocket.
type Event struct {
	Type string      `json:"type"` // "state" or "trade"
	At   time.Time   `json:"at"`
	Data interface{} `json:"data"`
}

// Server owns the HTTP listener and the websocket client set.
type Server struct {
	srv  *http.Server
	addr string

	mu   sync.RWMutex
	last []byte // latest state snapshot, raw JSON

	clients    map[*client]bool
	register   chan *client
	unregister chan *client
	broadcast  chan []byte
	stopCh     chan struct{}
	done       chan struct{}
}

// New builds a server bound to the given port.
func New(port int) *Server {
	s := &Server{
		addr:       fmt.Sprintf(":%d", port),
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, 256),
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/state", s.handleState)
	mux.HandleFunc("/ws", s.handleWS)

	s.srv = &http.Server{
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start binds the listener and runs the hub. Non-blocking.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("dashboard listen on %s: %w", s.addr, err)
	}
	s.addr = ln.Addr().String()

	go s.run()
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Dashboard server error")
		}
	}()

	log.Info().Str("addr", s.addr).Msg("📊 Dashboard listening")
	return nil
}

// Stop closes the listener and disconnects every client.
func (s *Server) Stop() {
	close(s.stopCh)
	s.srv.Close()
	<-s.done
}

// Addr returns the bound address, useful when the port was 0.
func (s *Server) Addr() string { return s.addr }

// PushState stores the snapshot for /state and fans it out to clients.
func (s *Server) PushState(v interface{}) {
	raw, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("Dashboard state marshal failed")
		return
	}
	s.mu.Lock()
	s.last = raw
	s.mu.Unlock()

	s.push(Event{Type: "state", At: time.Now().UTC(), Data: json.RawMessage(raw)})
}

// PushTrade fans out a trade notification without touching the stored state.
func (s *Server) PushTrade(v interface{}) {
	s.push(Event{Type: "trade", At: time.Now().UTC(), Data: v})
}

// PushTick fans out a lightweight price tick for the live chart.
func (s *Server) PushTick(v interface{}) {
	s.push(Event{Type: "tick", At: time.Now().UTC(), Data: v})
}

func (s *Server) push(evt Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		log.Error().Err(err).Msg("Dashboard event marshal failed")
		return
	}
	select {
	case s.broadcast <- data:
	default:
		log.Warn().Msg("Dashboard broadcast channel full, dropping event")
	}
}

// run is the hub loop: registrations, departures and fan-out.
func (s *Server) run() {
	for {
		select {
		case c := <-s.register:
			s.clients[c] = true
			log.Debug().Int("count", len(s.clients)).Msg("Dashboard client connected")

		case c := <-s.unregister:
			if _, ok := s.clients[c]; ok {
				delete(s.clients, c)
				close(c.send)
			}
			log.Debug().Int("count", len(s.clients)).Msg("Dashboard client disconnected")

		case message := <-s.broadcast:
			for c := range s.clients {
				select {
				case c.send <- message:
				default:
					// Client can't keep up, drop it.
					close(c.send)
					delete(s.clients, c)
				}
			}

		case <-s.stopCh:
			for c := range s.clients {
				close(c.send)
			}
			s.clients = make(map[*client]bool)
			close(s.done)
			return
		}
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, indexHTML)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	raw := s.last
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	if len(raw) == 0 {
		w.Write([]byte("{}"))
		return
	}
	w.Write(raw)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Dashboard websocket upgrade failed")
		return
	}

	c := newClient(s, conn)

	// New clients get the current state right away.
	s.mu.RLock()
	raw := s.last
	s.mu.RUnlock()
	if len(raw) > 0 {
		data, err := json.Marshal(Event{Type: "state", At: time.Now().UTC(), Data: json.RawMessage(raw)})
		if err == nil {
			select {
			case c.send <- data:
			default:
			}
		}
	}
}

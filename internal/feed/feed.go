// Package feed publishes decoded telemetry to external consumers
// (dashboards, data loggers, autotune tools) over a websocket, plus a
// small JSON status endpoint. The feed is strictly one-way: consumers
// receive snapshots, they do not issue commands.
package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/openefi/megalink/internal/session"
	"github.com/openefi/megalink/internal/telemetry"
)

// Frame is the JSON structure sent to every websocket client.
type Frame struct {
	Values map[string]float64 `json:"values"`
	Stamp  int64              `json:"stamp"` // Unix ms
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Feed broadcasts snapshots to its connected clients.
type Feed struct {
	sess *session.Session
	log  zerolog.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}

	upgrader websocket.Upgrader
}

// New builds a feed over the session. Wire it up with
// sess.Subscribe(f.Publish).
func New(sess *session.Session, log zerolog.Logger) *Feed {
	return &Feed{
		sess:    sess,
		log:     log.With().Str("component", "feed").Logger(),
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Run serves /ws and /api/status on addr until ctx is canceled.
func (f *Feed) Run(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", f.handleWS)
	mux.HandleFunc("/api/status", f.handleStatus)

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	f.log.Info().Str("addr", addr).Msg("feed listening")
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Publish fans one snapshot out to every client. Clients that cannot
// keep up miss frames rather than stalling the stream.
func (f *Feed) Publish(snap telemetry.Snapshot) {
	data, err := json.Marshal(Frame{Values: snap.Values, Stamp: snap.At.UnixMilli()})
	if err != nil {
		return
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	for c := range f.clients {
		select {
		case c.send <- data:
		default:
			// Client too slow, skip.
		}
	}
}

func (f *Feed) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &client{conn: conn, send: make(chan []byte, 64)}
	f.mu.Lock()
	f.clients[c] = struct{}{}
	total := len(f.clients)
	f.mu.Unlock()
	f.log.Info().Int("clients", total).Msg("client connected")

	// Writer.
	go func() {
		defer conn.Close()
		for msg := range c.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}()

	// Reader, for close detection and keep-alives.
	go func() {
		defer func() {
			f.mu.Lock()
			delete(f.clients, c)
			total := len(f.clients)
			f.mu.Unlock()
			close(c.send)
			f.log.Info().Int("clients", total).Msg("client disconnected")
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

type statusReply struct {
	State      string `json:"state"`
	Signature  string `json:"signature,omitempty"`
	Definition string `json:"definition,omitempty"`
	DirtyBytes int    `json:"dirtyBytes"`
	Clients    int    `json:"clients"`
}

func (f *Feed) handleStatus(w http.ResponseWriter, r *http.Request) {
	reply := statusReply{
		State:      f.sess.State().String(),
		Signature:  f.sess.Signature(),
		DirtyBytes: f.sess.DirtyCount(),
	}
	if def := f.sess.Definition(); def != nil {
		reply.Definition = def.Signature
	}
	f.mu.RLock()
	reply.Clients = len(f.clients)
	f.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(reply)
}

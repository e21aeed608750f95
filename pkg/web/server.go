// Package web provides the HTTP status server of the heater controller.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/itohio/heatctl/pkg/pid"
	"github.com/itohio/heatctl/pkg/status"
)

const (
	writeWait = 5 * time.Second
	wsBuffer  = 8
)

// Controller is the part of the controller the server drives.
type Controller interface {
	MarkLogBoundary()
	Parameters() (pid.Gains, float64)
	SetParameters(gains pid.Gains, maxPWM float64) error
}

// Server serves controller status over HTTP and WebSocket.
type Server struct {
	httpServer *http.Server
	upgrader   websocket.Upgrader
	tracker    *status.Tracker
	ctl        Controller
	log        *logrus.Logger

	quit     chan struct{}
	quitOnce sync.Once
}

// New creates a Server reading state from tracker and forwarding commands to ctl.
func New(addr string, tracker *status.Tracker, ctl Controller, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Server{
		tracker: tracker,
		ctl:     ctl,
		log:     logger,
		quit:    make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /status.json", s.handleStatus)
	mux.HandleFunc("GET /faults.json", s.handleFaults)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("POST /log-boundary", s.handleLogBoundary)
	mux.HandleFunc("GET /parameters", s.handleGetParameters)
	mux.HandleFunc("PUT /parameters", s.handleSetParameters)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe starts listening. It blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Serve accepts connections on the given listener.
func (s *Server) Serve(ln net.Listener) error {
	err := s.httpServer.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown closes WebSocket streams and gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.quitOnce.Do(func() { close(s.quit) })
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.tracker.Latest()
	if !ok {
		http.Error(w, "no snapshot yet", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type faultsJSON struct {
	Count int           `json:"count"`
	Last  *status.Fault `json:"last"`
}

func (s *Server) handleFaults(w http.ResponseWriter, r *http.Request) {
	out := faultsJSON{Count: s.tracker.Faults()}
	if f, ok := s.tracker.LastFault(); ok {
		out.Last = &f
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleLogBoundary(w http.ResponseWriter, r *http.Request) {
	s.ctl.MarkLogBoundary()
	s.log.Info("Log boundary requested")
	w.WriteHeader(http.StatusNoContent)
}

type parametersJSON struct {
	Kp     float64 `json:"kp"`
	Ki     float64 `json:"ki"`
	Kd     float64 `json:"kd"`
	MaxPWM float64 `json:"max_pwm"`
}

func (s *Server) handleGetParameters(w http.ResponseWriter, r *http.Request) {
	g, maxPWM := s.ctl.Parameters()
	writeJSON(w, http.StatusOK, parametersJSON{Kp: g.Kp, Ki: g.Ki, Kd: g.Kd, MaxPWM: maxPWM})
}

// handleSetParameters applies a partial update: omitted fields keep their value.
func (s *Server) handleSetParameters(w http.ResponseWriter, r *http.Request) {
	g, maxPWM := s.ctl.Parameters()
	p := parametersJSON{Kp: g.Kp, Ki: g.Ki, Kd: g.Kd, MaxPWM: maxPWM}

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		http.Error(w, "invalid parameters: "+err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.ctl.SetParameters(pid.Gains{Kp: p.Kp, Ki: p.Ki, Kd: p.Kd}, p.MaxPWM); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handleWS streams every snapshot to the client as a JSON text message, starting
// with the latest one.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	snaps, cancel := s.tracker.Subscribe(wsBuffer)
	defer cancel()

	log := s.log.WithField("remote", r.RemoteAddr)
	log.Debug("WebSocket client connected")
	defer log.Debug("WebSocket client disconnected")

	// Reads only detect the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if snap, ok := s.tracker.Latest(); ok {
		if err := s.send(conn, snap); err != nil {
			log.WithError(err).Debug("WebSocket write failed")
			return
		}
	}

	for {
		select {
		case <-closed:
			return
		case <-s.quit:
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return
		case snap, ok := <-snaps:
			if !ok {
				return
			}
			if err := s.send(conn, snap); err != nil {
				log.WithError(err).Debug("WebSocket write failed")
				return
			}
		}
	}
}

func (s *Server) send(conn *websocket.Conn, snap status.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(data)
}

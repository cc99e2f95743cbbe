package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const clientQueue = 64

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // local lab network
	},
}

// WSMessage is a command sent by a monitor client.
type WSMessage struct {
	Action  string `json:"action"` // calibrate, start, stop, status
	Subject string `json:"subject,omitempty"`
	Session string `json:"session,omitempty"`
}

// WSResponse answers a command.
type WSResponse struct {
	Type    string  `json:"type"` // ack, status, error
	Action  string  `json:"action,omitempty"`
	Status  *Status `json:"status,omitempty"`
	Message string  `json:"message,omitempty"`
}

type monitorClient struct {
	conn *websocket.Conn
	out  chan any
}

// Monitor exposes the controller over HTTP: a JSON status endpoint and a
// websocket that streams events and accepts commands.
type Monitor struct {
	ctrl      *Controller
	log       *zap.SugaredLogger
	staticDir string

	mu      sync.Mutex
	clients map[*monitorClient]struct{}
}

// NewMonitor registers itself as an observer of ctrl. staticDir is served
// at / when not empty.
func NewMonitor(ctrl *Controller, staticDir string, log *zap.SugaredLogger) *Monitor {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	m := &Monitor{
		ctrl:      ctrl,
		log:       log,
		staticDir: staticDir,
		clients:   make(map[*monitorClient]struct{}),
	}
	ctrl.Observe(m.broadcast)
	return m
}

// Handler returns the monitor routes.
func (m *Monitor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", m.handleStatus)
	mux.HandleFunc("/ws", m.handleWS)
	if m.staticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(m.staticDir)))
	}
	return mux
}

// Serve listens on addr until ctx is done.
func (m *Monitor) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: m.Handler(), ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	m.log.Infof("monitor: listening on %s", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	m.closeClients()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (m *Monitor) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	st, err := m.ctrl.Status(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(st); err != nil {
		m.log.Warnf("monitor: json encode error: %v", err)
	}
}

func (m *Monitor) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.log.Warnf("monitor: websocket upgrade error: %v", err)
		return
	}
	c := &monitorClient{conn: conn, out: make(chan any, clientQueue)}
	m.mu.Lock()
	m.clients[c] = struct{}{}
	m.mu.Unlock()

	go m.writeLoop(c)
	defer m.drop(c)

	for {
		var msg WSMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				m.log.Debugf("monitor: websocket read error: %v", err)
			}
			return
		}
		m.enqueue(c, m.dispatch(r.Context(), msg))
	}
}

func (m *Monitor) dispatch(ctx context.Context, msg WSMessage) WSResponse {
	var err error
	switch msg.Action {
	case "calibrate":
		err = m.ctrl.Calibrate(ctx)
	case "start":
		err = m.ctrl.StartSession(ctx, msg.Subject, msg.Session)
	case "stop":
		err = m.ctrl.StopSession(ctx)
	case "status":
		st, err := m.ctrl.Status(ctx)
		if err != nil {
			return WSResponse{Type: "error", Action: msg.Action, Message: err.Error()}
		}
		return WSResponse{Type: "status", Status: &st}
	default:
		return WSResponse{Type: "error", Action: msg.Action, Message: "unknown action"}
	}
	if err != nil {
		m.log.Infof("monitor: %s rejected: %v", msg.Action, err)
		return WSResponse{Type: "error", Action: msg.Action, Message: err.Error()}
	}
	return WSResponse{Type: "ack", Action: msg.Action}
}

// writeLoop owns all writes on the connection.
func (m *Monitor) writeLoop(c *monitorClient) {
	for v := range c.out {
		_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := c.conn.WriteJSON(v); err != nil {
			m.log.Debugf("monitor: websocket write error: %v", err)
			_ = c.conn.Close()
			for range c.out {
			}
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = c.conn.Close()
}

// broadcast runs on the controller goroutine; slow clients lose events.
func (m *Monitor) broadcast(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for c := range m.clients {
		select {
		case c.out <- ev:
		default:
		}
	}
}

func (m *Monitor) enqueue(c *monitorClient, v any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.clients[c]; !ok {
		return
	}
	select {
	case c.out <- v:
	default:
	}
}

func (m *Monitor) drop(c *monitorClient) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.clients[c]; ok {
		delete(m.clients, c)
		close(c.out)
	}
}

func (m *Monitor) closeClients() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for c := range m.clients {
		delete(m.clients, c)
		close(c.out)
	}
}

// Clients returns the number of connected websocket clients.
func (m *Monitor) Clients() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}

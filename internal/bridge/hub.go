// Package bridge connects remote UIs to a run over websockets. Clients
// receive the run's events (history first), pending approval requests and
// open questions, and send back answers and cancellation.
package bridge

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"chbuild/internal/approval"
	"chbuild/internal/event"
	"chbuild/internal/workflow"
)

const (
	writeWait   = 10 * time.Second
	sendBacklog = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Access control happens in the HTTP layer.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub fans one run at a time out to any number of websocket clients. A hub
// outlives runs: Bind switches every connected client to the new run.
type Hub struct {
	logger *slog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
	stream  *event.Stream
	gate    *approval.Gate
	cancel  func()
	detach  func()
	running bool
	rebound chan struct{}
	closed  bool
}

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the hub's logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) { h.logger = l }
}

// New creates a hub with no run bound.
func New(opts ...Option) *Hub {
	h := &Hub{
		logger:  slog.Default(),
		clients: make(map[*client]struct{}),
		rebound: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Bind makes the hub serve a run. The hub becomes the gate's listener, so
// approvals wait for a remote answer instead of falling back. cancel is
// called when a client asks to stop the run.
func (h *Hub) Bind(stream *event.Stream, gate *approval.Gate, cancel func()) {
	h.mu.Lock()
	if h.detach != nil {
		h.detach()
		h.detach = nil
	}
	h.stream, h.gate, h.cancel = stream, gate, cancel
	h.running = true
	if gate != nil {
		h.detach = gate.Attach(h)
	}
	close(h.rebound)
	h.rebound = make(chan struct{})
	h.mu.Unlock()

	h.broadcast(statusMessage(true))
}

// Finish marks the bound run as done. Clients keep the stream until it is
// closed and can no longer cancel or answer approvals.
func (h *Hub) Finish() {
	h.mu.Lock()
	if h.detach != nil {
		h.detach()
		h.detach = nil
	}
	h.running = false
	h.cancel = nil
	h.mu.Unlock()

	h.broadcast(statusMessage(false))
}

// Running reports whether a bound run is in progress.
func (h *Hub) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// OnApprovalRequest implements approval.Listener.
func (h *Hub) OnApprovalRequest(req approval.Request) {
	h.broadcast(outgoing{Type: msgApprovalRequest, Request: &req})
}

// OnQuestion implements approval.QuestionListener.
func (h *Hub) OnQuestion(q approval.Question) {
	h.broadcast(outgoing{Type: msgQuestion, Question: &q})
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	if h.detach != nil {
		h.detach()
		h.detach = nil
	}
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

// ServeHTTP upgrades the request and serves the client until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := newClient(conn)
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	running := h.running
	gate := h.gate
	h.mu.Unlock()
	h.logger.Info("bridge client connected", "remote", r.RemoteAddr)

	c.send(statusMessage(running))
	if running && gate != nil {
		for _, req := range gate.Pending() {
			req := req
			c.send(outgoing{Type: msgApprovalRequest, Request: &req})
		}
		for _, q := range gate.Questions() {
			q := q
			c.send(outgoing{Type: msgQuestion, Question: &q})
		}
	}

	go h.pump(c)
	h.read(c)

	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
	h.logger.Info("bridge client disconnected", "remote", r.RemoteAddr)
}

// read handles client messages until the connection fails.
func (h *Hub) read(c *client) {
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("websocket read failed", "error", err)
			}
			return
		}
		h.handle(c, raw)
	}
}

func (h *Hub) handle(c *client, raw []byte) {
	var msg incoming
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.send(errorMessage("invalid JSON: " + err.Error()))
		return
	}

	switch msg.Type {
	case msgApprovalResponse:
		if msg.RequestID == "" {
			c.send(errorMessage("request_id is required for approval_response"))
			return
		}
		resp, err := approval.ParseResponse(msg.Response)
		if err != nil {
			c.send(errorMessage(err.Error()))
			return
		}
		gate := h.boundGate()
		if gate == nil {
			c.send(errorMessage("no run is bound"))
			return
		}
		if err := gate.Resolve(msg.RequestID, resp); err != nil {
			c.send(errorMessage("approval response failed: " + err.Error()))
		}

	case msgStageResponse, msgAnswer:
		if msg.QuestionID == "" {
			c.send(errorMessage("question_id is required for " + msg.Type))
			return
		}
		text := msg.Answer
		if msg.Type == msgStageResponse {
			text = stageAnswer(msg.Response)
		}
		gate := h.boundGate()
		if gate == nil {
			c.send(errorMessage("no run is bound"))
			return
		}
		if err := gate.Answer(msg.QuestionID, text); err != nil {
			c.send(errorMessage(msg.Type + " failed: " + err.Error()))
		}

	case msgCancel:
		h.mu.Lock()
		cancel := h.cancel
		h.mu.Unlock()
		if cancel == nil {
			c.send(errorMessage("no run in progress"))
			return
		}
		h.logger.Info("cancel requested by bridge client")
		cancel()

	case msgPing:
		c.send(outgoing{Type: msgPong})

	default:
		c.send(errorMessage("unknown message type: " + msg.Type))
	}
}

// pump is the only writer on the connection. It forwards the bound stream
// and queued replies, resubscribing whenever the hub is rebound.
func (h *Hub) pump(c *client) {
	defer c.conn.Close()
	for {
		h.mu.Lock()
		stream, rebound := h.stream, h.rebound
		h.mu.Unlock()

		var events <-chan event.Event
		unsubscribe := func() {}
		if stream != nil {
			events, unsubscribe = stream.Subscribe(true)
		}

		if !h.forward(c, events, rebound) {
			unsubscribe()
			return
		}
		unsubscribe()
	}
}

// forward writes until the hub is rebound (true) or the client is gone
// (false).
func (h *Hub) forward(c *client, events <-chan event.Event, rebound <-chan struct{}) bool {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if err := c.write(outgoing{Type: msgEvent, Event: &ev}); err != nil {
				return false
			}
		case msg := <-c.out:
			if err := c.write(msg); err != nil {
				return false
			}
		case <-rebound:
			return true
		case <-c.done:
			return false
		}
	}
}

func (h *Hub) broadcast(msg outgoing) {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		if !c.send(msg) {
			h.logger.Warn("bridge client backlog full, message dropped", "type", msg.Type)
		}
	}
}

func (h *Hub) boundGate() *approval.Gate {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.gate
}

// stageAnswer maps a stage_response to a stage question's choices. Other
// text is passed through for the gate to match.
func stageAnswer(resp string) string {
	switch strings.ToLower(strings.TrimSpace(resp)) {
	case "run":
		return workflow.ChoiceRun
	case "skip", "s":
		return workflow.ChoiceSkip
	}
	return resp
}

func statusMessage(running bool) outgoing {
	return outgoing{Type: msgStatus, Running: &running}
}

func errorMessage(text string) outgoing {
	return outgoing{Type: msgError, Message: text}
}

type client struct {
	conn *websocket.Conn
	out  chan outgoing
	done chan struct{}
	once sync.Once
}

func newClient(conn *websocket.Conn) *client {
	return &client{
		conn: conn,
		out:  make(chan outgoing, sendBacklog),
		done: make(chan struct{}),
	}
}

// send queues msg for the writer and reports whether there was room.
func (c *client) send(msg outgoing) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- msg:
		return true
	default:
		return false
	}
}

func (c *client) write(msg outgoing) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

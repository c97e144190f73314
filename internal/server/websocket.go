package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/parley-dev/parley/internal/agent"
)

const sendBufferMessages = 256

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow same-origin requests only
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // No origin header (e.g., non-browser clients)
		}
		return origin == "http://"+r.Host || origin == "https://"+r.Host
	},
}

// clientMessage is one inbound frame from the browser.
type clientMessage struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	Choice  string `json:"choice,omitempty"`
}

// conn is one connected client: its session, its outbound queue, and the
// handle of the currently running invocation, if any.
//
// cancel and done are touched only from the connection's read-loop
// goroutine (including its deferred cleanup), so they need no lock.
type conn struct {
	id   string
	ws   *websocket.Conn
	sess *agent.Session
	send chan agent.Message

	cancel context.CancelFunc
	done   chan struct{}
}

// registry maps connection IDs to live connections. IDs are issued at
// connect time, not derived from anything transient.
type registry struct {
	mu    sync.Mutex
	conns map[string]*conn
}

func newRegistry() *registry {
	return &registry{conns: make(map[string]*conn)}
}

func (r *registry) add(c *conn) {
	r.mu.Lock()
	r.conns[c.id] = c
	r.mu.Unlock()
}

func (r *registry) remove(id string) {
	r.mu.Lock()
	delete(r.conns, id)
	r.mu.Unlock()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v", err)
		return
	}

	c := &conn{
		id:   uuid.NewString(),
		ws:   ws,
		sess: agent.NewSession(s.cfg.Agent, s.resolver, s.detector),
		send: make(chan agent.Message, sendBufferMessages),
	}
	s.conns.add(c)
	log.Printf("client connected: %s (%s)", c.id, ws.RemoteAddr())

	defer func() {
		s.conns.remove(c.id)
		// A disconnect must not leave an orphaned agent subprocess behind.
		c.stopInvocation()
		close(c.send)
		ws.Close()
		log.Printf("client disconnected: %s", c.id)
	}()

	go c.writeLoop()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("websocket read error: %v", err)
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("invalid message from %s: %v", c.id, err)
			continue
		}

		switch msg.Type {
		case "command":
			s.startInvocation(c, msg.Content)
		case "permission_response":
			// Delivered from the read loop while the invocation goroutine
			// is blocked on PTY reads; that concurrency is the whole point.
			c.sess.Respond(msg.Choice)
		case "ping":
			c.enqueue(agent.Message{Type: agent.MsgPong})
		default:
			log.Printf("unknown message type %q from %s", msg.Type, c.id)
		}
	}
}

// startInvocation runs a command for this connection, cancelling any
// invocation still in flight first. The cancelled run finishes (and emits
// its completion) before the new one starts, so at most one invocation is
// active per connection and no stray notifications trail in afterward.
func (s *Server) startInvocation(c *conn, cmd string) {
	c.stopInvocation()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done

	go func() {
		defer close(done)
		defer cancel()

		var err error
		if s.cfg.Agent.Streaming {
			err = c.sess.Run(ctx, cmd, c.enqueue)
		} else {
			err = c.sess.RunPrint(ctx, cmd, c.enqueue)
		}
		if err != nil && ctx.Err() == nil {
			log.Printf("invocation failed for %s: %v", c.id, err)
		}
	}()
}

func (c *conn) stopInvocation() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
	c.cancel = nil
	c.done = nil
}

// enqueue hands a message to the writer goroutine. Messages for a slow or
// broken client are dropped rather than blocking the invocation pipeline.
func (c *conn) enqueue(msg agent.Message) {
	select {
	case c.send <- msg:
	default:
		log.Printf("dropping %s message for %s: send buffer full", msg.Type, c.id)
	}
}

// writeLoop is the single writer on the websocket; gorilla permits only
// one concurrent writer per connection.
func (c *conn) writeLoop() {
	for msg := range c.send {
		if err := c.ws.WriteJSON(msg); err != nil {
			log.Printf("websocket write error: %v", err)
			// Keep draining so enqueue never sticks on a dead client.
		}
	}
}

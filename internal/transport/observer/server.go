// Package observer streams build, frame and page-save diagnostics to websocket clients.
package observer

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"voxelmesh.ai/internal/protocol"
)

const (
	defaultRing       = 4096
	defaultBatchLimit = 200
	maxBatchLimit     = 2000
	clientQueue       = 1024
)

type client struct {
	id  string
	out chan []byte
	sub protocol.SubscribeMsg // guarded by Server.mu
}

type Stats struct {
	Clients int
	Dropped uint64
	Cursor  uint64
}

// Server is the diagnostics hub. Publish* calls never block: a slow client loses messages.
type Server struct {
	params protocol.StoreParams
	log    *log.Logger

	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*client
	ring    []protocol.EventBatchItem
	head    int // next write position once the ring is full
	cursor  uint64

	dropped atomic.Uint64
}

func NewServer(params protocol.StoreParams, logger *log.Logger) *Server {
	return &Server{
		params: params,
		log:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // loopback only anyway
		},
		clients: map[string]*client{},
		ring:    make([]protocol.EventBatchItem, 0, defaultRing),
	}
}

func (s *Server) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Clients: len(s.clients), Dropped: s.dropped.Load(), Cursor: s.cursor}
}

// PublishBuild records the event for EVENT_BATCH replay and fans it out. It returns the cursor.
func (s *Server) PublishBuild(m protocol.BuildMsg) uint64 {
	b, err := json.Marshal(m)
	if err != nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor++
	item := protocol.EventBatchItem{Cursor: s.cursor, Event: m}
	if len(s.ring) < cap(s.ring) {
		s.ring = append(s.ring, item)
	} else {
		s.ring[s.head] = item
		s.head = (s.head + 1) % len(s.ring)
	}
	for _, c := range s.clients {
		if c.sub.Builds {
			s.sendLocked(c, b)
		}
	}
	return s.cursor
}

func (s *Server) PublishFrame(m protocol.FrameMsg) {
	var b []byte
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.clients {
		if !c.sub.Frames || m.Frame%uint64(c.sub.FrameEvery) != 0 {
			continue
		}
		if b == nil {
			var err error
			if b, err = json.Marshal(m); err != nil {
				return
			}
		}
		s.sendLocked(c, b)
	}
}

// PublishPageSaved goes to build subscribers.
func (s *Server) PublishPageSaved(m protocol.PageSavedMsg) {
	b, err := json.Marshal(m)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.clients {
		if c.sub.Builds {
			s.sendLocked(c, b)
		}
	}
}

func (s *Server) sendLocked(c *client, b []byte) {
	select {
	case c.out <- b:
	default:
		s.dropped.Add(1)
	}
}

// batch returns up to limit ring entries with cursor > since, oldest first.
func (s *Server) batch(since uint64, limit int) ([]protocol.EventBatchItem, uint64) {
	if limit <= 0 {
		limit = defaultBatchLimit
	}
	if limit > maxBatchLimit {
		limit = maxBatchLimit
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []protocol.EventBatchItem{}
	next := since
	n := len(s.ring)
	for i := 0; i < n && len(out) < limit; i++ {
		it := s.ring[(s.head+i)%n]
		if it.Cursor <= since {
			continue
		}
		out = append(out, it)
		next = it.Cursor
	}
	return out, next
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Handshake: must send SUBSCRIBE first.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var sub protocol.SubscribeMsg
		if err := json.Unmarshal(msg, &sub); err != nil {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad subscribe"), time.Now().Add(time.Second))
			return
		}
		if sub.Type != protocol.TypeSubscribe || sub.ProtocolVersion != protocol.Version {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected SUBSCRIBE"), time.Now().Add(time.Second))
			return
		}
		normalizeSubscribe(&sub)

		c := &client{id: uuid.NewString(), out: make(chan []byte, clientQueue), sub: sub}
		// Registered before WELCOME; the writer starts after it, so WELCOME still goes first.
		s.mu.Lock()
		s.clients[c.id] = c
		s.mu.Unlock()
		defer func() {
			s.mu.Lock()
			delete(s.clients, c.id)
			s.mu.Unlock()
		}()
		welcome, _ := json.Marshal(protocol.WelcomeMsg{
			Type:            protocol.TypeWelcome,
			ProtocolVersion: protocol.Version,
			SessionID:       c.id,
			Store:           s.params,
		})
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, welcome); err != nil {
			return
		}

		if s.log != nil {
			s.log.Printf("observer: session %s subscribed builds=%v frames=%v every=%d", c.id, sub.Builds, sub.Frames, sub.FrameEvery)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine.
		writeErr := make(chan error, 1)
		go func() {
			for {
				select {
				case <-ctx.Done():
					writeErr <- ctx.Err()
					return
				case b := <-c.out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						writeErr <- err
						return
					}
				}
			}
		}()

		// Reader loop: SUBSCRIBE updates and replay requests.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			if reply := s.handle(c, msg); reply != nil {
				select {
				case c.out <- reply:
				default:
					s.dropped.Add(1)
				}
			}
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		// Best-effort wait for the writer to stop so it doesn't outlive conn.
		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// handle processes one client message and returns the encoded reply, if any.
func (s *Server) handle(c *client, msg []byte) []byte {
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		return ack("", false, protocol.ErrProtoBadRequest, "invalid json")
	}
	if base.ProtocolVersion != protocol.Version {
		return ack(base.Type, false, protocol.ErrProtoBadRequest, "unsupported protocol_version")
	}
	switch base.Type {
	case protocol.TypeSubscribe:
		var sub protocol.SubscribeMsg
		if err := json.Unmarshal(msg, &sub); err != nil {
			return ack(base.Type, false, protocol.ErrProtoBadRequest, "bad subscribe")
		}
		normalizeSubscribe(&sub)
		s.mu.Lock()
		c.sub = sub
		s.mu.Unlock()
		return ack(base.Type, true, "", "")
	case protocol.TypeEventBatchReq:
		var req protocol.EventBatchReqMsg
		if err := json.Unmarshal(msg, &req); err != nil {
			return ack(base.Type, false, protocol.ErrProtoBadRequest, "bad event batch request")
		}
		events, next := s.batch(req.SinceCursor, req.Limit)
		b, _ := json.Marshal(protocol.EventBatchMsg{
			Type:            protocol.TypeEventBatch,
			ProtocolVersion: protocol.Version,
			ReqID:           req.ReqID,
			Events:          events,
			NextCursor:      next,
		})
		return b
	}
	return ack(base.Type, false, protocol.ErrProtoBadRequest, "unknown type")
}

func ack(forType string, accepted bool, code, message string) []byte {
	b, _ := json.Marshal(protocol.AckMsg{
		Type:            protocol.TypeAck,
		ProtocolVersion: protocol.Version,
		AckFor:          forType,
		Accepted:        accepted,
		Code:            code,
		Message:         message,
	})
	return b
}

func normalizeSubscribe(sub *protocol.SubscribeMsg) {
	if sub.FrameEvery <= 0 {
		sub.FrameEvery = 1
	}
	if sub.FrameEvery > 600 {
		sub.FrameEvery = 600
	}
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

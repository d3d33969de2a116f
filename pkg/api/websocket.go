package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"dcs-spi-go/pkg/gcode"
)

const (
	wsPingInterval = 30 * time.Second
	wsReadTimeout  = 60 * time.Second
	wsWriteTimeout = 10 * time.Second
	wsMaxMessage   = 64 * 1024
	wsSendBuffer   = 64
)

// codeReply answers a code line received over the websocket
type codeReply struct {
	Code  string `json:"code"`
	Reply string `json:"reply"`
	Error bool   `json:"error,omitempty"`
}

// WSClient is one /machine connection. It receives the full model once,
// then every patch; text frames it sends are run as codes on the HTTP
// channel.
type WSClient struct {
	id     int64
	conn   *websocket.Conn
	server *Server
	sendCh chan any
	done   chan struct{}
	mu     sync.Mutex

	// cancels the waits for replies when the client goes away
	ctx    context.Context
	cancel context.CancelFunc
}

func (s *Server) newWSClient(conn *websocket.Conn) *WSClient {
	ctx, cancel := context.WithCancel(context.Background())
	return &WSClient{
		id:     atomic.AddInt64(&s.nextWSID, 1),
		conn:   conn,
		server: s,
		sendCh: make(chan any, wsSendBuffer),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Send queues a message for the client. Messages to a client that cannot
// keep up are dropped.
func (c *WSClient) Send(msg any) {
	select {
	case c.sendCh <- msg:
	case <-c.done:
	default:
		c.server.logger.Warn("Dropping message to websocket client %d (send buffer full)", c.id)
	}
}

// Close closes the client connection
func (c *WSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		return
	default:
		close(c.done)
	}
	c.cancel()
	c.conn.Close()
}

func (c *WSClient) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.Close()
	}()

	c.conn.SetReadLimit(wsMaxMessage)
	c.conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	for {
		kind, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.server.logger.WithError(err).Warnf("Websocket client %d read failed", c.id)
			}
			return
		}
		if kind == websocket.TextMessage {
			c.handleMessage(string(message))
		}
	}
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case msg := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.server.logger.WithError(err).Warnf("Websocket client %d write failed", c.id)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}

// handleMessage submits a code line. The codes are queued right away so
// their order is kept; the reply is sent whenever it arrives.
func (c *WSClient) handleMessage(line string) {
	cmd, err := gcode.ParseCode(gcode.HTTP, line)
	if err != nil {
		c.Send(codeReply{Code: line, Reply: err.Error(), Error: true})
		return
	}
	if cmd == nil {
		return
	}

	done := c.server.machine.Submit(gcode.HTTP, cmd)
	go func() {
		result, err := done.Wait(c.ctx)
		switch {
		case c.ctx.Err() != nil:
		case err != nil:
			c.Send(codeReply{Code: line, Reply: err.Error(), Error: true})
		default:
			c.Send(codeReply{Code: line, Reply: result.String(), Error: result.HasError()})
		}
	}()
}

// forwardModel sends the full model, then every patch until the client
// goes away
func (c *WSClient) forwardModel() {
	patches, unsubscribe := c.server.machine.Model().Subscribe(wsSendBuffer)
	defer unsubscribe()

	full, err := c.server.machine.Model().MarshalJSON()
	if err != nil {
		c.server.logger.WithError(err).Error("Cannot encode the object model")
		c.Close()
		return
	}
	c.Send(json.RawMessage(full))

	for {
		select {
		case patch := <-patches:
			c.Send(json.RawMessage(patch))
		case <-c.done:
			return
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("Websocket upgrade failed")
		return
	}

	client := s.newWSClient(conn)
	s.wsClientMu.Lock()
	s.wsClients[client.id] = client
	s.wsClientMu.Unlock()
	s.logger.Info("Websocket client %d connected from %s", client.id, r.RemoteAddr)

	go client.writePump()
	go client.forwardModel()
	client.readPump()
}

func (s *Server) removeClient(client *WSClient) {
	s.wsClientMu.Lock()
	delete(s.wsClients, client.id)
	s.wsClientMu.Unlock()
	s.logger.Info("Websocket client %d disconnected", client.id)
}

// Package signal carries the request/response protocol over one
// persistent WebSocket per client. Every inbound action is dispatched
// against the manager; failures become tagged error replies on the
// request's correlation id and never terminate the connection.
package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/voicerelay/voicerelay/internal/app"
	"github.com/voicerelay/voicerelay/internal/config"
	"github.com/voicerelay/voicerelay/internal/domain"
)

var ErrBackpressure = errors.New("backpressure")

type Controller struct {
	Manager *app.Manager
	Cfg     *config.Config
}

func NewController(manager *app.Manager, cfg *config.Config) *Controller {
	return &Controller{Manager: manager, Cfg: cfg}
}

// wsConn wraps one WebSocket with a buffered outbound queue. TrySend
// never blocks; a full queue is reported as backpressure and the frame
// dropped.
type wsConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func (c *wsConn) TrySend(frame []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- frame:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request and serves the connection until it
// drops. Each WebSocket is a fresh peer: reconnecting clients rejoin
// from scratch.
func (ctl *Controller) HandleSignal(ctx context.Context, c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	if ctl.Cfg.ReadLimit > 0 {
		ws.SetReadLimit(ctl.Cfg.ReadLimit)
	}

	connID := domain.ConnID(uuid.NewString())
	log.Info().Str("module", "signal").Str("conn", string(connID)).Msg("new WS connection")

	conn := &wsConn{
		conn: ws,
		send: make(chan []byte, ctl.Cfg.SendBuffer),
	}

	// The session cookie token seeds a default user id; a later join
	// may overwrite it with a caller-supplied identity.
	identity := domain.Identity{UserID: domain.UserID(c.GetString("client_token"))}
	ctl.Manager.Register(connID, identity, conn)

	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, conn)
	go func() {
		defer cancel()
		ctl.readPump(ctx, connID, conn)
		ctl.Manager.Disconnect(connID)
	}()
}

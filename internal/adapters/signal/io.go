package signal

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/voicerelay/voicerelay/internal/app"
	"github.com/voicerelay/voicerelay/internal/domain"
	"github.com/voicerelay/voicerelay/internal/metrics"
)

// request is the inbound envelope. ID is an optional correlation id
// echoed back on the matching response.
type request struct {
	Action string          `json:"action"`
	ID     string          `json:"id,omitempty"`
	Data   json.RawMessage `json:"data"`
}

type response struct {
	OK    bool   `json:"ok"`
	ID    string `json:"id,omitempty"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// Wire error tags. Everything the manager can fail with maps onto one
// of these; unexpected errors travel with their original message.
const (
	errNotJoined         = "not_joined"
	errProviderNotReady  = "provider_not_ready"
	errTransportNotFound = "transport_not_found"
	errCannotConsume     = "cannot_consume"
	errUnsupportedAction = "unsupported_action"
	errBadPayload        = "bad_payload"
)

func (ctl *Controller) writePump(ctx context.Context, c *wsConn) {
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *Controller) readPump(ctx context.Context, conn domain.ConnID, c *wsConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("conn", string(conn)).Msg("readPump closing")
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				log.Info().Err(err).Str("module", "signal").Str("conn", string(conn)).Msg("readPump read ended")
				return
			}
			ctl.dispatch(ctx, conn, c, data)
		}
	}
}

// dispatch executes one action frame. Any failure is converted into an
// error reply on the request's correlation; the connection lives on.
func (ctl *Controller) dispatch(ctx context.Context, conn domain.ConnID, c *wsConn, data []byte) {
	var req request
	if err := json.Unmarshal(data, &req); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad envelope")
		ctl.replyErr(c, "", errBadPayload)
		return
	}

	var (
		result any
		err    error
	)
	switch req.Action {
	case "join":
		result, err = ctl.handleJoin(conn, req.Data)
	case "leave":
		result, err = ctl.handleLeave(conn)
	case "createTransport":
		result, err = ctl.handleCreateTransport(ctx, conn, req.Data)
	case "connectTransport":
		result, err = ctl.handleConnectTransport(ctx, conn, req.Data)
	case "produce":
		result, err = ctl.handleProduce(ctx, conn, req.Data)
	case "consume":
		result, err = ctl.handleConsume(ctx, conn, req.Data)
	case "setSpeaking":
		result, err = ctl.handleSetSpeaking(conn, req.Data)
	case "setMuted":
		result, err = ctl.handleSetMuted(conn, req.Data)
	case "ping":
		result = map[string]string{"type": "pong"}
	default:
		log.Warn().Str("module", "signal").Str("action", req.Action).Msg("unknown action")
		metrics.Actions.WithLabelValues(req.Action, "error").Inc()
		ctl.replyErr(c, req.ID, errUnsupportedAction)
		return
	}

	if err != nil {
		metrics.Actions.WithLabelValues(req.Action, "error").Inc()
		log.Warn().Err(err).Str("module", "signal").Str("conn", string(conn)).Str("action", req.Action).Msg("action failed")
		ctl.replyErr(c, req.ID, wireError(err))
		return
	}
	metrics.Actions.WithLabelValues(req.Action, "ok").Inc()
	ctl.reply(c, response{OK: true, ID: req.ID, Data: result})
}

func wireError(err error) string {
	switch {
	case errors.Is(err, app.ErrNotJoined):
		return errNotJoined
	case errors.Is(err, app.ErrProviderNotReady):
		return errProviderNotReady
	case errors.Is(err, app.ErrTransportNotFound):
		return errTransportNotFound
	case errors.Is(err, app.ErrCannotConsume):
		return errCannotConsume
	default:
		return err.Error()
	}
}

func (ctl *Controller) reply(c *wsConn, resp response) {
	b, err := json.Marshal(resp)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("marshal response")
		return
	}
	_ = c.TrySend(b)
}

func (ctl *Controller) replyErr(c *wsConn, id, tag string) {
	ctl.reply(c, response{OK: false, ID: id, Error: tag})
}

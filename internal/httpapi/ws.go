package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"ai4all/internal/queue"
	"ai4all/pkg/types"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 120 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
	wsOutbound   = 256
)

// Inbound websocket message types.
const (
	wsTypeTurn   = "turn"
	wsTypeCancel = "cancel"
)

// wsInbound is a client message: {"type":"turn", <TurnRequest fields>} or
// {"type":"cancel","request_id":"..."}.
type wsInbound struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	types.TurnRequest
}

// wsHandler serves turns over one websocket per session. Several turns may
// be submitted on a connection; the queue still admits one per session at a
// time. Closing the socket cancels whatever is still running.
type wsHandler struct {
	svc      Service
	upgrader websocket.Upgrader
}

func newWSHandler(svc Service) *wsHandler {
	return &wsHandler{
		svc: svc,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
	}
}

// checkOrigin admits non-browser clients, same-origin pages and origins
// allowed by the CORS settings.
func checkOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	if corsEnabled {
		for _, o := range corsAllowedOrigins {
			if o == "*" || strings.EqualFold(o, origin) {
				return true
			}
		}
	}
	u, err := url.Parse(origin)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

// ServeHTTP upgrades GET /v1/sessions/{id}/ws.
//
//	@Summary	Stream turns over a websocket
//	@Param		id	path	string	true	"Session ID"
//	@Success	101
//	@Router		/v1/sessions/{id}/ws [get]
func (s *wsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		zlog.Debug().Err(err).Str("session", sessionID).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()
	zlog.Info().Str("event", "ws_connected").Str("session", sessionID).Msg("websocket")

	ctx, cancel := joinContexts(serverBaseCtx, r.Context())
	defer cancel()

	outbound := make(chan types.TurnUpdate, wsOutbound)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(ctx, cancel, conn, outbound)
	}()
	send := func(u types.TurnUpdate) bool {
		select {
		case outbound <- u:
			return true
		case <-ctx.Done():
			return false
		}
	}
	fail := func(requestID string, err error) {
		send(types.TurnUpdate{
			Type:      types.UpdateError,
			RequestID: requestID,
			SessionID: sessionID,
			Error:     err.Error(),
			Code:      statusFor(err),
		})
	}

	var forwarders sync.WaitGroup
	conn.SetReadLimit(maxBodyBytes)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		var msg wsInbound
		if err := json.Unmarshal(data, &msg); err != nil {
			fail("", badRequest("invalid message: "+err.Error()))
			continue
		}
		switch msg.Type {
		case wsTypeTurn:
			in, out, err := decodeTurn(msg.TurnRequest)
			if err != nil {
				fail("", badRequest(err.Error()))
				continue
			}
			h, err := s.svc.Submit(ctx, sessionID, in, out)
			if err != nil {
				fail("", err)
				continue
			}
			forwarders.Add(1)
			go func() {
				defer forwarders.Done()
				forward(ctx, h, send)
			}()
		case wsTypeCancel:
			if err := s.svc.Cancel(msg.RequestID); err != nil {
				fail(msg.RequestID, err)
			}
		default:
			fail(msg.RequestID, badRequest("unknown message type "+msg.Type))
		}
	}

	cancel()
	forwarders.Wait()
	<-writerDone
	zlog.Info().Str("event", "ws_disconnected").Str("session", sessionID).Msg("websocket")
}

// forward copies a turn's updates to the socket, cancelling the turn when
// the connection goes away.
func forward(ctx context.Context, h *queue.Handle, send func(types.TurnUpdate) bool) {
	for {
		select {
		case u, ok := <-h.Updates():
			if !ok {
				return
			}
			if !send(u) {
				h.Cancel()
				return
			}
		case <-ctx.Done():
			h.Cancel()
			return
		}
	}
}

// writeLoop is the only writer of conn. It closes conn on exit, which also
// unblocks the read loop.
func (s *wsHandler) writeLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, outbound <-chan types.TurnUpdate) {
	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	defer conn.Close()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(wsWriteWait))
			return
		case u := <-outbound:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(u); err != nil {
				zlog.Debug().Err(err).Msg("websocket write failed")
				cancel()
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				cancel()
				return
			}
		}
	}
}

type badRequestError struct{ msg string }

func (e badRequestError) Error() string   { return e.msg }
func (e badRequestError) StatusCode() int { return http.StatusBadRequest }

func badRequest(msg string) error { return badRequestError{msg: msg} }

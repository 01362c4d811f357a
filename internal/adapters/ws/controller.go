package ws

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/abhang-atish/colyseus/internal/config"
	"github.com/abhang-atish/colyseus/internal/domain"
	"github.com/abhang-atish/colyseus/internal/matchmaker"
	"github.com/abhang-atish/colyseus/internal/room"
)

// Controller serves the two WebSocket paths: one-shot matchmake requests
// and the post-reservation room join.
type Controller struct {
	ctx      context.Context
	mm       *matchmaker.MatchMaker
	cfg      *config.Config
	upgrader websocket.Upgrader
}

func NewController(ctx context.Context, mm *matchmaker.MatchMaker, cfg *config.Config) *Controller {
	return &Controller{
		ctx: ctx,
		mm:  mm,
		cfg: cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin:       func(r *http.Request) bool { return true },
			EnableCompression: false,
		},
	}
}

type matchmakeError struct {
	Code  int    `json:"code"`
	Error string `json:"error"`
}

// HandleMatchmake serves one matchmake request per socket: the first
// message is the JSON options body, the reply is the seat reservation or
// a coded error.
func (ctl *Controller) HandleMatchmake(c *gin.Context, method, name string) {
	conn, err := ctl.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.ws").Msg("matchmake upgrade failed")
		return
	}
	defer conn.Close()

	_, body, err := conn.ReadMessage()
	if err != nil {
		return
	}
	opts := make(map[string]any)
	if len(body) > 0 {
		if err := json.Unmarshal(body, &opts); err != nil {
			ctl.replyMatchmakeError(conn, matchmaker.NewError(matchmaker.CodeUnhandled, "malformed request body"))
			return
		}
	}

	res, err := ctl.mm.InvokeExposed(ctl.ctx, method, name, opts)
	if err != nil {
		log.Info().Err(err).Str("module", "adapters.ws").Str("method", method).Str("name", name).Msg("matchmake failed")
		ctl.replyMatchmakeError(conn, err)
		return
	}

	payload, err := json.Marshal(res)
	if err != nil {
		ctl.replyMatchmakeError(conn, err)
		return
	}
	_ = conn.WriteMessage(websocket.TextMessage, payload)
}

func (ctl *Controller) replyMatchmakeError(conn *websocket.Conn, err error) {
	payload, _ := json.Marshal(matchmakeError{Code: matchmaker.ErrorCode(err), Error: err.Error()})
	_ = conn.WriteMessage(websocket.TextMessage, payload)
}

// HandleRoomJoin performs the final hand-off: the client arrives with the
// sessionId from its seat reservation and joins the locally owned room.
func (ctl *Controller) HandleRoomJoin(c *gin.Context, name, roomID string) {
	sessionID := c.Query("sessionId")

	conn, err := ctl.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.ws").Msg("room join upgrade failed")
		return
	}

	r, ok := ctl.mm.LocalRoom(domain.RoomID(roomID))
	if !ok || sessionID == "" {
		msg := websocket.FormatCloseMessage(matchmaker.WSCloseWithError, "room not found")
		_ = conn.WriteMessage(websocket.CloseMessage, msg)
		_ = conn.Close()
		return
	}

	wc := newWSConn(conn)
	client := &room.Client{SessionID: domain.SessionID(sessionID), Conn: wc}

	// The pumps only start on a successful join; a refused join replies
	// in-line so the error frame always precedes the close frame.
	if err := r.Join(client); err != nil {
		log.Info().Err(err).Str("module", "adapters.ws").Str("room", roomID).Str("sid", sessionID).Msg("room join refused")
		frame, _ := json.Marshal([]any{matchmaker.ProtocolJoinError, err.Error()})
		_ = conn.WriteMessage(websocket.TextMessage, frame)
		wc.Close(matchmaker.WSCloseWithError, err.Error())
		return
	}

	log.Info().Str("module", "adapters.ws").Str("room", roomID).Str("sid", sessionID).Str("name", name).Msg("client joined room")
	go wc.writePump(ctl.cfg.PingInterval, ctl.cfg.PingMaxRetries)
	go wc.readPump(ctl.cfg.ReadLimit,
		func(data []byte) {
			r.HandleMessage(client.SessionID, data)
		},
		func() {
			r.Leave(client.SessionID)
			wc.Close(websocket.CloseNormalClosure, "")
		},
	)
}

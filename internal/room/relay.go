package room

import (
	"encoding/json"

	"github.com/rs/zerolog/log"
)

// RelayLogic is a stock room type: every client frame is forwarded
// verbatim to the other clients, with join/leave notices around it.
type RelayLogic struct{}

type relayNotice struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

func (RelayLogic) OnCreate(r *Room, opts map[string]any) error {
	if v, ok := opts["maxClients"]; ok {
		if n, ok := v.(float64); ok && n > 0 {
			r.MaxClients = int(n)
		}
	}
	return nil
}

func (RelayLogic) OnJoin(r *Room, c *Client, _ map[string]any) error {
	notice, _ := json.Marshal(relayNotice{Type: "joined", SessionID: string(c.SessionID)})
	r.Broadcast(c.SessionID, notice)
	return nil
}

func (RelayLogic) OnMessage(r *Room, c *Client, data []byte) {
	res := r.Broadcast(c.SessionID, data)
	if len(res.Dropped) > 0 {
		log.Warn().Str("module", "room.relay").Str("room", string(r.ID)).Int("dropped", len(res.Dropped)).Msg("relay backpressure")
	}
}

func (RelayLogic) OnLeave(r *Room, c *Client) {
	notice, _ := json.Marshal(relayNotice{Type: "left", SessionID: string(c.SessionID)})
	r.Broadcast(c.SessionID, notice)
}

func (RelayLogic) OnDispose(_ *Room) {}

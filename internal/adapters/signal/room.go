package signal

import (
	"encoding/json"
	"fmt"

	"github.com/voicerelay/voicerelay/internal/app"
	"github.com/voicerelay/voicerelay/internal/domain"
)

type joinPayload struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId,omitempty"`
	Username string `json:"username,omitempty"`
	Contact  string `json:"contact,omitempty"`
}

func (ctl *Controller) handleJoin(conn domain.ConnID, data []byte) (app.JoinResult, error) {
	var p joinPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return app.JoinResult{}, fmt.Errorf("%s: %w", errBadPayload, err)
	}
	if p.RoomID == "" {
		return app.JoinResult{}, fmt.Errorf("%s: missing roomId", errBadPayload)
	}
	identity := domain.Identity{
		UserID:   domain.UserID(p.UserID),
		Username: p.Username,
		Contact:  p.Contact,
	}
	return ctl.Manager.Join(conn, domain.RoomID(p.RoomID), identity)
}

type leaveResult struct {
	RoomID domain.RoomID `json:"roomId"`
}

func (ctl *Controller) handleLeave(conn domain.ConnID) (leaveResult, error) {
	return leaveResult{RoomID: ctl.Manager.Leave(conn)}, nil
}

package signal

import (
	"encoding/json"
	"fmt"

	"github.com/voicerelay/voicerelay/internal/domain"
)

type speakingPayload struct {
	Speaking bool `json:"speaking"`
}

func (ctl *Controller) handleSetSpeaking(conn domain.ConnID, data []byte) (map[string]bool, error) {
	var p speakingPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%s: %w", errBadPayload, err)
	}
	if err := ctl.Manager.SetSpeaking(conn, p.Speaking); err != nil {
		return nil, err
	}
	return map[string]bool{"speaking": p.Speaking}, nil
}

type mutedPayload struct {
	Muted bool `json:"muted"`
}

func (ctl *Controller) handleSetMuted(conn domain.ConnID, data []byte) (map[string]bool, error) {
	var p mutedPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%s: %w", errBadPayload, err)
	}
	if err := ctl.Manager.SetMuted(conn, p.Muted); err != nil {
		return nil, err
	}
	return map[string]bool{"muted": p.Muted}, nil
}

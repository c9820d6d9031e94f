package signal

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/voicerelay/voicerelay/internal/app"
	"github.com/voicerelay/voicerelay/internal/domain"
)

type createTransportPayload struct {
	RoomID string `json:"roomId"`
}

type transportResult struct {
	Parameters json.RawMessage `json:"parameters"`
}

func (ctl *Controller) handleCreateTransport(ctx context.Context, conn domain.ConnID, data []byte) (transportResult, error) {
	var p createTransportPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return transportResult{}, fmt.Errorf("%s: %w", errBadPayload, err)
	}
	params, err := ctl.Manager.CreateTransport(ctx, conn, domain.RoomID(p.RoomID))
	if err != nil {
		return transportResult{}, err
	}
	return transportResult{Parameters: params}, nil
}

type connectTransportPayload struct {
	RoomID      string          `json:"roomId"`
	TransportID string          `json:"transportId"`
	Remote      json.RawMessage `json:"remoteParameters"`
}

type connectResult struct {
	Response json.RawMessage `json:"response,omitempty"`
}

func (ctl *Controller) handleConnectTransport(ctx context.Context, conn domain.ConnID, data []byte) (connectResult, error) {
	var p connectTransportPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return connectResult{}, fmt.Errorf("%s: %w", errBadPayload, err)
	}
	resp, err := ctl.Manager.ConnectTransport(ctx, conn, domain.RoomID(p.RoomID), p.TransportID, p.Remote)
	if err != nil {
		return connectResult{}, err
	}
	return connectResult{Response: resp}, nil
}

type producePayload struct {
	RoomID      string          `json:"roomId"`
	TransportID string          `json:"transportId"`
	Kind        string          `json:"kind"`
	CodecParams json.RawMessage `json:"codecParameters"`
}

type produceResult struct {
	ProducerID string `json:"producerId"`
}

func (ctl *Controller) handleProduce(ctx context.Context, conn domain.ConnID, data []byte) (produceResult, error) {
	var p producePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return produceResult{}, fmt.Errorf("%s: %w", errBadPayload, err)
	}
	if p.Kind == "" {
		p.Kind = "audio"
	}
	id, err := ctl.Manager.Produce(ctx, conn, domain.RoomID(p.RoomID), p.TransportID, p.Kind, p.CodecParams)
	if err != nil {
		return produceResult{}, err
	}
	return produceResult{ProducerID: id}, nil
}

type consumePayload struct {
	RoomID       string          `json:"roomId"`
	TransportID  string          `json:"transportId"`
	ProducerID   string          `json:"producerId"`
	ReceiverCaps json.RawMessage `json:"receiverCapabilities"`
}

func (ctl *Controller) handleConsume(ctx context.Context, conn domain.ConnID, data []byte) (app.ConsumeResult, error) {
	var p consumePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return app.ConsumeResult{}, fmt.Errorf("%s: %w", errBadPayload, err)
	}
	return ctl.Manager.Consume(ctx, conn, domain.RoomID(p.RoomID), p.TransportID, p.ProducerID, p.ReceiverCaps)
}

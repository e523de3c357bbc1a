package service

import (
	"encoding/json"
	"errors"

	"github.com/unclebandit/smsforward/internal/model"
)

// DeliveryPayload is the job body. Timestamp is epoch milliseconds.
type DeliveryPayload struct {
	EventID       string `json:"eventId"`
	OriginAddress string `json:"originAddress"`
	Content       string `json:"content"`
	Timestamp     int64  `json:"timestamp"`
	ChannelSlot   int    `json:"channelSlot"`
	ChannelType   string `json:"channelType"`
}

func PayloadFromRecord(r *model.EventRecord) DeliveryPayload {
	return DeliveryPayload{
		EventID:       r.ID,
		OriginAddress: r.OriginAddress,
		Content:       r.Content,
		Timestamp:     r.ReceivedAt.UnixMilli(),
		ChannelSlot:   r.ChannelSlot,
		ChannelType:   r.ChannelType,
	}
}

func (p DeliveryPayload) Encode() ([]byte, error) {
	return json.Marshal(p)
}

func DecodePayload(data []byte) (DeliveryPayload, error) {
	var p DeliveryPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return p, err
	}
	if p.EventID == "" {
		return p, errors.New("payload has no eventId")
	}
	return p, nil
}

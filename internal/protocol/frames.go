// Package protocol defines the JSON frames exchanged with WebSocket clients.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	TypeConnection     = "connection"
	TypeAcknowledgment = "acknowledgment"

	EventURLShortened = "urlShortened"

	FieldType      = "type"
	FieldMessageID = "messageId"
	FieldTimestamp = "timestamp"
)

var ErrMalformedFrame = errors.New("malformed frame")

// ConnectionFrame is the first frame a client receives and carries its id.
type ConnectionFrame struct {
	Type     string `json:"type"`
	ClientID string `json:"clientId"`
}

func NewConnectionFrame(clientID string) ConnectionFrame {
	return ConnectionFrame{Type: TypeConnection, ClientID: clientID}
}

// Delivery is an outbound message: the caller's payload fields flattened
// next to type, messageId and timestamp.
type Delivery map[string]any

// NewDelivery stamps a copy of payload. Stamped fields win over payload keys
// of the same name.
func NewDelivery(event, messageID string, at time.Time, payload map[string]any) Delivery {
	d := make(Delivery, len(payload)+3)
	for k, v := range payload {
		d[k] = v
	}
	d[FieldType] = event
	d[FieldMessageID] = messageID
	d[FieldTimestamp] = at.UnixMilli()
	return d
}

func (d Delivery) MessageID() string {
	id, _ := d[FieldMessageID].(string)
	return id
}

func (d Delivery) Type() string {
	t, _ := d[FieldType].(string)
	return t
}

// Inbound is the subset of fields the server reads from client frames.
type Inbound struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
}

func ParseInbound(data []byte) (Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if in.Type == "" {
		return Inbound{}, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	return in, nil
}

func (in Inbound) IsAcknowledgment() bool {
	return in.Type == TypeAcknowledgment
}

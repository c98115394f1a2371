package protocol

import (
	"encoding/json"
	"fmt"
)

// envelope is the minimal shape every inbound frame must satisfy: a string
// type discriminant plus whatever fields that type needs.
type envelope struct {
	Type string `json:"type"`
}

// ClientMessage is the decoded, validated form of one inbound frame. Exactly
// one of the typed fields is non-nil, selected by Type.
type ClientMessage struct {
	Type          string
	Hello         *Hello
	JoinLobby     *JoinLobby
	RequestRefund *RequestRefund
	Ping          *Ping
	Input         *Input
}

// DecodeClient parses and validates one inbound frame. isAdmin relaxes the
// paymentTxHash pattern accepted by JOIN_LOBBY to include synthetic bot/dev
// transaction ids. Unknown types are rejected, matching the wire protocol's
// "unknown types are rejected" rule.
func DecodeClient(raw []byte, isAdmin bool) (ClientMessage, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return ClientMessage{}, fmt.Errorf("malformed frame: %w", err)
	}

	switch env.Type {
	case TypeHello:
		var m Hello
		if err := json.Unmarshal(raw, &m); err != nil {
			return ClientMessage{}, err
		}
		if err := m.Validate(); err != nil {
			return ClientMessage{}, err
		}
		return ClientMessage{Type: env.Type, Hello: &m}, nil

	case TypeJoinLobby:
		var m JoinLobby
		if err := json.Unmarshal(raw, &m); err != nil {
			return ClientMessage{}, err
		}
		if err := m.Validate(isAdmin); err != nil {
			return ClientMessage{}, err
		}
		return ClientMessage{Type: env.Type, JoinLobby: &m}, nil

	case TypeRequestRefund:
		var m RequestRefund
		return ClientMessage{Type: env.Type, RequestRefund: &m}, nil

	case TypePing:
		var m Ping
		if err := json.Unmarshal(raw, &m); err != nil {
			return ClientMessage{}, err
		}
		return ClientMessage{Type: env.Type, Ping: &m}, nil

	case TypeInput:
		var raw2 struct {
			Sequence int64    `json:"sequence"`
			DirX     *int     `json:"dirX"`
			DirY     *int     `json:"dirY"`
			TargetX  *float64 `json:"targetX"`
			TargetY  *float64 `json:"targetY"`
		}
		if err := json.Unmarshal(raw, &raw2); err != nil {
			return ClientMessage{}, err
		}
		m := Input{Sequence: raw2.Sequence}
		if raw2.TargetX != nil && raw2.TargetY != nil {
			m.HasTarget = true
			m.TargetX = *raw2.TargetX
			m.TargetY = *raw2.TargetY
		} else {
			if raw2.DirX != nil {
				m.DirX = *raw2.DirX
			}
			if raw2.DirY != nil {
				m.DirY = *raw2.DirY
			}
		}
		if err := m.Validate(); err != nil {
			return ClientMessage{}, err
		}
		return ClientMessage{Type: env.Type, Input: &m}, nil

	default:
		return ClientMessage{}, fmt.Errorf("unknown message type %q", env.Type)
	}
}

// EncodeServer marshals a server->client frame, injecting the type
// discriminant into the top-level object. payload must marshal to a JSON
// object (a struct or map), never a scalar or array.
func EncodeServer(msgType string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("server payload for %s must encode to a JSON object: %w", msgType, err)
	}
	fields["type"] = json.RawMessage(fmt.Sprintf("%q", msgType))
	return json.Marshal(fields)
}

package control

import (
	"encoding/json"
)

type ClientMessageType uint8

const (
	// Carries a routing directive and is consumed by the bridge
	ClientMessageType_Control ClientMessageType = iota
	// Anything else, relayed upstream verbatim
	ClientMessageType_Opaque
)

func (t ClientMessageType) String() string {
	switch t {
	case ClientMessageType_Control:
		return "Control"
	case ClientMessageType_Opaque:
		return "Opaque"
	}
	return "Unknown"
}

type ConnectDirective struct {
	Target      string
	AccessToken string
}

type ClientMessage struct {
	MessageType ClientMessageType
	Connect     *ConnectDirective
	Data        []byte
}

// Parse inspects the first message of a bridge session. A JSON object with a
// non-empty string "connect_to" is a control message; anything else,
// including malformed JSON, is opaque. A non-string access_token is ignored.
func Parse(payload []byte) ClientMessage {
	opaque := ClientMessage{
		MessageType: ClientMessageType_Opaque,
		Data:        payload,
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil || fields == nil {
		return opaque
	}

	var target string
	if raw, has := fields["connect_to"]; !has || json.Unmarshal(raw, &target) != nil || target == "" {
		return opaque
	}

	directive := &ConnectDirective{Target: target}
	if raw, has := fields["access_token"]; has {
		var token string
		if json.Unmarshal(raw, &token) == nil {
			directive.AccessToken = token
		}
	}

	return ClientMessage{
		MessageType: ClientMessageType_Control,
		Connect:     directive,
		Data:        payload,
	}
}

// Package protocol defines the JSON wire messages exchanged over the
// WebSocket transport. Every message carries a "type" field; DecodeBase
// routes on it before the full message is unmarshalled.
package protocol

import "encoding/json"

const Version = "1.0"

// Message types.
const (
	TypeHello   = "HELLO"
	TypeWelcome = "WELCOME"
	TypeAct     = "ACT"
	TypePatch   = "PATCH"
	TypeAck     = "ACK"
	TypeNotice  = "NOTICE"
	TypeError   = "ERROR"
)

// ACT kinds.
const (
	KindMoveTo  = "MOVE_TO"
	KindMoveBy  = "MOVE_BY"
	KindCollect = "COLLECT"
	KindDeposit = "DEPOSIT"
	KindPosLost = "POS_LOST"
)

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}

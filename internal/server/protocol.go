package server

import (
	"github.com/deckbridge/bridge/internal/carabiner"
)

type MessageType string

const (
	MsgStatus     MessageType = "status"
	MsgDisconnect MessageType = "disconnect"
	MsgBadVersion MessageType = "bad_version"
)

type WSMessage struct {
	Type    MessageType `json:"type"`
	Payload interface{} `json:"payload"`
}

type StatusPayload struct {
	State carabiner.Snapshot `json:"state"`
}

type DisconnectPayload struct {
	Unexpected bool `json:"unexpected"`
}

type BadVersionPayload struct {
	Message string `json:"message"`
}

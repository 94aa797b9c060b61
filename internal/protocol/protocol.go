// Package protocol defines the JSON messages of the diagnostics stream. The same records are
// written to the build log and the build index.
package protocol

import "encoding/json"

const Version = "0.1"

// Message types.
const (
	TypeSubscribe     = "SUBSCRIBE"
	TypeWelcome       = "WELCOME"
	TypeBuild         = "BUILD"
	TypeFrame         = "FRAME"
	TypePageSaved     = "PAGE_SAVED"
	TypeEventBatchReq = "EVENT_BATCH_REQ"
	TypeEventBatch    = "EVENT_BATCH"
	TypeAck           = "ACK"
	TypeLogHeader     = "LOG_HEADER"
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

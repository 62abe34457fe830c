// Package events records the lifecycle of callbacks as they move through the
// gateway.
package events

// State is a step in a callback's life inside the gateway.
type State string

const (
	StateReceived     State = "received"
	StateVerified     State = "verified"
	StateDecrypted    State = "decrypted"
	StateAcknowledged State = "acknowledged"
	StateDispatched   State = "dispatched"
	StateReplied      State = "replied"
	StateFailed       State = "failed"
	StateRejected     State = "rejected"
)

// Transition identifies what changed state. It never carries message content.
type Transition struct {
	RequestID string `json:"request_id,omitempty"`
	TaskID    string `json:"task_id,omitempty"`
	MsgID     string `json:"msg_id,omitempty"`
	MsgType   string `json:"msg_type,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

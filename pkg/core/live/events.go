package live

// Event is the interface for all live session events.
type Event interface {
	// EventType returns the event type string for serialization.
	EventType() string
}

// TranscriptRole says whose speech a transcript fragment reflects.
type TranscriptRole string

const (
	// RoleUser is speech-to-text of the microphone input.
	RoleUser TranscriptRole = "user"
	// RoleAssistant is speech-to-text of the synthesized reply.
	RoleAssistant TranscriptRole = "assistant"
)

// OpenedEvent is emitted once when the remote side acknowledges setup.
type OpenedEvent struct{}

func (e *OpenedEvent) EventType() string { return "session.opened" }

// TranscriptDeltaEvent is an incremental speech-to-text fragment. Fragments
// are append-only: consumers concatenate deltas in arrival order.
type TranscriptDeltaEvent struct {
	Role TranscriptRole `json:"role"`
	Text string         `json:"text"`
}

func (e *TranscriptDeltaEvent) EventType() string { return "transcript.delta" }

// AudioChunkEvent carries one synthesized PCM chunk at the output rate.
type AudioChunkEvent struct {
	Data []byte `json:"data"`
}

func (e *AudioChunkEvent) EventType() string { return "audio.chunk" }

// TurnCompleteEvent is emitted when the model finishes a reply turn.
type TurnCompleteEvent struct{}

func (e *TurnCompleteEvent) EventType() string { return "turn.complete" }

// InterruptedEvent is emitted when the model abandons the current reply
// (user barge-in). Pending playback is flushed when this arrives.
type InterruptedEvent struct{}

func (e *InterruptedEvent) EventType() string { return "turn.interrupted" }

// UsageEvent reports token accounting from the remote side.
type UsageEvent struct {
	PromptTokens   int `json:"prompt_tokens"`
	ResponseTokens int `json:"response_tokens"`
	TotalTokens    int `json:"total_tokens"`
}

func (e *UsageEvent) EventType() string { return "usage.updated" }

// GoAwayEvent warns that the remote side will close the connection soon.
// No reconnect is attempted; the session ends when the close arrives.
type GoAwayEvent struct {
	TimeLeft string `json:"time_left,omitempty"`
}

func (e *GoAwayEvent) EventType() string { return "session.go_away" }

// StateChangedEvent is emitted when the session state changes.
type StateChangedEvent struct {
	From SessionState `json:"from"`
	To   SessionState `json:"to"`
}

func (e *StateChangedEvent) EventType() string { return "state.changed" }

// ClosedEvent is emitted once when the remote side closes the connection.
type ClosedEvent struct {
	Code   int    `json:"code,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func (e *ClosedEvent) EventType() string { return "session.closed" }

// ErrorEvent is emitted once when the connection or the remote side fails.
// It is always followed by teardown.
type ErrorEvent struct {
	Err error `json:"-"`
}

func (e *ErrorEvent) EventType() string { return "session.error" }

package domain

// Renderer-facing stream event payloads. All fields are JSON-serializable so
// the transport bridge can forward them verbatim.

// NewAssistantMessageEvent is emitted exactly once per user message that
// receives any response content, on the first streamed chunk.
type NewAssistantMessageEvent struct {
	AssistantMessageID   string `json:"assistantMessageId"`
	FirstChunk           string `json:"firstChunk"`
	RelatedUserMessageID string `json:"relatedUserMessageId"`
	ThreadID             string `json:"threadId"`
}

// StreamChunkEvent carries one content delta, in arrival order.
type StreamChunkEvent struct {
	AssistantMessageID string `json:"assistantMessageId"`
	Chunk              string `json:"chunk"`
	ThreadID           string `json:"threadId"`
}

// StreamEndEvent is the graceful terminal notification. AssistantMessageID is
// empty when the stream ended before any chunk arrived.
type StreamEndEvent struct {
	AssistantMessageID   string `json:"assistantMessageId,omitempty"`
	RelatedUserMessageID string `json:"relatedUserMessageId"`
	ThreadID             string `json:"threadId"`
}

// StreamErrorEvent is the failure terminal notification. Exactly one of
// StreamEndEvent or StreamErrorEvent is emitted per send attempt.
type StreamErrorEvent struct {
	AssistantMessageID   string `json:"assistantMessageId,omitempty"`
	RelatedUserMessageID string `json:"relatedUserMessageId"`
	Error                string `json:"error"`
	ThreadID             string `json:"threadId"`
}

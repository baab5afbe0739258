package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Chat RPC method names.
const (
	MethodChatHistory = "chat.history"
	MethodChatSend    = "chat.send"
	MethodChatAbort   = "chat.abort"
	MethodConnect     = "connect"
)

// ChatState is the lifecycle state carried by a chat event.
type ChatState string

const (
	ChatStateDelta   ChatState = "delta"
	ChatStateFinal   ChatState = "final"
	ChatStateAborted ChatState = "aborted"
	ChatStateError   ChatState = "error"
)

// Valid reports whether s is one of the known chat states.
func (s ChatState) Valid() bool {
	switch s {
	case ChatStateDelta, ChatStateFinal, ChatStateAborted, ChatStateError:
		return true
	}
	return false
}

// Terminal reports whether no further events follow for the run.
func (s ChatState) Terminal() bool {
	return s == ChatStateFinal || s == ChatStateAborted || s == ChatStateError
}

// ChatEvent is the payload of a "chat" gateway event.
type ChatEvent struct {
	RunID        string          `json:"runId"`
	SessionKey   string          `json:"sessionKey"`
	Seq          int64           `json:"seq"`
	State        ChatState       `json:"state"`
	Message      json.RawMessage `json:"message,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
}

// Validate checks the fields every chat event must carry.
func (e ChatEvent) Validate() error {
	if e.RunID == "" {
		return fmt.Errorf("chat event: %w: missing runId", ErrInvalidPayload)
	}
	if !e.State.Valid() {
		return fmt.Errorf("chat event: %w: unknown state %q", ErrInvalidPayload, e.State)
	}
	return nil
}

// Text extracts the concatenated text content of the event message, if any.
func (e ChatEvent) Text() string {
	if len(e.Message) == 0 {
		return ""
	}
	var msg ChatMessage
	if err := json.Unmarshal(e.Message, &msg); err != nil {
		return ""
	}
	return msg.Text()
}

// ChatMessage is a transcript entry as returned by chat.history.
type ChatMessage struct {
	Role      string          `json:"role"`
	Content   json.RawMessage `json:"content,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// ChatContent is one typed block within a message's content array.
type ChatContent struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	FileName string `json:"fileName,omitempty"`
}

// Text returns the message's text, accepting either a plain string or an
// array of content blocks.
func (m ChatMessage) Text() string {
	if len(m.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return s
	}
	var blocks []ChatContent
	if err := json.Unmarshal(m.Content, &blocks); err != nil {
		return ""
	}
	var b strings.Builder
	for _, c := range blocks {
		if c.Type == "text" || c.Type == "" {
			b.WriteString(c.Text)
		}
	}
	return b.String()
}

// ChatHistory is the chat.history response.
type ChatHistory struct {
	SessionKey    string        `json:"sessionKey"`
	SessionID     string        `json:"sessionId,omitempty"`
	Messages      []ChatMessage `json:"messages"`
	ThinkingLevel string        `json:"thinkingLevel,omitempty"`
}

// ChatAttachment is an inline file sent with chat.send. Content is base64.
type ChatAttachment struct {
	Type     string `json:"type"`
	MimeType string `json:"mimeType"`
	FileName string `json:"fileName,omitempty"`
	Content  string `json:"content"`
}

// ChatSendResult is the chat.send response.
type ChatSendResult struct {
	RunID  string `json:"runId"`
	Status string `json:"status"`
}

// ChatAbortResult is the chat.abort response.
type ChatAbortResult struct {
	OK      bool     `json:"ok"`
	Aborted bool     `json:"aborted"`
	RunIDs  []string `json:"runIds,omitempty"`
}

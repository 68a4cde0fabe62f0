package medimate

import (
	"bytes"
	"encoding/json"
)

// Envelope is the uniform wrapper every MediMate endpoint responds with.
type Envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// HasData reports whether the envelope carried a non-null data member.
func (e *Envelope) HasData() bool {
	return len(e.Data) > 0 && !bytes.Equal(bytes.TrimSpace(e.Data), []byte("null"))
}

// Reason returns the failure text of the envelope, preferring message over
// error, or fallback when both are empty.
func (e *Envelope) Reason(fallback string) string {
	if e.Message != "" {
		return e.Message
	}
	if e.Error != "" {
		return e.Error
	}
	return fallback
}

// decodeEnvelope parses body as an envelope. ok is false when body is not a
// JSON object with a success member.
func decodeEnvelope(body []byte) (env Envelope, ok bool) {
	var raw struct {
		Success *bool           `json:"success"`
		Data    json.RawMessage `json:"data"`
		Message string          `json:"message"`
		Error   string          `json:"error"`
	}
	if err := json.Unmarshal(body, &raw); err != nil || raw.Success == nil {
		return Envelope{}, false
	}
	return Envelope{
		Success: *raw.Success,
		Data:    raw.Data,
		Message: raw.Message,
		Error:   raw.Error,
	}, true
}

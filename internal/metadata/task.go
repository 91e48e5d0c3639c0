package metadata

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// TaskMessage is the JSON envelope published per accepted request.
type TaskMessage struct {
	URL         string    `json:"url"`
	RequestID   string    `json:"request_id"`
	RequestedAt time.Time `json:"requested_at"`
}

// ErrMalformedTask marks an envelope that can never be processed.
var ErrMalformedTask = errors.New("task message has no url")

// DecodeTask parses a broker payload. Undecodable bodies and envelopes with a
// missing or blank url are malformed and must not be redelivered.
func DecodeTask(body []byte) (TaskMessage, error) {
	var t TaskMessage
	if err := json.Unmarshal(body, &t); err != nil {
		return TaskMessage{}, fmt.Errorf("%w: %v", ErrMalformedTask, err)
	}
	if strings.TrimSpace(t.URL) == "" {
		return TaskMessage{}, ErrMalformedTask
	}
	return t, nil
}

// Encode serializes the envelope for publishing.
func (t TaskMessage) Encode() ([]byte, error) {
	body, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("encode task: %w", err)
	}
	return body, nil
}

package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMalformedMessage is returned when a delivery body is not a valid job
// envelope.
var ErrMalformedMessage = errors.New("malformed job message")

// Message is the wire envelope published for every queued job. Its JSON shape
// is fixed for compatibility with existing consumers.
type Message struct {
	JobID     string         `json:"job_id"`
	JobType   JobType        `json:"job_type"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
	Priority  int            `json:"priority"`
}

// NewMessage builds the envelope for a job record.
func NewMessage(j Job) Message {
	return Message{
		JobID:     j.JobID,
		JobType:   j.JobType,
		Payload:   j.Payload,
		CreatedAt: j.CreatedAt.UTC(),
		Priority:  j.Priority,
	}
}

// Encode returns the JSON body of the message.
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMessage parses a delivery body. The job id and type are required.
func DecodeMessage(body []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if m.JobID == "" {
		return Message{}, fmt.Errorf("%w: missing job_id", ErrMalformedMessage)
	}
	if m.JobType == "" {
		return Message{}, fmt.Errorf("%w: missing job_type", ErrMalformedMessage)
	}
	return m, nil
}

// RoutingKey returns the topic routing key for a job type.
func RoutingKey(t JobType) string {
	return "jobs." + string(t)
}

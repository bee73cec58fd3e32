// Package message defines the wire-level payloads carried across the payment
// notification queues and their JSON codec.
package message

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"strconv"
	"time"
)

// Envelope is the payload published to the payments queue. Timestamp is an
// ISO-8601 string rather than time.Time so the wire format stays exactly
// what other consumers of the queue expect.
type Envelope struct {
	ChargeID  string `json:"charge_id"`
	Timestamp string `json:"timestamp"`
	MessageID string `json:"message_id"`
}

// DeadLetterEnvelope is an Envelope augmented with failure forensics before
// being redirected to the failed queue.
type DeadLetterEnvelope struct {
	Envelope
	FailedAt        string         `json:"failed_at"`
	FailureReason   string         `json:"failure_reason"`
	OriginalHeaders map[string]any `json:"original_headers,omitempty"`
}

// NewEnvelope builds an envelope for the given charge, stamped with the
// current instant and a fresh message id.
func NewEnvelope(chargeID string) Envelope {
	return Envelope{
		ChargeID:  chargeID,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		MessageID: NewMessageID(),
	}
}

// NewMessageID returns an id of the form msg_<epoch-ms>_<random>. It is not
// globally unique, only practically unique within the queue retention window.
func NewMessageID() string {
	return fmt.Sprintf("msg_%d_%s", time.Now().UnixMilli(), randomSuffix())
}

// NewFailedMessageID returns an id of the form failed_<epoch-ms>_<random>,
// used for messages republished to the dead-letter queue.
func NewFailedMessageID() string {
	return fmt.Sprintf("failed_%d_%s", time.Now().UnixMilli(), randomSuffix())
}

func randomSuffix() string {
	return strconv.FormatInt(rand.Int63(), 36)
}

func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

func (e DeadLetterEnvelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses envelope bytes. A failure here means the message is
// malformed and is treated by the consumer as a processing failure.
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

// DecodeDeadLetter parses a dead-letter envelope. Unlike Decode it is used on
// the forensic path only, where callers tolerate the error and keep the raw
// payload instead.
func DecodeDeadLetter(data []byte) (DeadLetterEnvelope, error) {
	var e DeadLetterEnvelope
	if err := json.Unmarshal(data, &e); err != nil {
		return DeadLetterEnvelope{}, err
	}
	return e, nil
}

// ReceivedAt converts the envelope timestamp to a time.Time, falling back to
// the current instant when the timestamp is absent or malformed so a bad
// clock field never fails processing.
func (e Envelope) ReceivedAt() time.Time {
	if e.Timestamp == "" {
		return time.Now().UTC()
	}
	t, err := time.Parse(time.RFC3339Nano, e.Timestamp)
	if err != nil {
		t, err = time.Parse(time.RFC3339, e.Timestamp)
	}
	if err != nil {
		return time.Now().UTC()
	}
	return t.UTC()
}

package consumer

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cloudevents/sdk-go/v2/event"
	"github.com/segmentio/kafka-go"
)

const (
	headerEventType     = "event_type"
	headerSchemaSubject = "schema_subject"

	// Schema Registry wire format: magic byte 0 then a big-endian schema id.
	wireMagic      = 0
	wireHeaderSize = 5
)

// Message is a dedup-bound Kafka record with its framing and envelope removed.
// Records published as structured CloudEvents carry their id, subject and
// time in the matching fields; bare records only have the event_type header.
type Message struct {
	Topic         string
	Partition     int
	Offset        int64
	Key           string
	Timestamp     time.Time
	EventID       string
	EventType     string
	EventTime     time.Time
	Subject       string
	SchemaSubject string
	SchemaID      int
	Data          json.RawMessage
}

// Age is how long the event waited before being handled.
func (m Message) Age(now time.Time) time.Duration {
	at := m.EventTime
	if at.IsZero() {
		at = m.Timestamp
	}
	if at.IsZero() || now.Before(at) {
		return 0
	}
	return now.Sub(at)
}

func decodeRecord(rec kafka.Message) (Message, error) {
	msg := Message{
		Topic:     rec.Topic,
		Partition: rec.Partition,
		Offset:    rec.Offset,
		Key:       string(rec.Key),
		Timestamp: rec.Time,
	}
	if len(rec.Value) < wireHeaderSize {
		return msg, fmt.Errorf("invalid payload length: %d", len(rec.Value))
	}
	if rec.Value[0] != wireMagic {
		return msg, fmt.Errorf("unknown wire format magic byte %d", rec.Value[0])
	}

	headerType, _ := headerValue(rec, headerEventType)
	schemaSubject, _ := headerValue(rec, headerSchemaSubject)
	msg.SchemaSubject = string(schemaSubject)
	msg.SchemaID = int(binary.BigEndian.Uint32(rec.Value[1:wireHeaderSize]))
	payload := rec.Value[wireHeaderSize:]

	var head struct {
		SpecVersion string `json:"specversion"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		return msg, fmt.Errorf("payload is not a JSON object: %w", err)
	}

	if head.SpecVersion == "" {
		if len(headerType) == 0 {
			return msg, errors.New("missing event_type header")
		}
		msg.EventType = string(headerType)
		msg.Data = append(json.RawMessage(nil), payload...)
		return msg, nil
	}

	var evt event.Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		return msg, fmt.Errorf("decode cloudevent: %w", err)
	}
	if err := evt.Validate(); err != nil {
		return msg, fmt.Errorf("invalid cloudevent: %w", err)
	}
	if len(headerType) > 0 && string(headerType) != evt.Type() {
		return msg, fmt.Errorf("event_type header %q does not match cloudevent type %q", headerType, evt.Type())
	}

	msg.EventID = evt.ID()
	msg.EventType = evt.Type()
	msg.EventTime = evt.Time()
	msg.Subject = evt.Subject()
	msg.Data = append(json.RawMessage(nil), evt.Data()...)
	return msg, nil
}

func headerValue(rec kafka.Message, key string) ([]byte, bool) {
	for _, header := range rec.Headers {
		if header.Key == key {
			return header.Value, true
		}
	}
	return nil, false
}

package events

import (
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/cloudevents/sdk-go/v2/event"
	"github.com/google/uuid"
)

// Source is the CloudEvents source attribute of events this service emits.
const Source = "/workoutdedup"

// NewCloudEvent wraps data in a CloudEvents 1.0 envelope with a JSON payload.
func NewCloudEvent(eventType, subject string, data any) (event.Event, error) {
	e := cloudevents.NewEvent()
	e.SetSpecVersion(cloudevents.VersionV1)
	e.SetID(uuid.NewString())
	e.SetType(eventType)
	e.SetSource(Source)
	e.SetTime(time.Now().UTC())
	if subject != "" {
		e.SetSubject(subject)
	}
	if err := e.SetData(cloudevents.ApplicationJSON, data); err != nil {
		return e, err
	}
	return e, e.Validate()
}

// NewRecalculationEvent builds the CloudEvent for a recalc request.
func NewRecalculationEvent(userID string, from time.Time) (event.Event, error) {
	return NewCloudEvent(TypeLoadRecalculationRequested, userID, LoadRecalculationRequested{
		UserID:      userID,
		From:        from.UTC(),
		RequestedAt: time.Now().UTC(),
	})
}

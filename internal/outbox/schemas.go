package outbox

import "example.com/workoutdedup/internal/events"

// Payloads are structured-mode CloudEvents; the schema pins the envelope and
// the recalc request carried in data.
const recalculationRequestedSchema = `{
  "type": "object",
  "title": "LoadRecalculationRequested",
  "properties": {
    "specversion": {"type": "string"},
    "id": {"type": "string"},
    "source": {"type": "string"},
    "type": {"type": "string"},
    "subject": {"type": "string"},
    "time": {"type": "string", "format": "date-time"},
    "datacontenttype": {"type": "string"},
    "data": {
      "type": "object",
      "properties": {
        "user_id": {"type": "string"},
        "from": {"type": "string", "format": "date-time"},
        "requested_at": {"type": "string", "format": "date-time"}
      },
      "required": ["user_id", "from"]
    }
  },
  "required": ["specversion", "id", "source", "type", "data"]
}`

// SchemaCatalogEntry maps event type to schema definition.
type SchemaCatalogEntry struct {
	Schema string
}

var schemaCatalog = map[string]SchemaCatalogEntry{
	events.TypeLoadRecalculationRequested: {
		Schema: recalculationRequestedSchema,
	},
}

package logging

import (
	"time"

	"github.com/felixgeelhaar/bolt/v3"
)

// Field applies structured data to a log event.
type Field func(*bolt.Event) *bolt.Event

func ProjectID(id string) Field {
	return func(e *bolt.Event) *bolt.Event { return e.Str("project_id", id) }
}

func FromStage(stage string) Field {
	return func(e *bolt.Event) *bolt.Event { return e.Str("from_stage", stage) }
}

func ToStage(stage string) Field {
	return func(e *bolt.Event) *bolt.Event { return e.Str("to_stage", stage) }
}

func ActorID(id string) Field {
	return func(e *bolt.Event) *bolt.Event { return e.Str("actor_id", id) }
}

func Role(role string) Field {
	return func(e *bolt.Event) *bolt.Event { return e.Str("role", role) }
}

func Version(v int64) Field {
	return func(e *bolt.Event) *bolt.Event { return e.Int64("version", v) }
}

func Kind(kind string) Field {
	return func(e *bolt.Event) *bolt.Event { return e.Str("kind", kind) }
}

func Count(n int) Field {
	return func(e *bolt.Event) *bolt.Event { return e.Int("count", n) }
}

// Webhook adds the webhook id and event id of a delivery.
func Webhook(id string, eventID int64) Field {
	return func(e *bolt.Event) *bolt.Event { return e.Str("webhook", id).Int64("event_id", eventID) }
}

func Duration(d time.Duration) Field {
	return func(e *bolt.Event) *bolt.Event { return e.Int64("duration_ms", d.Milliseconds()) }
}

func Component(name string) Field {
	return func(e *bolt.Event) *bolt.Event { return e.Str("component", name) }
}

func ErrorField(err error) Field {
	return func(e *bolt.Event) *bolt.Event {
		if err == nil {
			return e
		}
		return e.Err(err)
	}
}

func Str(key, value string) Field {
	return func(e *bolt.Event) *bolt.Event { return e.Str(key, value) }
}

// Package event holds the platform event publisher: the single entry point
// that validates an event, records it durably, and fans it out to delivery
// consumers without ever letting a consumer failure reach the caller.
package event

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/oriva/platform/internal/db"
)

// eventTypePattern constrains event_type to lowercase snake-case.
var eventTypePattern = regexp.MustCompile(`^[a-z_]+$`)

var validCategories = map[string]bool{
	db.CategoryNotification: true,
	db.CategoryUser:         true,
	db.CategorySession:      true,
	db.CategoryTransaction:  true,
}

// ValidationError reports a malformed event field. Publish fails with it
// before any write happens.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// Input carries the fields of an event to publish.
type Input struct {
	AppID         string
	UserID        string
	EventCategory string
	EventType     string
	EntityType    string
	EntityID      string
	EventData     json.RawMessage
	IPAddress     *string
	UserAgent     *string
}

// Validate checks category, type shape, and entity fields. It inspects only
// the input, so a failure guarantees nothing was written.
func (in *Input) Validate() error {
	if !validCategories[in.EventCategory] {
		return &ValidationError{
			Field:   "event_category",
			Message: fmt.Sprintf("%q is not one of notification, user, session, transaction", in.EventCategory),
		}
	}
	if !eventTypePattern.MatchString(in.EventType) {
		return &ValidationError{
			Field:   "event_type",
			Message: fmt.Sprintf("%q must be lowercase snake_case", in.EventType),
		}
	}
	if in.EntityType == "" {
		return &ValidationError{Field: "entity_type", Message: "must not be empty"}
	}
	if in.EntityID == "" {
		return &ValidationError{Field: "entity_id", Message: "must not be empty"}
	}
	if in.AppID == "" {
		return &ValidationError{Field: "app_id", Message: "must not be empty"}
	}
	return nil
}

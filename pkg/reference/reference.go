// Package reference builds and parses the client reference strings exchanged
// with the payment gateway. A reference deterministically encodes the event
// type and the registration id, so a callback can always be resolved back to
// exactly one registration.
package reference

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// EventType identifies which event a registration belongs to.
type EventType string

const (
	EventFellowship EventType = "fellowship"
	EventConference EventType = "conference"
	EventAGM        EventType = "agm"
	EventExhibition EventType = "exhibition"
)

var prefixes = map[EventType]string{
	EventFellowship: "FELL-",
	EventConference: "CONF-",
	EventAGM:        "AGM-",
	EventExhibition: "EXPO-",
}

var (
	// ErrUnknownEventType indicates the event type has no reference prefix.
	ErrUnknownEventType = errors.New("unknown event type")

	// ErrMalformedReference indicates the reference does not match any known
	// prefix or does not carry a positive numeric id.
	ErrMalformedReference = errors.New("malformed client reference")
)

// Format builds the client reference for a registration id.
func Format(eventType EventType, id int64) (string, error) {
	prefix, ok := prefixes[eventType]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownEventType, eventType)
	}
	if id <= 0 {
		return "", fmt.Errorf("%w: non-positive id %d", ErrMalformedReference, id)
	}
	return fmt.Sprintf("%s%d", prefix, id), nil
}

// Parse resolves a client reference back to its event type and registration id.
func Parse(ref string) (EventType, int64, error) {
	ref = strings.TrimSpace(ref)
	for eventType, prefix := range prefixes {
		if !strings.HasPrefix(ref, prefix) {
			continue
		}
		id, err := strconv.ParseInt(strings.TrimPrefix(ref, prefix), 10, 64)
		if err != nil || id <= 0 {
			return "", 0, fmt.Errorf("%w: %q", ErrMalformedReference, ref)
		}
		return eventType, id, nil
	}
	return "", 0, fmt.Errorf("%w: %q", ErrMalformedReference, ref)
}

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	_, ok := prefixes[t]
	return ok
}

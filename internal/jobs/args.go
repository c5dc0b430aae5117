package jobs

import (
	"fmt"

	"github.com/google/uuid"
)

// Tenant identifies the owner of a job.
type Tenant struct {
	ProjectID      uuid.UUID
	OrganizationID uuid.UUID
}

// Task args travel through the queue as JSON, so handlers read them back
// from map[string]any. These helpers keep that decoding in one place.

// ArgString extracts a required string argument.
func ArgString(args map[string]any, key string) (string, error) {
	raw, ok := args[key]
	if !ok {
		return "", fmt.Errorf("missing task argument %q", key)
	}
	value, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("task argument %q is not a string", key)
	}
	return value, nil
}

// ArgStringOptional extracts an optional string argument.
func ArgStringOptional(args map[string]any, key string) string {
	if raw, ok := args[key]; ok {
		if value, ok := raw.(string); ok {
			return value
		}
	}
	return ""
}

// ArgUUID extracts a required UUID argument.
func ArgUUID(args map[string]any, key string) (uuid.UUID, error) {
	value, err := ArgString(args, key)
	if err != nil {
		return uuid.Nil, err
	}
	id, err := uuid.Parse(value)
	if err != nil {
		return uuid.Nil, fmt.Errorf("task argument %q is not a UUID: %w", key, err)
	}
	return id, nil
}

// ArgUUIDSlice extracts a required list of UUIDs.
func ArgUUIDSlice(args map[string]any, key string) ([]uuid.UUID, error) {
	raw, ok := args[key]
	if !ok {
		return nil, fmt.Errorf("missing task argument %q", key)
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("task argument %q is not a list", key)
	}
	ids := make([]uuid.UUID, 0, len(list))
	for _, item := range list {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("task argument %q contains a non-string element", key)
		}
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("task argument %q contains an invalid UUID: %w", key, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// ArgMap extracts an optional nested object argument.
func ArgMap(args map[string]any, key string) map[string]any {
	if raw, ok := args[key]; ok {
		if value, ok := raw.(map[string]any); ok {
			return value
		}
	}
	return nil
}

// UUIDStrings converts ids for embedding in task args.
func UUIDStrings(ids []uuid.UUID) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

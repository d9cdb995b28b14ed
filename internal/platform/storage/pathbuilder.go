package storage

import (
	"fmt"
	"strings"
	"time"
)

const incidentTimeLayout = "20060102T150405.000000000Z"

// IncidentPath composes {prefix}/{orderID}/{timestamp}.json. The timestamp is UTC with
// nanoseconds so two incidents for one order never collide.
func IncidentPath(prefix, orderID string, at time.Time) (string, error) {
	orderID, err := validateSegment("orderID", orderID)
	if err != nil {
		return "", err
	}
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		prefix = "incidents"
	}
	for _, part := range strings.Split(prefix, "/") {
		if _, err := validateSegment("prefix", part); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("%s/%s/%s.json", prefix, orderID, at.UTC().Format(incidentTimeLayout)), nil
}

func validateSegment(name, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("storage: %s is required", name)
	}
	if strings.ContainsAny(value, "/\\") {
		return "", fmt.Errorf("storage: %s contains invalid path characters", name)
	}
	if strings.Contains(value, "..") {
		return "", fmt.Errorf("storage: %s contains invalid traversal sequence", name)
	}
	return value, nil
}

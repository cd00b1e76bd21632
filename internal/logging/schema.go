package logging

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// LoggingSchemaFields are the fields every structured log line must carry.
type LoggingSchemaFields struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Component string `json:"component"`
	UnitID    string `json:"unit_id"`
	MissionID string `json:"mission_id"`
}

func populateRequiredLogFields(fields LoggingSchemaFields, defaultUnitID string) LoggingSchemaFields {
	if fields.Timestamp == "" {
		fields.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	if strings.TrimSpace(fields.Level) == "" {
		fields.Level = "info"
	}
	if strings.TrimSpace(fields.Component) == "" {
		fields.Component = "missionctl"
	}
	if strings.TrimSpace(fields.UnitID) == "" {
		fields.UnitID = defaultUnitID
	}
	if strings.TrimSpace(fields.MissionID) == "" {
		fields.MissionID = fields.UnitID
	}
	return fields
}

// ValidateStructuredLogLine checks that line is a JSON object carrying every
// required schema field with a well-formed timestamp.
func ValidateStructuredLogLine(line []byte) error {
	line = []byte(strings.TrimSpace(string(line)))
	if len(line) == 0 {
		return fmt.Errorf("log line is empty")
	}

	entry := map[string]interface{}{}
	if err := json.Unmarshal(line, &entry); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}

	required := []string{
		"timestamp",
		"level",
		"component",
		"unit_id",
		"mission_id",
	}
	for _, field := range required {
		value, ok := entry[field]
		if !ok {
			return fmt.Errorf("missing required field %q", field)
		}
		raw, ok := value.(string)
		if !ok || strings.TrimSpace(raw) == "" {
			return fmt.Errorf("required field %q must be a non-empty string", field)
		}
		if field == "timestamp" {
			if _, err := time.Parse(time.RFC3339, raw); err != nil {
				return fmt.Errorf("invalid timestamp %q: %w", raw, err)
			}
		}
	}

	return nil
}

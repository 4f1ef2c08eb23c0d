package queue

import (
	"encoding/json"
	"time"

	"github.com/jmgilman/go/errors"
)

// ActionType is the closed set of mutating operations the queue can hold.
// Adding a kind means adding a constant here and a case to every exhaustive
// switch over ActionType.
type ActionType int

const (
	CreateReminder ActionType = iota + 1
	UpdateReminder
	DeleteReminder
	MarkTaken
	SaveScanResult
	UpdateProfile
)

var actionNames = map[ActionType]string{
	CreateReminder: "CREATE_REMINDER",
	UpdateReminder: "UPDATE_REMINDER",
	DeleteReminder: "DELETE_REMINDER",
	MarkTaken:      "MARK_TAKEN",
	SaveScanResult: "SAVE_SCAN_RESULT",
	UpdateProfile:  "UPDATE_PROFILE",
}

// ActionTypes lists every known kind in declaration order.
func ActionTypes() []ActionType {
	return []ActionType{CreateReminder, UpdateReminder, DeleteReminder, MarkTaken, SaveScanResult, UpdateProfile}
}

func (t ActionType) String() string {
	if name, ok := actionNames[t]; ok {
		return name
	}
	return "UNKNOWN"
}

// Valid reports whether t is one of the known kinds.
func (t ActionType) Valid() bool {
	_, ok := actionNames[t]
	return ok
}

// ParseActionType maps a wire name such as "MARK_TAKEN" to its ActionType.
func ParseActionType(s string) (ActionType, error) {
	for t, name := range actionNames {
		if name == s {
			return t, nil
		}
	}
	return 0, errors.Newf(errors.CodeInvalidInput, "unknown action type %q", s)
}

func (t ActionType) MarshalJSON() ([]byte, error) {
	if !t.Valid() {
		return nil, errors.Newf(errors.CodeInvalidInput, "unknown action type %d", int(t))
	}
	return json.Marshal(t.String())
}

func (t *ActionType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return errors.Wrap(err, errors.CodeInvalidInput, "action type must be a string")
	}
	parsed, err := ParseActionType(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Action is one queued mutation.
type Action struct {
	ID         uint64          `json:"id"`
	Type       ActionType      `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	Timestamp  time.Time       `json:"timestamp"`
	RetryCount int             `json:"retry_count"`
}

// Field decodes one top-level string field of the payload. It returns "" when
// the payload is not an object or the field is missing or not a string.
func (a Action) Field(name string) string {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(a.Payload, &fields); err != nil {
		return ""
	}
	raw, ok := fields[name]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

package syncengine

import (
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/jmgilman/go/errors"

	"github.com/krisalay/offline-cache/queue"
	"github.com/krisalay/offline-cache/types"
)

// Remote paths the queued actions replay against. They are relative; the
// remote client resolves them against its base URL.
const (
	PathReminders = "/reminders"
	PathScans     = "/scans"
	PathProfile   = "/profile"
)

var jsonHeader = http.Header{"Content-Type": {"application/json"}}

// request maps a queued action to the call that applies it remotely. An
// action that cannot be mapped returns a CodeInvalidInput error; replaying it
// again would never succeed.
func request(a queue.Action) (types.Request, error) {
	switch a.Type {
	case queue.CreateReminder:
		return body(http.MethodPost, PathReminders, a), nil
	case queue.UpdateReminder:
		id, err := reminderID(a)
		if err != nil {
			return types.Request{}, err
		}
		return body(http.MethodPut, PathReminders+"/"+url.PathEscape(id), a), nil
	case queue.DeleteReminder:
		id, err := reminderID(a)
		if err != nil {
			return types.Request{}, err
		}
		return types.Request{Method: http.MethodDelete, URL: PathReminders + "/" + url.PathEscape(id)}, nil
	case queue.MarkTaken:
		id, err := reminderID(a)
		if err != nil {
			return types.Request{}, err
		}
		return body(http.MethodPost, PathReminders+"/"+url.PathEscape(id)+"/taken", a), nil
	case queue.SaveScanResult:
		return body(http.MethodPost, PathScans, a), nil
	case queue.UpdateProfile:
		return body(http.MethodPut, PathProfile, a), nil
	default:
		return types.Request{}, errors.Newf(errors.CodeInvalidInput, "no replay route for action type %s", a.Type)
	}
}

func body(method, path string, a queue.Action) types.Request {
	return types.Request{
		Method: method,
		URL:    path,
		Header: jsonHeader.Clone(),
		Body:   append([]byte(nil), a.Payload...),
	}
}

func reminderID(a queue.Action) (string, error) {
	for _, f := range []string{"reminderId", "id"} {
		if id := a.Field(f); id != "" {
			return id, nil
		}
	}
	return "", errors.Newf(errors.CodeInvalidInput, "%s action %d has no reminder id", a.Type, a.ID)
}

// entityID names the entity an action is about, for discard reports.
func entityID(a queue.Action) string {
	for _, f := range []string{"reminderId", "id", "localId", "scanId"} {
		if id := a.Field(f); id != "" {
			return id
		}
	}
	return ""
}

// reconcileIDs rewrites "id" and "reminderId" fields of payload that carry a
// local id the server has since replaced. It reports whether anything changed.
func reconcileIDs(payload json.RawMessage, ids map[string]string) (json.RawMessage, bool) {
	if len(ids) == 0 {
		return payload, false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return payload, false
	}

	changed := false
	for _, f := range []string{"id", "reminderId"} {
		raw, ok := fields[f]
		if !ok {
			continue
		}
		var local string
		if json.Unmarshal(raw, &local) != nil {
			continue
		}
		if server, ok := ids[local]; ok {
			fields[f], _ = json.Marshal(server)
			changed = true
		}
	}
	if !changed {
		return payload, false
	}

	out, err := json.Marshal(fields)
	if err != nil {
		return payload, false
	}
	return out, true
}

// serverID extracts the "id" the server assigned in a create response.
func serverID(resp types.Response) string {
	var created struct {
		ID json.RawMessage `json:"id"`
	}
	if json.Unmarshal(resp.Body, &created) != nil || len(created.ID) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(created.ID, &s) == nil {
		return s
	}
	// Numeric ids are kept in their JSON form.
	var n json.Number
	if json.Unmarshal(created.ID, &n) == nil {
		return n.String()
	}
	return ""
}

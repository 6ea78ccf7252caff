// Package normalize validates decoded archive lines and converts them into
// storage-ready events. Normalize is pure and safe for concurrent use.
package normalize

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/galois26/archive-ingester/internal/model"
	"github.com/galois26/archive-ingester/internal/util"
)

// Reason tags a rejected line. The empty Reason means accepted.
type Reason string

const (
	Accepted          Reason = ""
	ReasonInvalidJSON Reason = "invalid_json" // set by the decoder, counted with the rest
	ReasonLineTooLong Reason = "line_too_long"
	ReasonMissingID   Reason = "missing_id"
	ReasonInvalidID   Reason = "invalid_id"
	ReasonMissingType Reason = "missing_type"
	ReasonNumericType Reason = "numeric_type"
	ReasonMissingTime Reason = "missing_time"
	ReasonInvalidTime Reason = "invalid_time"
)

// Normalize checks the required fields (id, type, occurred time) and maps
// the optional ones leniently: anything absent or of the wrong shape
// becomes nil. raw is kept as the original line.
func Normalize(obj map[string]any, segment string, raw []byte) (model.NormalizedEvent, Reason) {
	ev := model.NormalizedEvent{SourceSegment: segment, Raw: json.RawMessage(raw)}

	idv, ok := obj["id"]
	if !ok || idv == nil {
		return ev, ReasonMissingID
	}
	id, ok := util.AsInt64(idv)
	if !ok {
		return ev, ReasonInvalidID
	}
	ev.ID = id

	switch t := obj["type"].(type) {
	case string:
		t = strings.TrimSpace(t)
		if t == "" {
			return ev, ReasonMissingType
		}
		if util.IsDigits(t) {
			return ev, ReasonNumericType
		}
		ev.Type = t
	case json.Number, float64:
		return ev, ReasonNumericType
	default:
		return ev, ReasonMissingType
	}

	tv, key := firstPresent(obj, "occurred_at", "created_at")
	if key == "" {
		return ev, ReasonMissingTime
	}
	var tok bool
	switch v := tv.(type) {
	case string:
		if t, err := util.ParseTimeFlexible(v); err == nil {
			ev.OccurredAt, tok = t, true
		}
	case json.Number:
		if t, err := util.ParseTimeFlexible(v.String()); err == nil {
			ev.OccurredAt, tok = t, true
		}
	}
	if !tok {
		return ev, ReasonInvalidTime
	}

	ev.Public = optBool(obj["public"])
	ev.Actor = actor(obj)
	ev.Repo = repo(obj)
	ev.Org = org(obj)
	if p, ok := obj["payload"]; ok && p != nil {
		if b, err := json.Marshal(p); err == nil {
			ev.Payload = b
		}
	}
	return ev, Accepted
}

func firstPresent(m map[string]any, keys ...string) (any, string) {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v, k
		}
	}
	return nil, ""
}

// actor accepts {"actor":{...}} and the older {"actor":"login","actor_attributes":{...}}.
func actor(obj map[string]any) model.Actor {
	var a model.Actor
	m, _ := obj["actor"].(map[string]any)
	if s, ok := obj["actor"].(string); ok {
		a.Login = optStr(s)
	}
	if attrs, ok := obj["actor_attributes"].(map[string]any); ok && m == nil {
		m = attrs
	}
	if m == nil {
		return a
	}
	a.ID = optInt(m["id"])
	if a.Login == nil {
		a.Login = optStr(m["login"])
	}
	a.URL = optStr(m["url"])
	a.AvatarURL = optStr(m["avatar_url"])
	a.GravatarID = optStr(m["gravatar_id"])
	return a
}

// repo accepts {"repo":{...}} and the older {"repository":{"owner":..,"name":..}}.
func repo(obj map[string]any) model.Repo {
	var r model.Repo
	if m, ok := obj["repo"].(map[string]any); ok {
		r.ID = optInt(m["id"])
		r.Name = optStr(m["name"])
		r.URL = optStr(m["url"])
		return r
	}
	m, ok := obj["repository"].(map[string]any)
	if !ok {
		return r
	}
	r.ID = optInt(m["id"])
	r.URL = optStr(m["url"])
	name := util.PickStr(m, "name")
	owner := util.PickStr(m, "owner")
	if owner != "" && name != "" && !strings.Contains(name, "/") {
		name = owner + "/" + name
	}
	r.Name = optStr(name)
	return r
}

func org(obj map[string]any) *model.Org {
	if m, ok := obj["org"].(map[string]any); ok {
		return &model.Org{ID: optInt(m["id"]), Login: optStr(m["login"]), URL: optStr(m["url"])}
	}
	if m, ok := obj["repository"].(map[string]any); ok {
		if login := util.PickStr(m, "organization"); login != "" {
			return &model.Org{Login: &login}
		}
	}
	return nil
}

func optStr(v any) *string {
	s, ok := v.(string)
	if !ok {
		return nil
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func optInt(v any) *int64 {
	n, ok := util.AsInt64(v)
	if !ok {
		return nil
	}
	return &n
}

func optBool(v any) *bool {
	switch b := v.(type) {
	case bool:
		return &b
	case string:
		if p, err := strconv.ParseBool(strings.TrimSpace(b)); err == nil {
			return &p
		}
	}
	return nil
}

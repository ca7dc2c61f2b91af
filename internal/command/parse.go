package command

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

func ParseJSONBytes(data []byte) (*Fields, error) {
	var obj map[string]interface{}
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, err
	}
	return ParseJSONMap(obj), nil
}

func ParseJSONMap(obj map[string]interface{}) *Fields {
	fields := &Fields{Extras: map[string]string{}}
	for key, val := range obj {
		switch v := val.(type) {
		case nil:
			continue
		case float64:
			fields.Extras[strings.ToLower(key)] = strconv.FormatFloat(v, 'f', -1, 64)
		default:
			fields.Extras[strings.ToLower(key)] = fmt.Sprint(v)
		}
	}
	fields.Op = firstNonEmpty(fields.Extras, "op", "operation", "type")
	fields.Actor = firstNonEmpty(fields.Extras, "actor", "actor_id", "player", "uuid")
	fields.Action = firstNonEmpty(fields.Extras, "action", "action_id", "cooldown")
	fields.Duration = firstNonEmpty(fields.Extras, "duration", "ttl", "seconds")
	fields.Notify = firstNonEmpty(fields.Extras, "notify", "notify_ready")
	return fields
}

func firstNonEmpty(values map[string]string, keys ...string) string {
	for _, key := range keys {
		if v := strings.TrimSpace(values[key]); v != "" {
			return v
		}
	}
	return ""
}

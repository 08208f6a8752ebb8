package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sort"
	"strconv"
	"strings"
)

// Payload is one delivery event as flat key/value pairs, with keys in
// whatever casing the sender used.
type Payload map[string]string

var fieldAliases = map[string][]string{
	"id":           {"messagesid", "smssid", "sid", "messageid", "providerid"},
	"status":       {"messagestatus", "smsstatus", "status"},
	"errorcode":    {"errorcode"},
	"errormessage": {"errormessage"},
	"from":         {"from", "fromaddress"},
	"to":           {"to", "toaddress"},
	"body":         {"body"},
	"direction":    {"direction"},
	"datecreated":  {"datecreated", "createdat"},
	"datesent":     {"datesent", "sentat"},
	"timestamp":    {"timestamp", "dateupdated", "updatedat"},
	"price":        {"price"},
	"nummedia":     {"nummedia"},
	"numsegments":  {"numsegments"},
}

func canonicalKey(key string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '_', '-', ' ', '.':
			return -1
		}
		return r
	}, strings.ToLower(strings.TrimSpace(key)))
}

// fields resolves aliases into canonical field names. The first non-empty
// alias wins.
func (p Payload) fields() map[string]string {
	flat := make(map[string]string, len(p))
	for k, v := range p {
		if v = strings.TrimSpace(v); v != "" {
			flat[canonicalKey(k)] = v
		}
	}

	out := make(map[string]string, len(fieldAliases))
	for name, aliases := range fieldAliases {
		for _, alias := range aliases {
			if v, ok := flat[alias]; ok {
				out[name] = v
				break
			}
		}
	}
	return out
}

// fingerprint identifies an event by its normalized content.
func fingerprint(fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := fnv.New64a()
	for _, k := range keys {
		_, _ = h.Write([]byte(k))
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(fields[k]))
		_, _ = h.Write([]byte{0})
	}
	return fields["id"] + ":" + strconv.FormatUint(h.Sum64(), 16)
}

// PayloadFromJSON decodes a JSON object into a Payload. Scalars are kept as
// their text form, nulls dropped and nested values rejected.
func PayloadFromJSON(data []byte) (Payload, error) {
	var raw map[string]any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}

	p := make(Payload, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case nil:
		case string:
			p[k] = val
		case json.Number:
			p[k] = val.String()
		case bool:
			p[k] = strconv.FormatBool(val)
		default:
			return nil, fmt.Errorf("field %q is not a scalar", k)
		}
	}
	return p, nil
}

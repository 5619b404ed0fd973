package executors

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/geocoder89/triggerhub/internal/domain/chainevent"
)

// renderTemplate substitutes `{{token}}` placeholders with values looked
// up from a fixed whitelist of event fields plus dotted paths into the
// payload, so a malicious trigger author cannot use the template to
// exfiltrate arbitrary process state.
func renderTemplate(tmpl string, e chainevent.Event) string {
	var payload any
	_ = json.Unmarshal(e.Payload, &payload)

	return replaceTokens(tmpl, func(token string) (string, bool) {
		switch token {
		case "event.id":
			return e.ID, true
		case "event.chainId":
			return e.ChainID, true
		case "event.registry":
			return e.Registry, true
		case "event.eventType":
			return e.EventType, true
		case "event.blockNumber":
			return fmt.Sprintf("%d", e.BlockNumber), true
		case "event.blockHash":
			return e.BlockHash, true
		case "event.timestamp":
			return e.Timestamp.UTC().Format("2006-01-02T15:04:05Z"), true
		}

		const payloadPrefix = "event.payload."
		if strings.HasPrefix(token, payloadPrefix) {
			path := strings.TrimPrefix(token, payloadPrefix)
			if v, found := lookupPath(payload, path); found {
				return stringifyScalar(v), true
			}
		}
		return "", false
	})
}

func replaceTokens(tmpl string, resolve func(token string) (string, bool)) string {
	var b strings.Builder
	i := 0
	for i < len(tmpl) {
		start := strings.Index(tmpl[i:], "{{")
		if start < 0 {
			b.WriteString(tmpl[i:])
			break
		}
		start += i
		b.WriteString(tmpl[i:start])

		end := strings.Index(tmpl[start:], "}}")
		if end < 0 {
			b.WriteString(tmpl[start:])
			break
		}
		end += start

		token := strings.TrimSpace(tmpl[start+2 : end])
		if v, found := resolve(token); found {
			b.WriteString(v)
		}
		// unresolved tokens render as empty, never echo raw syntax back
		// (avoids leaking whether a token name exists).
		i = end + 2
	}
	return b.String()
}

func lookupPath(root any, path string) (any, bool) {
	cur := root
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[part]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

func stringifyScalar(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case json.Number:
		return x.String()
	case bool:
		return fmt.Sprintf("%t", x)
	case nil:
		return ""
	default:
		b, _ := json.Marshal(x)
		return string(b)
	}
}

package subagent

import (
	"encoding/json"
	"fmt"
	"sort"
)

func toPromptString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []any:
		out := ""
		for i, item := range s {
			if i > 0 {
				out += ", "
			}
			out += toPromptString(item)
		}
		return out
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

// serializeSpec renders spec deterministically (sorted keys) since map
// iteration order is otherwise random and the prompt must be stable for
// reproducible cost estimates.
func serializeSpec(spec map[string]any) string {
	keys := make([]string, 0, len(spec))
	for k := range spec {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := ""
	for i, k := range keys {
		if i > 0 {
			out += "\n"
		}
		out += fmt.Sprintf("%s: %s", k, toPromptString(spec[k]))
	}
	return out
}

package localproc

import (
	"sort"
	"strings"
)

// mergeEnv resolves the process environment: base process env, then agent
// config env, then task-level overrides. Later layers win on key
// collision; unrecognized base keys pass through untouched.
func mergeEnv(base []string, layers ...map[string]string) []string {
	merged := make(map[string]string, len(base))
	order := make([]string, 0, len(base))
	for _, kv := range base {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if _, seen := merged[k]; !seen {
			order = append(order, k)
		}
		merged[k] = v
	}

	var added []string
	for _, layer := range layers {
		for k, v := range layer {
			if _, seen := merged[k]; !seen {
				added = append(added, k)
			}
			merged[k] = v
		}
	}
	// Base keys keep their original order; layered additions are sorted
	// for deterministic output.
	sort.Strings(added)

	out := make([]string, 0, len(merged))
	for _, k := range append(order, added...) {
		out = append(out, k+"="+merged[k])
	}
	return out
}

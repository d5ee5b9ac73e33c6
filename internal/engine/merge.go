package engine

import (
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/ecs"
)

// deepMerge merges patch into base recursively. Maps merge key-by-key;
// any other value in patch (including slices) replaces the base value, so
// the patch always wins on conflict. base is modified in place and returned.
func deepMerge(base, patch map[string]any) map[string]any {
	if base == nil {
		base = make(map[string]any, len(patch))
	}
	for k, pv := range patch {
		if pm, ok := pv.(map[string]any); ok {
			if bm, ok := base[k].(map[string]any); ok {
				base[k] = deepMerge(bm, pm)
				continue
			}
		}
		base[k] = pv
	}
	return base
}

// applyRunOverrides deep-merges a structured patch into a RunTask request.
// The patch keys follow the request's Go field names ("Cluster",
// "Overrides", ...). Merge goes through a JSON round trip so advanced
// fields not modeled by JobSpec can still be expressed; the patch is applied
// last and wins on conflict.
func applyRunOverrides(input *ecs.RunTaskInput, patch map[string]any) (*ecs.RunTaskInput, error) {
	if len(patch) == 0 {
		return input, nil
	}

	raw, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("encode run request: %w", err)
	}
	var base map[string]any
	if err := json.Unmarshal(raw, &base); err != nil {
		return nil, fmt.Errorf("decode run request: %w", err)
	}

	merged := deepMerge(base, patch)

	out, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("encode merged run request: %w", err)
	}
	patched := &ecs.RunTaskInput{}
	if err := json.Unmarshal(out, patched); err != nil {
		return nil, fmt.Errorf("apply run request overrides: %w", err)
	}
	return patched, nil
}

package swarm

import (
	"fmt"
	"sort"

	"github.com/xkilldash9x/compliance-swarm/api/schemas"
	"github.com/xkilldash9x/compliance-swarm/internal/jsoncompare"
)

// evidenceDrift splits the sources extracted successfully in both runs into
// those whose tool outputs changed and those that returned the same evidence.
// Both lists are sorted.
func evidenceDrift(c *jsoncompare.Comparer, prev, cur []schemas.ExtractionResult) (changed, unchanged []string) {
	before := make(map[string]schemas.ExtractionResult, len(prev))
	for _, res := range prev {
		if res.Succeeded() {
			before[res.Source] = res
		}
	}
	for _, res := range cur {
		old, ok := before[res.Source]
		if !ok || !res.Succeeded() {
			continue
		}
		if sameEvidence(c, old.ToolCalls, res.ToolCalls) {
			unchanged = append(unchanged, res.Source)
		} else {
			changed = append(changed, res.Source)
		}
	}
	sort.Strings(changed)
	sort.Strings(unchanged)
	return changed, unchanged
}

func sameEvidence(c *jsoncompare.Comparer, a, b []schemas.ToolCallRecord) bool {
	outA, outB := toolOutputs(a), toolOutputs(b)
	if len(outA) != len(outB) {
		return false
	}
	for key, resA := range outA {
		resB, ok := outB[key]
		if !ok || !c.Compare(resA, resB).Equivalent {
			return false
		}
	}
	return true
}

// toolOutputs keys successful results by server, tool and call position, so
// repeated calls to one tool are paired in order.
func toolOutputs(calls []schemas.ToolCallRecord) map[string]string {
	out := make(map[string]string, len(calls))
	seen := make(map[string]int)
	for _, call := range calls {
		if call.Status != schemas.ToolCallSuccess {
			continue
		}
		name := call.Server + "/" + call.Tool
		out[fmt.Sprintf("%s#%d", name, seen[name])] = call.Result
		seen[name]++
	}
	return out
}

package tasklog

import (
	"sort"

	"AgentNexus/internal/plan"
)

// Replay 按 Seq 顺序折叠状态条目，得到每个任务的最终状态。
func Replay(entries []Entry) map[string]plan.TaskStatus {
	ordered := append([]Entry(nil), entries...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Seq < ordered[j].Seq })

	out := make(map[string]plan.TaskStatus)
	for _, e := range ordered {
		if e.Kind != KindStatus || e.TaskID == "" || e.Status == "" {
			continue
		}
		out[e.TaskID] = e.Status
	}
	return out
}

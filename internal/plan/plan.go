package plan

import (
	"fmt"
	"sort"
	"strings"

	xerrors "AgentNexus/internal/errors"
)

// Plan 是一次分解得到的子任务集合，按生成顺序保存。
type Plan struct {
	WorkflowID string  `json:"workflow_id"`
	Request    string  `json:"request"`
	Tasks      []*Task `json:"tasks"`
	Confidence float64 `json:"confidence"`
	Fallback   bool    `json:"fallback"`
	// Unassigned 记录命中但没有可用代理的类别。
	Unassigned []string `json:"unassigned,omitempty"`
	// NeedsClarification 表示分类置信度不足，需要用户补充信息。
	NeedsClarification bool   `json:"needs_clarification"`
	Clarification      string `json:"clarification,omitempty"`
}

// Task 按 ID 查找子任务。
func (p *Plan) Task(id string) *Task {
	for _, t := range p.Tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// Categories 返回计划覆盖的类别。
func (p *Plan) Categories() []string {
	out := make([]string, 0, len(p.Tasks))
	for _, t := range p.Tasks {
		out = append(out, t.Category)
	}
	return out
}

// Validate 检查依赖引用是否存在且无环。
func (p *Plan) Validate() error {
	_, err := Layers(p.Tasks)
	return err
}

// Layers 按依赖关系把任务分层，同层任务之间相互独立。存在环时返回 CYCLIC_PLAN。
func Layers(tasks []*Task) ([][]*Task, error) {
	index := make(map[string]*Task, len(tasks))
	for _, t := range tasks {
		index[t.ID] = t
	}
	indegree := make(map[string]int, len(tasks))
	dependents := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		indegree[t.ID] += 0
		for _, dep := range t.DependsOn {
			if _, ok := index[dep]; !ok {
				return nil, xerrors.New(xerrors.CodeInvalidArgument,
					fmt.Sprintf("task %s depends on unknown task %s", t.ID, dep))
			}
			if dep == t.ID {
				return nil, cycleError([]string{t.ID})
			}
			indegree[t.ID]++
			dependents[dep] = append(dependents[dep], t.ID)
		}
	}

	order := make(map[string]int, len(tasks))
	for i, t := range tasks {
		order[t.ID] = i
	}

	var layers [][]*Task
	var ready []string
	for _, t := range tasks {
		if indegree[t.ID] == 0 {
			ready = append(ready, t.ID)
		}
	}
	visited := 0
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return order[ready[i]] < order[ready[j]] })
		layer := make([]*Task, 0, len(ready))
		var next []string
		for _, id := range ready {
			layer = append(layer, index[id])
			visited++
			for _, child := range dependents[id] {
				indegree[child]--
				if indegree[child] == 0 {
					next = append(next, child)
				}
			}
		}
		layers = append(layers, layer)
		ready = next
	}

	if visited != len(tasks) {
		var stuck []string
		for _, t := range tasks {
			if indegree[t.ID] > 0 {
				stuck = append(stuck, t.ID)
			}
		}
		return nil, cycleError(stuck)
	}
	return layers, nil
}

func cycleError(ids []string) error {
	return xerrors.New(xerrors.CodeCyclicPlan,
		"task dependencies contain a cycle: "+strings.Join(ids, ", "),
		xerrors.WithMetadata("tasks", strings.Join(ids, ",")))
}

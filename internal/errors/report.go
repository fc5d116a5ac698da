package errors

import "strings"

// Report 是面向用户的结构化失败说明。
type Report struct {
	TaskID              string   `json:"task_id,omitempty"`
	Task                string   `json:"task"`
	Code                Code     `json:"code"`
	AttemptedSolutions  []string `json:"attempted_solutions,omitempty"`
	FailureReason       string   `json:"failure_reason"`
	RecommendedNextStep string   `json:"recommended_next_step"`
}

// NewReport 根据错误码生成报告，next 为空时按错误码给出默认建议。
func NewReport(taskID, task string, err error, attempted []string, next string) Report {
	code := CodeOf(err)
	reason := ""
	if err != nil {
		reason = err.Error()
		if e, ok := From(err); ok {
			reason = e.Message()
			if cause := e.Unwrap(); cause != nil {
				reason = reason + ": " + cause.Error()
			}
		}
	}
	if strings.TrimSpace(next) == "" {
		next = nextStepFor(code)
	}
	return Report{
		TaskID:              taskID,
		Task:                task,
		Code:                code,
		AttemptedSolutions:  append([]string(nil), attempted...),
		FailureReason:       reason,
		RecommendedNextStep: next,
	}
}

func nextStepFor(code Code) string {
	switch code {
	case CodeEmptyRequest:
		return "describe what should be done and resubmit"
	case CodeNoCapableAgent:
		return "enable an agent with the required capability and retry"
	case CodeWorkerTimeout, CodeRetryBudgetExhausted:
		return "retry later or raise the worker timeout"
	case CodeWorkerMalformedResponse, CodeValidationMalformed:
		return "rephrase the request or check the agent prompt configuration"
	case CodeValidationUnavailable:
		return "enable the validation agent or switch the validation policy to fail_open"
	case CodeCancelled:
		return "resubmit the request"
	case CodeDecompositionFailed:
		return "clarify the request with more specific requirements"
	default:
		return "inspect the workflow log for details"
	}
}

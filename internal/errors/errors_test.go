package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestNewUsesRegisteredDefaults(t *testing.T) {
	err := New(CodeWorkerTimeout, "")
	if err.Message() != "worker call timed out" {
		t.Fatalf("expected registered message, got %q", err.Message())
	}
	if !err.Retryable() {
		t.Fatalf("worker timeout should be retryable")
	}
	if err.Severity() != SeverityWarning {
		t.Fatalf("unexpected severity: %s", err.Severity())
	}
	if err.Error() != "[WORKER_TIMEOUT] worker call timed out" {
		t.Fatalf("unexpected error string: %q", err.Error())
	}
}

func TestOptionsOverrideDefaults(t *testing.T) {
	err := New(CodeStorageFailure, "写入失败",
		WithRetryable(false),
		WithAlert(false),
		WithSeverity(SeverityInfo),
		WithMetadata("table", "agents"))
	if err.Retryable() || err.ShouldAlert() {
		t.Fatalf("overrides were ignored")
	}
	if err.Severity() != SeverityInfo {
		t.Fatalf("unexpected severity: %s", err.Severity())
	}
	meta := err.Metadata()
	meta["table"] = "mutated"
	if err.Metadata()["table"] != "agents" {
		t.Fatalf("metadata should be returned as a copy")
	}
}

func TestIsComparesCodesThroughWrapping(t *testing.T) {
	cause := stdErrors.New("dial tcp: refused")
	err := fmt.Errorf("invoke: %w", Wrap(CodeWorkerTransport, cause, "调用失败"))

	if !stdErrors.Is(err, New(CodeWorkerTransport, "other message")) {
		t.Fatalf("expected errors.Is to match by code")
	}
	if stdErrors.Is(err, New(CodeWorkerTimeout, "")) {
		t.Fatalf("different codes must not match")
	}
	if !stdErrors.Is(err, cause) {
		t.Fatalf("expected cause to be reachable")
	}
	if CodeOf(err) != CodeWorkerTransport {
		t.Fatalf("unexpected code: %s", CodeOf(err))
	}
	if !RetryableError(err) {
		t.Fatalf("transport failures should be retryable")
	}
}

func TestHelpersOnPlainErrors(t *testing.T) {
	plain := stdErrors.New("boom")
	if CodeOf(plain) != CodeUnknown {
		t.Fatalf("plain errors should map to UNKNOWN")
	}
	if RetryableError(plain) || ShouldAlert(plain) {
		t.Fatalf("plain errors are neither retryable nor alerting")
	}
	if SeverityOf(plain) != SeverityCritical {
		t.Fatalf("plain errors should take UNKNOWN severity")
	}
	if _, ok := From(nil); ok {
		t.Fatalf("nil must not convert")
	}
}

func TestRegisterAddsCode(t *testing.T) {
	const code Code = "TEST_CUSTOM_CODE"
	Register(code, Attributes{Message: "custom", Severity: SeverityInfo, Alert: true})
	err := New(code, "")
	if err.Message() != "custom" || !err.ShouldAlert() {
		t.Fatalf("registered attributes not applied: %+v", AttributesOf(code))
	}
	if AttributesOf("NEVER_REGISTERED").Message != "unknown error" {
		t.Fatalf("unregistered codes should fall back to UNKNOWN")
	}
}

func TestNewReportFillsNextStep(t *testing.T) {
	err := Wrap(CodeRetryBudgetExhausted, stdErrors.New("timeout"), "重试次数已用尽")
	report := NewReport("t1", "build login form", err, []string{"agent 3", "agent 5"}, "")
	if report.Code != CodeRetryBudgetExhausted {
		t.Fatalf("unexpected code: %s", report.Code)
	}
	if report.FailureReason != "重试次数已用尽: timeout" {
		t.Fatalf("unexpected reason: %q", report.FailureReason)
	}
	if report.RecommendedNextStep != "retry later or raise the worker timeout" {
		t.Fatalf("unexpected next step: %q", report.RecommendedNextStep)
	}
	if len(report.AttemptedSolutions) != 2 {
		t.Fatalf("attempted solutions lost: %v", report.AttemptedSolutions)
	}

	custom := NewReport("t2", "x", New(CodeEmptyRequest, ""), nil, "ask again")
	if custom.RecommendedNextStep != "ask again" {
		t.Fatalf("explicit next step should win, got %q", custom.RecommendedNextStep)
	}
}

package llm

import (
	"errors"
	"strings"
	"testing"
)

func TestParseOutputStructured(t *testing.T) {
	out, err := ParseOutput("```json\n{\"result\":\"done\",\"substeps\":[{\"step_name\":\"schema\",\"status\":\"completed\",\"result\":\"ok\"}],\"insights\":[{\"key\":\"db\",\"value\":{\"engine\":\"mysql\"},\"tags\":[\"data\"]}]}\n```")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.Structured() {
		t.Fatalf("expected structured output")
	}
	if out.Text() != "done" {
		t.Fatalf("unexpected text: %q", out.Text())
	}
	steps := out.Substeps()
	if len(steps) != 1 || steps[0].StepName != "schema" || steps[0].Status != "completed" {
		t.Fatalf("unexpected substeps: %+v", steps)
	}
	insights := out.Insights()
	if len(insights) != 1 || insights[0].Key != "db" || insights[0].Value != `{"engine":"mysql"}` || insights[0].Tags[0] != "data" {
		t.Fatalf("unexpected insights: %+v", insights)
	}
}

func TestParseOutputEmbeddedJSON(t *testing.T) {
	out, err := ParseOutput(`Here you go: {"approved": true, "feedback": "fine"} thanks`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.Structured() || !out.Get("approved").Bool() {
		t.Fatalf("expected approved structured output, got %+v", out)
	}
}

func TestParseOutputFreeText(t *testing.T) {
	out, err := ParseOutput("  APPROVED looks good  ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Structured() {
		t.Fatalf("expected free text")
	}
	if out.Text() != "APPROVED looks good" {
		t.Fatalf("unexpected text: %q", out.Text())
	}
	if out.Get("approved").Exists() {
		t.Fatalf("free text must not expose fields")
	}
}

func TestParseOutputEmpty(t *testing.T) {
	if _, err := ParseOutput("   \n"); !errors.Is(err, ErrEmptyOutput) {
		t.Fatalf("expected ErrEmptyOutput, got %v", err)
	}
}

func TestBuildPromptIncludesContext(t *testing.T) {
	prompt := BuildPrompt(Request{
		TaskDescription: "design the api",
		PriorContext:    []ContextItem{{Label: "memory", Content: "use REST"}},
	})
	if want := "[1] memory: use REST"; !strings.Contains(prompt, want) {
		t.Fatalf("prompt missing context line %q:\n%s", want, prompt)
	}
}

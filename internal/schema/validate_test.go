package schema

import (
	"strings"
	"testing"
)

func TestMapValidatorChecksTypesAndRequired(t *testing.T) {
	v := &MapValidator{
		Fields: map[string]FieldType{
			"title": TypeString,
			"count": TypeNumber,
		},
		Required: []string{"title"},
	}

	if _, issues := v.Validate(map[string]any{"title": "ok", "count": 3}); len(issues) != 0 {
		t.Fatalf("valid input rejected: %v", issues)
	}
	if _, issues := v.Validate("not an object"); len(issues) != 1 {
		t.Fatalf("non-object input must fail: %v", issues)
	}

	_, issues := v.Validate(map[string]any{"count": "three", "extra": true})
	if len(issues) != 3 {
		t.Fatalf("expected missing title + bad count + unknown extra, got %v", issues)
	}
	joined := JoinIssues(issues)
	for _, want := range []string{"title: required", "count: expected number", "extra: unknown field"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("joined issues missing %q: %s", want, joined)
		}
	}
}

type noteInput struct {
	ID    string `json:"id" validate:"required"`
	Title string `json:"title" validate:"required,max=10"`
	Score int    `json:"score" validate:"gte=0"`
}

func TestStructValidatorReturnsTypedValue(t *testing.T) {
	v := NewStructValidator(noteInput{})
	out, issues := v.Validate(map[string]any{"id": "n1", "title": "hello", "score": 3})
	if len(issues) != 0 {
		t.Fatalf("valid input rejected: %v", issues)
	}
	got, ok := out.(noteInput)
	if !ok {
		t.Fatalf("expected typed value, got %T", out)
	}
	if got.ID != "n1" || got.Title != "hello" || got.Score != 3 {
		t.Fatalf("decoded value wrong: %+v", got)
	}
}

func TestStructValidatorReportsTagFailuresWithJSONPaths(t *testing.T) {
	v := NewStructValidator(noteInput{})
	_, issues := v.Validate(map[string]any{"id": "n1", "title": "far too long a title", "score": -1})
	if len(issues) != 2 {
		t.Fatalf("expected two issues, got %v", issues)
	}
	joined := JoinIssues(issues)
	if !strings.Contains(joined, "title: ") || !strings.Contains(joined, "score: ") {
		t.Fatalf("issue paths must use json names: %s", joined)
	}

	_, issues = v.Validate(map[string]any{"title": "x"})
	if len(issues) != 1 || strings.Join(issues[0].Path, ".") != "id" {
		t.Fatalf("missing required field must be reported under its json name: %v", issues)
	}
}

func TestStructValidatorRejectsMalformedInput(t *testing.T) {
	v := NewStructValidator(noteInput{})
	if _, issues := v.Validate(map[string]any{"score": "NaN"}); len(issues) == 0 {
		t.Fatal("type-mismatched input must fail to decode")
	}
}

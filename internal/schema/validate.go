package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Issue is one validation failure, qualified by the path into the input.
type Issue struct {
	Path    []string
	Message string
}

// Validator is the contract a custom mutation's input schema must satisfy.
// Validate returns the (possibly coerced) value, or a non-empty issue list.
// The engine treats validators as opaque; any implementation works.
type Validator interface {
	Validate(input any) (any, []Issue)
}

// JoinIssues renders issues as a single "path: message" list, the form carried
// in a REJECT envelope.
func JoinIssues(issues []Issue) string {
	parts := make([]string, len(issues))
	for i, is := range issues {
		if len(is.Path) == 0 {
			parts[i] = is.Message
			continue
		}
		parts[i] = strings.Join(is.Path, ".") + ": " + is.Message
	}
	return strings.Join(parts, ", ")
}

// MapValidator validates a map input against per-key field rules.
type MapValidator struct {
	Fields   map[string]FieldType
	Required []string
}

func (v *MapValidator) Validate(input any) (any, []Issue) {
	m, ok := input.(map[string]any)
	if !ok {
		return nil, []Issue{{Message: "expected object input"}}
	}
	var issues []Issue
	for _, req := range v.Required {
		if _, ok := m[req]; !ok {
			issues = append(issues, Issue{Path: []string{req}, Message: "required"})
		}
	}
	for key, val := range m {
		ft, ok := v.Fields[key]
		if !ok {
			issues = append(issues, Issue{Path: []string{key}, Message: "unknown field"})
			continue
		}
		if val == nil {
			continue
		}
		if msg := checkKind(ft, val); msg != "" {
			issues = append(issues, Issue{Path: []string{key}, Message: msg})
		}
	}
	if len(issues) > 0 {
		return nil, issues
	}
	return m, nil
}

func checkKind(ft FieldType, val any) string {
	switch ft {
	case TypeString, TypeID, TypeEnum, TypeDate, TypeReference:
		if _, ok := val.(string); !ok {
			return fmt.Sprintf("expected string, got %T", val)
		}
	case TypeNumber:
		switch val.(type) {
		case float64, float32, int, int64, int32:
		default:
			return fmt.Sprintf("expected number, got %T", val)
		}
	case TypeBoolean:
		if _, ok := val.(bool); !ok {
			return fmt.Sprintf("expected boolean, got %T", val)
		}
	}
	return ""
}

// StructValidator adapts go-playground/validator struct tags to the Validator
// contract. The raw input is decoded into a fresh copy of the prototype
// struct, tag rules run against it, and the typed value is returned. Issue
// paths use the json field names.
type StructValidator struct {
	prototype reflect.Type
	validate  *validator.Validate
}

func NewStructValidator(prototype any) *StructValidator {
	vd := validator.New()
	vd.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return &StructValidator{prototype: reflect.TypeOf(prototype), validate: vd}
}

func (v *StructValidator) Validate(input any) (any, []Issue) {
	target := reflect.New(v.prototype).Interface()
	data, err := json.Marshal(input)
	if err != nil {
		return nil, []Issue{{Message: "expected object input"}}
	}
	if err := json.Unmarshal(data, target); err != nil {
		return nil, []Issue{{Message: "malformed input: " + err.Error()}}
	}
	value := reflect.ValueOf(target).Elem().Interface()

	if err := v.validate.Struct(value); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return nil, []Issue{{Message: err.Error()}}
		}
		issues := make([]Issue, len(verrs))
		for i, fe := range verrs {
			issues[i] = Issue{
				Path:    []string{fe.Field()},
				Message: fmt.Sprintf("failed %q validation", fe.Tag()),
			}
		}
		return nil, issues
	}
	return value, nil
}

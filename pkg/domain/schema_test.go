package domain

import (
	"context"
	"errors"
	"strings"
	"testing"
)

var noteSchema = Schema{
	Version: 1,
	Entities: map[EntityType]EntitySchema{
		"note": {
			Required:   []string{"title"},
			Attributes: map[string]AttributeKind{"title": KindString, "rank": KindNumber, "due": KindTime, "tags": KindList, "meta": KindObject, "done": KindBool},
		},
		"strict": {Attributes: map[string]AttributeKind{"name": KindString}, Strict: true},
	},
}

func TestSchemaValidate(t *testing.T) {
	cases := []struct {
		name string
		obj  Object
		want []string
	}{
		{"valid", Object{Entity: "note", Attributes: Attributes{"title": "t", "rank": 1.0, "due": "2024-01-01T00:00:00Z", "tags": []any{}, "meta": map[string]any{}, "done": true}}, nil},
		{"missing required", Object{Entity: "note", Attributes: Attributes{}}, []string{`missing required attribute "title"`}},
		{"null required", Object{Entity: "note", Attributes: Attributes{"title": nil}}, []string{"missing required"}},
		{"wrong kinds", Object{Entity: "note", Attributes: Attributes{"title": 1.0, "due": "yesterday"}}, []string{`"due" must be time`, `"title" must be string`}},
		{"unknown entity", Object{Entity: "tag"}, []string{`unknown entity "tag"`}},
		{"strict", Object{Entity: "strict", Attributes: Attributes{"name": "n", "extra": 1.0}}, []string{`undeclared attribute "extra"`}},
		{"undeclared allowed", Object{Entity: "note", Attributes: Attributes{"title": "t", "other": 1.0}}, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := noteSchema.Validate(tc.obj)
			if len(got) != len(tc.want) {
				t.Fatalf("got %d violations %+v, want %d", len(got), got, len(tc.want))
			}
			for i, want := range tc.want {
				if !strings.Contains(got[i].Message, want) || got[i].Severity != SeverityBlock || got[i].Rule != SchemaRuleName {
					t.Fatalf("violation %d = %+v, want message containing %q", i, got[i], want)
				}
			}
		})
	}
	if v := (Schema{}).Validate(Object{Entity: "anything"}); v != nil {
		t.Fatalf("an empty schema accepts everything, got %+v", v)
	}
}

func TestSchemaFingerprint(t *testing.T) {
	a := noteSchema.Fingerprint()
	if a == "" || a != noteSchema.Fingerprint() {
		t.Fatalf("fingerprint must be stable")
	}
	changed := Schema{Version: 1, Entities: map[EntityType]EntitySchema{"note": {Required: []string{"body"}}}}
	if changed.Fingerprint() == a {
		t.Fatalf("different schemas must have different fingerprints")
	}
}

func TestRulesEngine(t *testing.T) {
	after := Object{ID: "1", Entity: "note", Attributes: Attributes{}}
	changes := []Change{{Entity: "note", Action: ActionCreate, ObjectID: "1", After: &after}}
	warn := RuleFunc{RuleName: "warn", Fn: func(context.Context, View, []Change) (Result, error) {
		return Result{Violations: []Violation{{Rule: "warn", Severity: SeverityWarn, Message: "careful"}}}, nil
	}}
	engine := NewRulesEngine(noteSchema.Rule(), nil, warn, RuleFunc{RuleName: "empty"})
	if len(engine.Rules()) != 3 {
		t.Fatalf("nil rules must be skipped, got %d", len(engine.Rules()))
	}
	res, err := engine.Evaluate(context.Background(), nil, changes)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(res.Violations) != 2 || !res.HasBlocking() {
		t.Fatalf("unexpected result %+v", res)
	}
	msg := RuleViolationError{Result: res}.Error()
	if !strings.Contains(msg, "schema: note 1") || strings.Contains(msg, "careful") {
		t.Fatalf("error must list only blocking violations, got %q", msg)
	}

	boom := errors.New("boom")
	engine.Register(RuleFunc{RuleName: "broken", Fn: func(context.Context, View, []Change) (Result, error) { return Result{}, boom }})
	if _, err := engine.Evaluate(context.Background(), nil, changes); !errors.Is(err, boom) || !strings.Contains(err.Error(), "rule broken") {
		t.Fatalf("expected wrapped rule error, got %v", err)
	}
}

func TestErrorsUnwrap(t *testing.T) {
	cause := errors.New("disk")
	if err := NewLoadError(LoadCorrupt, "x.db", cause); !errors.Is(err, cause) || !strings.Contains(err.Error(), "corrupt") {
		t.Fatalf("unexpected load error %v", err)
	}
	if err := NewLoadError(LoadMissing, "x.db", nil); err.Error() != "load x.db: missing" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if err := (&IOError{Op: "write", Location: "x.db", Err: cause}); !errors.Is(err, cause) {
		t.Fatalf("io error must unwrap")
	}
	if !(Batch{}).Empty() || (Batch{Deletes: []string{"a"}}).Empty() {
		t.Fatalf("unexpected Batch.Empty")
	}
}

package executor

import (
	"strings"
	"testing"

	"github.com/ZanzyTHEbar/layerbridge"
)

func step(id string, deps ...string) layerbridge.WorkflowStep {
	return layerbridge.WorkflowStep{ID: id, Action: layerbridge.KindQuery, Input: prompt(id), DependsOn: deps}
}

func TestValidate_TableDriven(t *testing.T) {
	tests := []struct {
		name    string
		def     *layerbridge.WorkflowDefinition
		wantErr string
	}{
		{
			"valid workflow",
			&layerbridge.WorkflowDefinition{ID: "ok", Steps: []layerbridge.WorkflowStep{step("a"), step("b", "a")}},
			"",
		},
		{"nil definition", nil, "nil"},
		{"no steps", &layerbridge.WorkflowDefinition{ID: "empty"}, "no steps"},
		{
			"duplicate id",
			&layerbridge.WorkflowDefinition{Steps: []layerbridge.WorkflowStep{step("a"), step("a")}},
			"duplicate step id",
		},
		{
			"empty id",
			&layerbridge.WorkflowDefinition{Steps: []layerbridge.WorkflowStep{step("")}},
			"empty id",
		},
		{
			"missing dependency",
			&layerbridge.WorkflowDefinition{Steps: []layerbridge.WorkflowStep{step("a", "b")}},
			"unknown step",
		},
		{
			"self dependency",
			&layerbridge.WorkflowDefinition{Steps: []layerbridge.WorkflowStep{step("a", "a")}},
			"depends on itself",
		},
		{
			"cycle",
			&layerbridge.WorkflowDefinition{Steps: []layerbridge.WorkflowStep{step("a", "b"), step("b", "c"), step("c", "a")}},
			"a -> b -> c -> a",
		},
		{
			"unknown action",
			&layerbridge.WorkflowDefinition{Steps: []layerbridge.WorkflowStep{{ID: "a", Action: "dance"}}},
			"unknown action",
		},
		{
			"unknown layer",
			&layerbridge.WorkflowDefinition{Steps: []layerbridge.WorkflowStep{{ID: "a", Action: layerbridge.KindQuery, Layer: "quantum"}}},
			"unknown layer",
		},
		{
			"placeholder outside depends_on",
			&layerbridge.WorkflowDefinition{Steps: []layerbridge.WorkflowStep{
				step("a"),
				{ID: "b", Action: layerbridge.KindQuery, Input: prompt("use {{a}}")},
			}},
			"not in depends_on",
		},
		{
			"typed reference outside depends_on",
			&layerbridge.WorkflowDefinition{Steps: []layerbridge.WorkflowStep{
				step("a"),
				{ID: "b", Action: layerbridge.KindQuery, Input: map[string]interface{}{"files": layerbridge.Ref("a", "path")}},
			}},
			"not in depends_on",
		},
		{
			"dangling reference",
			&layerbridge.WorkflowDefinition{Steps: []layerbridge.WorkflowStep{
				{ID: "b", Action: layerbridge.KindQuery, Input: prompt("use {{ghost.text}}")},
			}},
			"{{ghost.text}}",
		},
		{
			"condition does not parse",
			&layerbridge.WorkflowDefinition{Steps: []layerbridge.WorkflowStep{
				step("a"),
				{ID: "b", Action: layerbridge.KindQuery, Input: prompt("b"), DependsOn: []string{"a"}, Condition: "a == "},
			}},
			"invalid condition",
		},
		{
			"condition reads a non dependency",
			&layerbridge.WorkflowDefinition{Steps: []layerbridge.WorkflowStep{
				step("a"), step("c"),
				{ID: "b", Action: layerbridge.KindQuery, Input: prompt("b"), DependsOn: []string{"a"}, Condition: `c == "x"`},
			}},
			`reads "c"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.def)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() unexpected error: %v", err)
				}
				return
			}
			if !layerbridge.IsValidation(err) {
				t.Fatalf("Validate() error = %v, want validation error", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestToOutputRefs(t *testing.T) {
	in := map[string]interface{}{
		"whole":   "$extract.output",
		"field":   "$extract.output.text",
		"literal": "$5 off",
		"list":    []interface{}{"$a.output.items", "plain"},
	}
	out := toOutputRefs(in).(map[string]interface{})

	if ref, ok := out["whole"].(layerbridge.OutputRef); !ok || ref.StepID != "extract" || len(ref.Path) != 0 {
		t.Errorf("whole = %#v", out["whole"])
	}
	if ref, ok := out["field"].(layerbridge.OutputRef); !ok || ref.String() != "{{extract.text}}" {
		t.Errorf("field = %#v", out["field"])
	}
	if out["literal"] != "$5 off" {
		t.Errorf("literal = %#v", out["literal"])
	}
	list := out["list"].([]interface{})
	if ref, ok := list[0].(layerbridge.OutputRef); !ok || ref.StepID != "a" {
		t.Errorf("list[0] = %#v", list[0])
	}
}

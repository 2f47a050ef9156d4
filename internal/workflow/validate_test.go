package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/orbitmesh/orbitmesh/pkg/api/v1"
)

func jobStep(id string, deps ...string) v1.Step {
	return v1.Step{
		ID:        id,
		Type:      v1.StepTypeJob,
		DependsOn: deps,
		Job:       &v1.JobStepConfig{Command: "echo"},
	}
}

func TestValidateDefinition(t *testing.T) {
	def := &v1.WorkflowDefinition{
		ID:      "deploy",
		Version: 1,
		Steps: []v1.Step{
			jobStep("build"),
			jobStep("test", "build"),
			jobStep("release", "build", "test"),
		},
	}
	assert.NoError(t, ValidateDefinition(def))
}

func TestValidateDefinitionRejects(t *testing.T) {
	cases := []struct {
		name string
		def  *v1.WorkflowDefinition
	}{
		{"missing id", &v1.WorkflowDefinition{Steps: []v1.Step{jobStep("a")}}},
		{"no steps", &v1.WorkflowDefinition{ID: "wf"}},
		{"unknown error mode", &v1.WorkflowDefinition{
			ID: "wf", ErrorHandling: "explode", Steps: []v1.Step{jobStep("a")},
		}},
		{"duplicate id", &v1.WorkflowDefinition{
			ID: "wf", Steps: []v1.Step{jobStep("a"), jobStep("a")},
		}},
		{"unknown dependency", &v1.WorkflowDefinition{
			ID: "wf", Steps: []v1.Step{jobStep("a", "ghost")},
		}},
		{"cycle", &v1.WorkflowDefinition{
			ID: "wf", Steps: []v1.Step{jobStep("a", "b"), jobStep("b", "a")},
		}},
		{"job without command", &v1.WorkflowDefinition{
			ID: "wf", Steps: []v1.Step{{ID: "a", Type: v1.StepTypeJob, Job: &v1.JobStepConfig{}}},
		}},
		{"delay without duration", &v1.WorkflowDefinition{
			ID: "wf", Steps: []v1.Step{{ID: "a", Type: v1.StepTypeDelay}},
		}},
		{"unknown type", &v1.WorkflowDefinition{
			ID: "wf", Steps: []v1.Step{{ID: "a", Type: "teleport"}},
		}},
		{"bad condition", &v1.WorkflowDefinition{
			ID: "wf", Steps: []v1.Step{{ID: "a", Type: v1.StepTypeDelay, Delay: time.Second, Condition: "x >"}},
		}},
		{"conditional without branches", &v1.WorkflowDefinition{
			ID: "wf", Steps: []v1.Step{{ID: "a", Type: v1.StepTypeConditional, Expression: "true"}},
		}},
		{"wait without event type", &v1.WorkflowDefinition{
			ID: "wf", Steps: []v1.Step{{ID: "a", Type: v1.StepTypeWaitEvent, WaitEvent: &v1.WaitEventConfig{}}},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Error(t, ValidateDefinition(tc.def))
		})
	}
}

func TestValidateDuplicateIDsAcrossNesting(t *testing.T) {
	// A nested step may not reuse a top-level id.
	def := &v1.WorkflowDefinition{
		ID: "wf",
		Steps: []v1.Step{
			jobStep("build"),
			{
				ID:         "check",
				Type:       v1.StepTypeConditional,
				Expression: "true",
				Then:       []v1.Step{jobStep("build")},
			},
		},
	}
	assert.Error(t, ValidateDefinition(def))
}

func TestValidateDependenciesAreListLocal(t *testing.T) {
	// A branch step cannot depend on a step outside its own list.
	def := &v1.WorkflowDefinition{
		ID: "wf",
		Steps: []v1.Step{
			jobStep("outer"),
			{
				ID:       "par",
				Type:     v1.StepTypeParallel,
				Branches: [][]v1.Step{{jobStep("inner", "outer")}},
			},
		},
	}
	assert.Error(t, ValidateDefinition(def))
}

func TestValidateParallelOutputConflict(t *testing.T) {
	conflicted := func(varA, varB string) *v1.WorkflowDefinition {
		a := jobStep("a")
		a.OutputVariable = varA
		b := jobStep("b")
		b.OutputVariable = varB
		return &v1.WorkflowDefinition{
			ID: "wf",
			Steps: []v1.Step{{
				ID:       "par",
				Type:     v1.StepTypeParallel,
				Branches: [][]v1.Step{{a}, {b}},
			}},
		}
	}

	assert.Error(t, ValidateDefinition(conflicted("result", "result")))
	assert.NoError(t, ValidateDefinition(conflicted("result_a", "result_b")))
}

func TestParseYAMLRoundTrip(t *testing.T) {
	src := `
id: deploy
name: Deploy pipeline
steps:
  - id: build
    type: job
    job:
      command: build
  - id: verify
    type: conditional
    depends_on: [build]
    expression: "env == 'prod'"
    then:
      - id: smoke
        type: job
        job:
          command: smoke-test
variables:
  env: prod
`
	def, err := ParseYAML([]byte(src))
	require.NoError(t, err)
	assert.Equal(t, "deploy", def.ID)
	assert.Equal(t, 1, def.Version, "version defaults to 1")
	require.Len(t, def.Steps, 2)
	assert.Equal(t, v1.StepTypeConditional, def.Steps[1].Type)
	assert.Equal(t, "prod", def.Variables["env"])

	out, err := MarshalYAML(def)
	require.NoError(t, err)
	again, err := ParseYAML(out)
	require.NoError(t, err)
	assert.Equal(t, def, again)
}

func TestParseYAMLRejectsInvalid(t *testing.T) {
	_, err := ParseYAML([]byte("id: wf\nsteps: []\n"))
	assert.Error(t, err)
	_, err = ParseYAML([]byte("{not yaml"))
	assert.Error(t, err)
}

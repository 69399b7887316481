package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/protoq/protoq/pkg/schema"
)

func newValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := NewValidator()
	require.NoError(t, err)
	return v
}

func validRun() *schema.RunRequest {
	return &schema.RunRequest{
		Name:   "wash cycle",
		Params: map[string]string{"volume": "10"},
		Commands: []schema.CommandInfo{
			{ToolID: "pump-1", ToolType: "syringe_pump", Command: "aspirate", Params: map[string]any{"rate": 2.5}},
			{ToolID: "pump-1", ToolType: "syringe_pump", Command: "dispense"},
		},
	}
}

func TestValidateRunOK(t *testing.T) {
	v := newValidator(t)
	require.NoError(t, v.ValidateRun(validRun()))
}

func TestValidateRunMissingCommands(t *testing.T) {
	v := newValidator(t)

	err := v.ValidateRun(&schema.RunRequest{Name: "empty"})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCodeOf(err))

	err = v.ValidateRun(&schema.RunRequest{Commands: []schema.CommandInfo{}})
	require.Error(t, err)
}

func TestValidateRunMissingToolID(t *testing.T) {
	v := newValidator(t)

	req := validRun()
	req.Commands[0].ToolID = ""
	err := v.ValidateRun(req)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCodeOf(err))
}

func TestValidateRunWithControlCommands(t *testing.T) {
	v := newValidator(t)

	req := validRun()
	req.Commands = append(req.Commands,
		schema.CommandInfo{
			ToolID:   schema.ControlToolID,
			ToolType: schema.ControlToolID,
			Command:  schema.ControlTimer,
			Params:   map[string]any{"minutes": 0, "seconds": 30, "message": "incubating"},
		},
	)
	require.NoError(t, v.ValidateRun(req))

	// Same command with no usable duration is rejected.
	req.Commands[len(req.Commands)-1].Params = map[string]any{"message": "incubating"}
	err := v.ValidateRun(req)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCodeOf(err))
}

func TestValidateControl(t *testing.T) {
	v := newValidator(t)

	cases := []struct {
		name    string
		command string
		params  map[string]any
		ok      bool
	}{
		{"pause empty", schema.ControlPause, nil, true},
		{"pause with message", schema.ControlPause, map[string]any{"message": "refill reservoir"}, true},
		{"message requires message", schema.ControlShowMessage, map[string]any{"title": "hi"}, false},
		{"message ok", schema.ControlShowMessage, map[string]any{"message": "check seals", "title": "hi"}, true},
		{"user form ok", schema.ControlUserForm, map[string]any{"form_name": "sample-intake"}, true},
		{"user form missing name", schema.ControlUserForm, nil, false},
		{"timer minutes only", schema.ControlTimer, map[string]any{"minutes": 5.0}, true},
		{"timer seconds only", schema.ControlTimer, map[string]any{"minutes": 0, "seconds": 1}, true},
		{"timer zero duration", schema.ControlTimer, map[string]any{"minutes": 0, "seconds": 0}, false},
		{"timer no duration", schema.ControlTimer, map[string]any{"message": "incubating"}, false},
		{"note ok", schema.ControlNote, nil, true},
		{"stop ok", schema.ControlStopRun, nil, true},
		{"stop with message", schema.ControlStopRun, map[string]any{"message": "done early"}, true},
		{"goto by queue id", schema.ControlGoto, map[string]any{"queue_id": 12}, true},
		{"goto by run index", schema.ControlGoto, map[string]any{"run_id": "run-1", "index": 0}, true},
		{"goto ambiguous", schema.ControlGoto, map[string]any{}, false},
		{"assignment ok", schema.ControlVarAssign, map[string]any{"name": "cycles", "expression": "${cycles} + 1"}, true},
		{"assignment missing expression", schema.ControlVarAssign, map[string]any{"name": "cycles"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := v.ValidateControl(tc.command, tc.params)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCodeOf(err))
			}
		})
	}
}

func TestValidateControlUnknownCommand(t *testing.T) {
	v := newValidator(t)

	err := v.ValidateControl("self_destruct", nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCodeOf(err))
}

package perch

import (
	"errors"
	"testing"
)

func TestMergeArgs(t *testing.T) {
	def := &CommandDefinition{
		Name: "set_temperature",
		FixedValues: map[string]interface{}{
			"unit": "celsius",
			"zone": "living-room",
		},
	}

	merged := MergeArgs(def, map[string]interface{}{
		"zone":  "bedroom",
		"value": 21,
	})

	if merged["unit"] != "celsius" {
		t.Errorf("unit = %v, fixed value dropped", merged["unit"])
	}
	if merged["zone"] != "bedroom" {
		t.Errorf("zone = %v, caller must win over fixed value", merged["zone"])
	}
	if merged["value"] != 21 {
		t.Errorf("value = %v", merged["value"])
	}
}

func TestMergeArgsNoFixedValues(t *testing.T) {
	args := map[string]interface{}{"a": 1}
	if got := MergeArgs(&CommandDefinition{}, args); len(got) != 1 || got["a"] != 1 {
		t.Errorf("merged = %v", got)
	}
	if got := MergeArgs(nil, args); len(got) != 1 {
		t.Errorf("merged = %v", got)
	}
}

func TestApplyDefaults(t *testing.T) {
	def := &CommandDefinition{
		Parameters: []ParameterSpec{
			{Name: "speed", Default: "normal"},
			{Name: "target"},
		},
	}

	in := map[string]interface{}{"target": "fan-1"}
	out := ApplyDefaults(def, in)

	if out["speed"] != "normal" {
		t.Errorf("speed = %v, want default applied", out["speed"])
	}
	if out["target"] != "fan-1" {
		t.Errorf("target = %v", out["target"])
	}
	if _, ok := in["speed"]; ok {
		t.Error("input map was mutated")
	}

	// Caller-supplied values beat defaults.
	out = ApplyDefaults(def, map[string]interface{}{"speed": "high"})
	if out["speed"] != "high" {
		t.Errorf("speed = %v, want high", out["speed"])
	}
}

func TestValidateArgs(t *testing.T) {
	def := &CommandDefinition{
		Parameters: []ParameterSpec{
			{Name: "target", Required: true},
			{Name: "mode", Options: []string{"eco", "boost"}},
			{Name: "speed", Required: true, Default: "normal"},
		},
	}

	tests := []struct {
		name    string
		args    map[string]interface{}
		wantErr bool
	}{
		{"valid", map[string]interface{}{"target": "fan-1", "mode": "eco"}, false},
		{"missing required", map[string]interface{}{"mode": "eco"}, true},
		{"required with default may be absent", map[string]interface{}{"target": "fan-1"}, false},
		{"bad enum value", map[string]interface{}{"target": "fan-1", "mode": "turbo"}, true},
		{"enum value wrong type", map[string]interface{}{"target": "fan-1", "mode": 3}, true},
		{"optional absent", map[string]interface{}{"target": "fan-1"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateArgs(def, tt.args)
			if tt.wantErr && !errors.Is(err, ErrInvalidArguments) {
				t.Errorf("err = %v, want ErrInvalidArguments", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("err = %v, want nil", err)
			}
		})
	}

	if err := ValidateArgs(nil, nil); err != nil {
		t.Errorf("nil definition: err = %v", err)
	}
}

func TestValidateConfig(t *testing.T) {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"interval": map[string]interface{}{"type": "integer", "minimum": 1},
			"endpoint": map[string]interface{}{"type": "string"},
		},
		"required": []interface{}{"endpoint"},
	}

	if err := ValidateConfig(schema, map[string]interface{}{
		"endpoint": "http://hub.local",
		"interval": 30,
	}); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}

	err := ValidateConfig(schema, map[string]interface{}{"interval": 0})
	if !errors.Is(err, ErrInvalidArguments) {
		t.Errorf("err = %v, want ErrInvalidArguments", err)
	}

	// No schema accepts anything.
	if err := ValidateConfig(nil, map[string]interface{}{"whatever": true}); err != nil {
		t.Errorf("nil schema rejected config: %v", err)
	}
}

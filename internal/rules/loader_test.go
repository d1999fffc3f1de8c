package rules

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smukkama/fieldmesh/internal/model"
)

const sample = `
devices:
  - id: soil-1
    type: sensor
    location: {farm_id: north, lat: 41.2, lng: -96.1, zone: A}
    capabilities: [moisture, temperature]
  - id: valve-1
    type: irrigation_controller
    location: {farm_id: north, lat: 41.2, lng: -96.1}

rules:
  - id: dry-soil
    device_id: soil-1
    condition: {parameter: moisture, operator: "<", value: 20}
    severity: warning
    action: notify
  - id: ph-window
    device_id: soil-1
    condition: {parameter: ph, operator: between, range: [5.5, 7.5]}
    enabled: false

automations:
  - id: irrigate
    name: Irrigate when dry
    trigger:
      kind: sensor_reading
      conditions:
        - {device_id: soil-1, parameter: moisture}
    actions:
      - device_id: valve-1
        command: open_valve
        priority: high
        parameters: {duration_minutes: 15}
`

func TestParse(t *testing.T) {
	f, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)

	require.Len(t, f.Devices, 2)
	assert.Equal(t, "north", f.Devices[0].Location.FarmID)
	assert.Equal(t, model.DeviceTypeIrrigationController, f.Devices[1].Type)
	assert.Equal(t, []string{"moisture", "temperature"}, f.Devices[0].Capabilities)

	require.Len(t, f.Rules, 2)
	assert.True(t, f.Rules[0].Enabled, "omitted enabled defaults to true")
	assert.False(t, f.Rules[1].Enabled)
	assert.Equal(t, model.OpLessThan, f.Rules[0].Condition.Operator)
	assert.Equal(t, []float64{5.5, 7.5}, f.Rules[1].Condition.Range)

	require.Len(t, f.Automations, 1)
	a := f.Automations[0]
	assert.True(t, a.Enabled)
	assert.Equal(t, model.TriggerSensorReading, a.Trigger.Kind)
	assert.Equal(t, model.PriorityHigh, a.Actions[0].Priority)
	assert.Equal(t, 15, a.Actions[0].Parameters["duration_minutes"])
}

func TestParse_Empty(t *testing.T) {
	f, err := Parse(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, f.Rules)
}

func TestParse_Rejects(t *testing.T) {
	cases := map[string]string{
		"unknown key":    "rules:\n  - id: r1\n    colour: red\n",
		"device id":      "devices:\n  - type: sensor\n",
		"device type":    "devices:\n  - id: d1\n    type: toaster\n",
		"severity":       "rules:\n  - id: r1\n    severity: dire\n",
		"malformed yaml": "rules: [\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	f, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, f.Devices, 2)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

type fakeTarget struct {
	devices     []string
	rules       []string
	automations []string
	ruleErr     error
}

func (f *fakeTarget) RegisterDevice(_ context.Context, d model.Device) bool {
	f.devices = append(f.devices, d.ID)
	return d.ID != "broken"
}

func (f *fakeTarget) AddAlertRule(rule model.AlertRule) error {
	if f.ruleErr != nil {
		return f.ruleErr
	}
	f.rules = append(f.rules, rule.ID)
	return nil
}

func (f *fakeTarget) AddAutomation(a model.DeviceAutomation) error {
	f.automations = append(f.automations, a.ID)
	return nil
}

func TestApply(t *testing.T) {
	f, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)

	target := &fakeTarget{}
	summary, err := Apply(context.Background(), f, target)
	require.NoError(t, err)
	assert.Equal(t, Summary{Devices: 2, Rules: 2, Automations: 1}, summary)
	assert.Equal(t, []string{"soil-1", "valve-1"}, target.devices)
	assert.Equal(t, []string{"irrigate"}, target.automations)
}

func TestApply_CollectsErrors(t *testing.T) {
	f := &File{
		Devices: []model.Device{{ID: "broken"}, {ID: "ok"}},
		Rules:   []model.AlertRule{{ID: "r1"}},
	}

	target := &fakeTarget{ruleErr: errors.New("bad rule")}
	summary, err := Apply(context.Background(), f, target)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device broken")
	assert.Contains(t, err.Error(), "rule r1: bad rule")
	assert.Equal(t, Summary{Devices: 1}, summary)
}

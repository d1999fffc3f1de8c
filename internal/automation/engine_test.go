package automation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smukkama/fieldmesh/internal/events"
	"github.com/smukkama/fieldmesh/internal/events/eventstest"
	"github.com/smukkama/fieldmesh/internal/model"
)

type fakeSender struct {
	sent   []model.DeviceCommand
	failOn map[string]bool
	events *eventstest.Recorder
	// automation.executed count observed at each Submit
	seenExecuted []int
}

func (f *fakeSender) Submit(_ context.Context, cmd model.DeviceCommand) error {
	f.sent = append(f.sent, cmd)
	if f.events != nil {
		f.seenExecuted = append(f.seenExecuted, f.events.Count(events.TopicAutomationExecuted))
	}
	if f.failOn[cmd.Command] {
		return errors.New("device rejected command")
	}
	return nil
}

func newTestEngine(t *testing.T) (*Engine, *fakeSender, *eventstest.Recorder) {
	t.Helper()
	bus := events.NewBus(zerolog.Nop())
	rec := eventstest.NewRecorder(bus)
	sender := &fakeSender{failOn: map[string]bool{}, events: rec}
	return NewEngine(sender, bus, nil, zerolog.Nop()), sender, rec
}

func irrigation() model.DeviceAutomation {
	return model.DeviceAutomation{
		ID:   "irrigate",
		Name: "dry soil irrigation",
		Trigger: model.Trigger{
			Kind: model.TriggerSensorReading,
			Conditions: []model.TriggerCondition{
				{DeviceID: "s1", Parameter: "moisture"},
				{DeviceID: "s2", Parameter: "moisture"},
			},
		},
		Actions: []model.DeviceCommand{
			{DeviceID: "valve", Command: "open", Parameters: map[string]interface{}{"minutes": 10}},
			{DeviceID: "pump", Command: "start"},
			{Command: "calibrate"},
		},
		Enabled: true,
	}
}

func reading(device, param string) model.SensorReading {
	return model.SensorReading{DeviceID: device, Type: param, Value: 3, Timestamp: time.Now()}
}

func TestEngine_FiresOnAnyMatchingCondition(t *testing.T) {
	e, sender, rec := newTestEngine(t)
	require.NoError(t, e.Add(irrigation()))

	assert.Equal(t, 1, e.Evaluate(context.Background(), reading("s2", "moisture")))
	require.Len(t, sender.sent, 3)
	assert.Equal(t, []string{"open", "start", "calibrate"}, []string{sender.sent[0].Command, sender.sent[1].Command, sender.sent[2].Command})
	assert.Equal(t, "s2", sender.sent[2].DeviceID)
	assert.Equal(t, []int{0, 0, 0}, sender.seenExecuted)

	evts := rec.Events(events.TopicAutomationExecuted)
	require.Len(t, evts, 1)
	summary := evts[0].Payload.(events.AutomationExecuted)
	assert.Equal(t, 3, summary.Submitted)
	assert.Equal(t, 3, summary.Succeeded)
	assert.Equal(t, "s2", summary.DeviceID)
}

func TestEngine_NoMatchNoFire(t *testing.T) {
	e, sender, rec := newTestEngine(t)
	require.NoError(t, e.Add(irrigation()))

	assert.Equal(t, 0, e.Evaluate(context.Background(), reading("s1", "temperature")))
	assert.Equal(t, 0, e.Evaluate(context.Background(), reading("s3", "moisture")))
	assert.Empty(t, sender.sent)
	assert.Equal(t, 0, rec.Count(events.TopicAutomationExecuted))
}

func TestEngine_FailedActionDoesNotBlockBatch(t *testing.T) {
	e, sender, rec := newTestEngine(t)
	sender.failOn["open"] = true
	require.NoError(t, e.Add(irrigation()))

	e.Evaluate(context.Background(), reading("s1", "moisture"))

	assert.Len(t, sender.sent, 3)
	summary := rec.Events(events.TopicAutomationExecuted)[0].Payload.(events.AutomationExecuted)
	assert.Equal(t, 3, summary.Submitted)
	assert.Equal(t, 2, summary.Succeeded)
}

func TestEngine_DisabledAndOtherKindsIgnored(t *testing.T) {
	e, sender, _ := newTestEngine(t)

	disabled := irrigation()
	disabled.Enabled = false
	require.NoError(t, e.Add(disabled))

	timed := irrigation()
	timed.ID = "nightly"
	timed.Trigger.Kind = model.TriggerTimeBased
	require.NoError(t, e.Add(timed))

	assert.Equal(t, 0, e.Evaluate(context.Background(), reading("s1", "moisture")))
	assert.Empty(t, sender.sent)
}

func TestEngine_TemplatesAreNotMutated(t *testing.T) {
	e, sender, _ := newTestEngine(t)
	require.NoError(t, e.Add(irrigation()))

	e.Evaluate(context.Background(), reading("s1", "moisture"))
	sender.sent[0].Parameters["minutes"] = 99

	stored := e.List()[0]
	assert.Equal(t, 10, stored.Actions[0].Parameters["minutes"])
	assert.Empty(t, stored.Actions[2].DeviceID)
}

func TestEngine_AddValidation(t *testing.T) {
	e, _, _ := newTestEngine(t)

	assert.Error(t, e.Add(model.DeviceAutomation{Trigger: model.Trigger{Kind: model.TriggerManual}}))
	assert.Error(t, e.Add(model.DeviceAutomation{ID: "a", Trigger: model.Trigger{Kind: "lunar"}}))
	assert.Error(t, e.Add(model.DeviceAutomation{ID: "a", Trigger: model.Trigger{Kind: model.TriggerSensorReading}}))
	assert.Error(t, e.Add(model.DeviceAutomation{
		ID:      "a",
		Trigger: model.Trigger{Kind: model.TriggerManual},
		Actions: []model.DeviceCommand{{DeviceID: "x"}},
	}))

	require.NoError(t, e.Add(irrigation()))
	renamed := irrigation()
	renamed.Name = "renamed"
	require.NoError(t, e.Add(renamed))
	require.Len(t, e.List(), 1)
	assert.Equal(t, "renamed", e.List()[0].Name)

	assert.True(t, e.Remove("irrigate"))
	assert.False(t, e.Remove("irrigate"))
}

func TestEngine_TriggerManual(t *testing.T) {
	e, sender, rec := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Add(model.DeviceAutomation{
		ID:      "flush",
		Name:    "flush lines",
		Trigger: model.Trigger{Kind: model.TriggerManual},
		Actions: []model.DeviceCommand{
			{DeviceID: "valve", Command: "open"},
			{Command: "orphan"},
		},
		Enabled: true,
	}))

	summary, err := e.Trigger(ctx, "flush")
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Submitted)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Len(t, sender.sent, 1)
	assert.Equal(t, 1, rec.Count(events.TopicAutomationExecuted))

	_, err = e.Trigger(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)

	require.NoError(t, e.Add(irrigation()))
	_, err = e.Trigger(ctx, "irrigate")
	assert.Error(t, err)
}

package command

import (
	"context"
	"sync"
	"time"

	"github.com/smukkama/fieldmesh/internal/model"
)

// Delivery is a command accepted by the simulated transport
type Delivery struct {
	CommandID string
	Command   model.DeviceCommand
	At        time.Time
}

// SimulatedTransport accepts every command in-process after an optional
// latency. Fail, when set, decides per command whether delivery errors.
type SimulatedTransport struct {
	Latency time.Duration
	Fail    func(model.DeviceCommand) error

	mu        sync.Mutex
	delivered []Delivery
}

// NewSimulatedTransport creates a transport with the given delivery latency
func NewSimulatedTransport(latency time.Duration) *SimulatedTransport {
	return &SimulatedTransport{Latency: latency}
}

// Deliver waits for the latency, honouring ctx, then records the command
func (t *SimulatedTransport) Deliver(ctx context.Context, commandID string, cmd model.DeviceCommand) error {
	if t.Latency > 0 {
		timer := time.NewTimer(t.Latency)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
	if t.Fail != nil {
		if err := t.Fail(cmd); err != nil {
			return err
		}
	}

	t.mu.Lock()
	t.delivered = append(t.delivered, Delivery{CommandID: commandID, Command: cmd.Clone(), At: time.Now()})
	t.mu.Unlock()
	return nil
}

// Delivered returns every command delivered so far, oldest first
func (t *SimulatedTransport) Delivered() []Delivery {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Delivery(nil), t.delivered...)
}

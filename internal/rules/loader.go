// Package rules loads device, alert rule and automation definitions from YAML.
package rules

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/smukkama/fieldmesh/internal/model"
)

// File is the content of a rules file
type File struct {
	Devices     []model.Device           `yaml:"devices"`
	Rules       []model.AlertRule        `yaml:"rules"`
	Automations []model.DeviceAutomation `yaml:"automations"`
}

// enabledFlags picks out the enabled keys so an omitted key means enabled
type enabledFlags struct {
	Rules []struct {
		Enabled *bool `yaml:"enabled"`
	} `yaml:"rules"`
	Automations []struct {
		Enabled *bool `yaml:"enabled"`
	} `yaml:"automations"`
}

// Target receives loaded definitions. The engine satisfies it.
type Target interface {
	RegisterDevice(ctx context.Context, device model.Device) bool
	AddAlertRule(rule model.AlertRule) error
	AddAutomation(a model.DeviceAutomation) error
}

// Summary counts what Apply installed
type Summary struct {
	Devices     int
	Rules       int
	Automations int
}

// Load reads and parses path
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	f, err := Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return f, nil
}

// Parse decodes a rules document. Unknown keys are rejected.
func Parse(r io.Reader) (*File, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}

	var flags enabledFlags
	if err := yaml.Unmarshal(data, &flags); err != nil {
		return nil, err
	}
	for i := range f.Rules {
		if i < len(flags.Rules) && flags.Rules[i].Enabled == nil {
			f.Rules[i].Enabled = true
		}
	}
	for i := range f.Automations {
		if i < len(flags.Automations) && flags.Automations[i].Enabled == nil {
			f.Automations[i].Enabled = true
		}
	}

	for i, d := range f.Devices {
		if d.ID == "" {
			return nil, fmt.Errorf("devices[%d]: id is required", i)
		}
		if !d.Type.Valid() {
			return nil, fmt.Errorf("devices[%d]: unknown device type %q", i, d.Type)
		}
	}
	for i, rule := range f.Rules {
		if rule.Severity != "" && !rule.Severity.Valid() {
			return nil, fmt.Errorf("rules[%d]: unknown severity %q", i, rule.Severity)
		}
	}

	return &f, nil
}

// Apply installs devices first, then rules, then automations. Every
// definition is attempted; the returned error joins all failures.
func Apply(ctx context.Context, f *File, target Target) (Summary, error) {
	var (
		summary Summary
		errs    []error
	)

	for _, d := range f.Devices {
		if !target.RegisterDevice(ctx, d) {
			errs = append(errs, fmt.Errorf("device %s: failed to register", d.ID))
			continue
		}
		summary.Devices++
	}
	for _, rule := range f.Rules {
		if err := target.AddAlertRule(rule); err != nil {
			errs = append(errs, fmt.Errorf("rule %s: %w", rule.ID, err))
			continue
		}
		summary.Rules++
	}
	for _, a := range f.Automations {
		if err := target.AddAutomation(a); err != nil {
			errs = append(errs, fmt.Errorf("automation %s: %w", a.ID, err))
			continue
		}
		summary.Automations++
	}

	return summary, errors.Join(errs...)
}

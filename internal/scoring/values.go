// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package scoring estimates the economic value of tracking events and
// computes the windowed privacy score.
package scoring

import (
	_ "embed"
	"math"
	"os"

	"gopkg.in/yaml.v3"

	"grimm.is/spyglass/internal/errors"
	"grimm.is/spyglass/internal/events"
)

//go:embed default_values.yaml
var defaultValues []byte

// ValueTable maps tracking activity to estimated per-event value in
// USD. The numbers are industry heuristics, injected as data: the
// table is configurable, never authoritative.
type ValueTable struct {
	// Default applies when neither the event type nor the entity has
	// an entry.
	Default float64 `yaml:"default"`
	// EventTypes overrides by decoded beacon event name.
	EventTypes map[string]float64 `yaml:"event_types"`
	// Entities overrides by KB entity id.
	Entities map[string]float64 `yaml:"entities"`
	// RiskMultiplier scales value by (1 + risk/10): riskier trackers
	// collect more valuable data.
	RiskMultiplier bool `yaml:"risk_multiplier"`
}

// LoadValueTable reads a YAML value table, or the built-in defaults
// when path is empty.
func LoadValueTable(path string) (*ValueTable, error) {
	data := defaultValues
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, errors.KindNotFound, "reading value table %s", path)
		}
	}

	var t ValueTable
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "parsing value table")
	}
	if t.Default <= 0 {
		t.Default = 0.02
	}
	return &t, nil
}

// EventValue estimates what ev was worth to its collector. Unmatched
// events carry no value.
func (t *ValueTable) EventValue(ev *events.TrackingEvent) float64 {
	if !ev.Matched() {
		return 0
	}

	base := t.Default
	if v, ok := t.Entities[ev.EntityID]; ok {
		base = v
	}
	if ev.Payload != nil && ev.Payload.EventType != "" {
		if v, ok := t.EventTypes[ev.Payload.EventType]; ok {
			base = v
		}
	}

	if t.RiskMultiplier {
		base *= 1.0 + ev.RiskScore/10.0
	}
	return math.Round(base*10000) / 10000
}

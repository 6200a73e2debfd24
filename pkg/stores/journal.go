package stores

import (
	"context"
	"encoding/json"

	"github.com/openfroyo/keg/pkg/formula"
)

// BeginRun journals the start of an install run.
func (s *SQLiteStore) BeginRun(ctx context.Context, runID, root string, spec *formula.PackageSpec) error {
	return s.CreateRun(ctx, &Run{
		ID:      runID,
		Package: spec.Name,
		Version: spec.Version,
		Root:    root,
		State:   "pending",
	})
}

// RecordPhase journals the outcome of one phase.
func (s *SQLiteStore) RecordPhase(ctx context.Context, runID, phase string, err error) error {
	event := &Event{
		RunID:   runID,
		Phase:   phase,
		Level:   EventLevelInfo,
		Message: "reached " + phase,
	}
	if err != nil {
		event.Level = EventLevelError
		event.Message = err.Error()
	}
	return s.AppendEvent(ctx, event)
}

// EndRun journals the final state of a run.
func (s *SQLiteStore) EndRun(ctx context.Context, runID, state, failedPhase, errorClass string, err error) error {
	var msg *string
	if err != nil {
		m := err.Error()
		msg = &m
	}
	return s.FinishRun(ctx, runID, state, failedPhase, errorClass, msg)
}

// Audit records an action with JSON-encoded details.
func (s *SQLiteStore) Audit(ctx context.Context, action, actor, target string, details any) error {
	entry := &AuditEntry{Action: action, Actor: actor}
	if target != "" {
		entry.TargetID = &target
	}
	if details != nil {
		b, err := json.Marshal(details)
		if err != nil {
			return err
		}
		d := string(b)
		entry.Details = &d
	}
	return s.CreateAuditEntry(ctx, entry)
}

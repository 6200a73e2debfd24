package stores

import (
	"context"
	"time"

	"github.com/openfroyo/keg/pkg/conflict"
	"github.com/openfroyo/keg/pkg/formula"
)

// EventLevel represents the severity level of a run event
type EventLevel string

const (
	EventLevelInfo    EventLevel = "info"
	EventLevelWarning EventLevel = "warning"
	EventLevelError   EventLevel = "error"
)

// InstalledPackage is one installed (name, version) with the conflicts it
// declared and the files it claims under its prefix.
type InstalledPackage struct {
	Name        string             `json:"name"`
	Version     string             `json:"version"`
	Prefix      string             `json:"prefix"`
	State       string             `json:"state"`
	Reason      string             `json:"reason,omitempty"`
	RunID       *string            `json:"run_id,omitempty"`
	Conflicts   []formula.Conflict `json:"conflicts,omitempty"`
	Files       []string           `json:"files,omitempty"`
	InstalledAt time.Time          `json:"installed_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// ID returns name@version.
func (p *InstalledPackage) ID() string {
	return p.Name + "@" + p.Version
}

// Run is one pipeline execution.
type Run struct {
	ID          string     `json:"id"`
	Package     string     `json:"package"`
	Version     string     `json:"version"`
	Root        string     `json:"root"`
	State       string     `json:"state"`
	FailedPhase string     `json:"failed_phase,omitempty"`
	ErrorClass  string     `json:"error_class,omitempty"`
	Error       *string    `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Event is an append-only phase event of a run.
type Event struct {
	ID        int64      `json:"id"`
	RunID     string     `json:"run_id"`
	Phase     string     `json:"phase"`
	Level     EventLevel `json:"level"`
	Message   string     `json:"message"`
	Details   *string    `json:"details,omitempty"` // JSON blob
	Timestamp time.Time  `json:"timestamp"`
}

// AuditEntry represents an audit trail entry
type AuditEntry struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"` // e.g. "package.installed", "package.forgotten"
	Actor     string    `json:"actor"`
	TargetID  *string   `json:"target_id,omitempty"`
	Details   *string   `json:"details,omitempty"` // JSON blob
	Timestamp time.Time `json:"timestamp"`
}

// Store defines the interface for the persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Installed packages
	RecordInstall(ctx context.Context, pkg *InstalledPackage) error
	GetPackage(ctx context.Context, name, version string) (*InstalledPackage, error)
	ListPackages(ctx context.Context) ([]*InstalledPackage, error)
	DeletePackage(ctx context.Context, name, version string) error
	InstalledRecords(ctx context.Context) ([]conflict.Record, error)
	IsInstalled(ctx context.Context, name string) (bool, error)

	// Runs
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	FinishRun(ctx context.Context, id, state, failedPhase, errorClass string, errMsg *string) error
	ListRuns(ctx context.Context, pkg *string, limit, offset int) ([]*Run, error)

	// Run events
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, runID string) ([]*Event, error)

	// Audit operations
	CreateAuditEntry(ctx context.Context, entry *AuditEntry) error
	ListAuditEntries(ctx context.Context, action *string, limit, offset int) ([]*AuditEntry, error)

	// Utility
	HealthCheck(ctx context.Context) error
}

package store

import (
	"time"

	"github.com/uptrace/bun"
)

// Video is the Video Asset entity (§3): canonical_uri is unique, enforced
// at insert time by the table's unique index.
type Video struct {
	bun.BaseModel `bun:"table:videos"`

	ID           string    `bun:"id,pk"`
	Filename     string    `bun:"filename,notnull"`
	CanonicalURI string    `bun:"canonical_uri,notnull,unique"`
	CreatedAt    time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

// PluginVersion is the Plugin Schema Version entity: applied_migrations_count
// is monotonically non-decreasing per plugin id.
type PluginVersion struct {
	bun.BaseModel `bun:"table:sys_plugin_versions"`

	PluginID string    `bun:"plugin_id,pk"`
	Applied  int       `bun:"applied_migrations_count,notnull,default:0"`
	UpdatedAt time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

// PluginResource is the Plugin Resource Entry entity: one row per declared
// physical table, recorded once a plugin's pending migrations have run and
// read by Uninstall to find the tables to drop. The SQL authorizer's
// allow-list is built from the manifest, not from this table.
type PluginResource struct {
	bun.BaseModel `bun:"table:sys_plugin_resources"`

	PluginID     string    `bun:"plugin_id,pk"`
	Kind         string    `bun:"kind,pk"`
	PhysicalName string    `bun:"physical_name,pk"`
	CreatedAt    time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

// PluginInstallation is the Installation Lock entity: keyed by plugin_id,
// pins an id to its first-load origin URI.
type PluginInstallation struct {
	bun.BaseModel `bun:"table:sys_plugin_installations"`

	PluginID    string    `bun:"plugin_id,pk"`
	FilePath    string    `bun:"file_path,notnull"`
	InstalledAt time.Time `bun:"installed_at,nullzero,notnull,default:current_timestamp"`
}

// PluginMetadata holds free-form per-plugin manifest fields (name, declared
// version string) that don't participate in tenancy enforcement.
type PluginMetadata struct {
	bun.BaseModel `bun:"table:sys_plugin_metadata"`

	PluginID string `bun:"plugin_id,pk"`
	Name     string `bun:"name,notnull"`
	Version  string `bun:"version,notnull"`
}

// ScanRoot is the Scan Root entity: an allow-list of URI prefixes a scan
// job may descend into.
type ScanRoot struct {
	bun.BaseModel `bun:"table:sys_scan_roots"`

	URI string `bun:"uri,pk"`
}

// Job is the Job Record entity (§3, §4.F). payload_version is a required
// column with default 1 per §9's open-question resolution.
type Job struct {
	bun.BaseModel `bun:"table:sys_jobs"`

	ID              string     `bun:"id,pk"`
	Type            string     `bun:"type,notnull"`
	Payload         string     `bun:"payload,type:text,notnull,default:'{}'"`
	PayloadVersion  int        `bun:"payload_version,notnull,default:1"`
	Status          string     `bun:"status,notnull,default:'queued'"`
	Progress        int        `bun:"progress,notnull,default:0"`
	Result          string     `bun:"result,type:text,nullzero"`
	Error           string     `bun:"error,type:text,nullzero"`
	Retries         int        `bun:"retries,notnull,default:0"`
	MaxRetries      int        `bun:"max_retries,notnull,default:0"`
	CreatedAt       time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt       time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
	StartedAt       *time.Time `bun:"started_at,nullzero"`
	FinishedAt      *time.Time `bun:"finished_at,nullzero"`
	WorkerID        string     `bun:"worker_id,nullzero"`
	LeaseExpiresAt  *time.Time `bun:"lease_expires_at,nullzero"`
}

// Job status values, §3's state machine.
const (
	JobQueued    = "queued"
	JobRunning   = "running"
	JobSucceeded = "succeeded"
	JobFailed    = "failed"
	JobCanceled  = "canceled"
)

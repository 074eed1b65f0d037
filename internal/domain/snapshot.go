package domain

import "time"

// SnapshotFormatVersion is written into every archive header.
const SnapshotFormatVersion = 1

// SnapshotMetadata is the header entry of a snapshot archive.
type SnapshotMetadata struct {
	FormatVersion   int         `json:"format_version"`
	DatabaseVersion string      `json:"database_version"`
	ExportedAt      time.Time   `json:"exported_at"`
	Environment     Environment `json:"environment"`
	InstanceName    string      `json:"instance_name"`
	Plugins         []string    `json:"plugins,omitempty"`
	NodeCount       int64       `json:"node_count"`
}

// ImportOptions control the safety checks applied by an import.
type ImportOptions struct {
	// Validate rejects snapshots from an incompatible server version.
	Validate bool `json:"validate"`
	// Backup exports the current data before overwriting it.
	Backup bool `json:"backup"`
	// Force overwrites a database that already contains nodes.
	Force bool `json:"force"`
}

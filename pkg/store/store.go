package store

import (
	"time"

	"wg-mesh/pkg/model"
)

// BuildState is the latest accepted document together with the records
// the engine computed from it.
type BuildState struct {
	Version     int64                         `json:"version"`
	Document    model.Document                `json:"document"`
	Configs     map[string]model.ConfigRecord `json:"configs"`
	Order       []string                      `json:"order"`
	Diagnostics []model.Diagnostic            `json:"diagnostics,omitempty"`
	Digest      string                        `json:"digest,omitempty"`
	CreatedAt   time.Time                     `json:"createdAt"`
}

// Store defines the controller's volatile persistence: the current build
// plus an audit trail. Backed by memory for now; the shape allows a KV
// implementation later.
type Store interface {
	SaveBuild(BuildState) error
	GetBuild() (BuildState, bool, error)
	GetConfig(node string) (model.ConfigRecord, bool, error)
	Version() (int64, error)
	AppendAudit(model.AuditEntry) error
	ListAudit(limit int) ([]model.AuditEntry, error)
}

// NewMemory is a helper to construct the in-memory implementation without
// importing it directly.
func NewMemory() Store {
	return NewMemoryStore()
}

package api

import "wg-mesh/pkg/model"

// BuildResponse reports an accepted build.
type BuildResponse struct {
	Version     int64              `json:"version"`
	Nodes       []string           `json:"nodes"`
	Diagnostics []model.Diagnostic `json:"diagnostics,omitempty"`
	Message     string             `json:"message,omitempty"`
}

// BuildErrorResponse carries the structured error list of a rejected
// build so callers can highlight nodes, peers, and CIDRs.
type BuildErrorResponse struct {
	Errors      []*model.BuildError `json:"errors"`
	Diagnostics []model.Diagnostic  `json:"diagnostics,omitempty"`
}

// ConfigsResponse returns the current build's records.
type ConfigsResponse struct {
	Version int64                         `json:"version"`
	Order   []string                      `json:"order"`
	Configs map[string]model.ConfigRecord `json:"configs"`
}

// KeysResponse lists known public keys by node name.
type KeysResponse struct {
	Keys map[string]string `json:"keys"`
}

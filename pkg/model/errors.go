package model

import (
	"fmt"
	"strings"
)

// ErrorKind tags a BuildError with its failure class.
type ErrorKind string

const (
	ErrInvalidDocument      ErrorKind = "InvalidDocument"
	ErrUnknownReference     ErrorKind = "UnknownReference"
	ErrTopologyArity        ErrorKind = "TopologyArity"
	ErrEndpointNotFound     ErrorKind = "EndpointNotFound"
	ErrBadRouteToken        ErrorKind = "BadRouteToken"
	ErrAllowedIpsOverlap    ErrorKind = "AllowedIpsOverlap"
	ErrBridgeMappingMissing ErrorKind = "BridgeMappingMissing"
	ErrSelfPeer             ErrorKind = "SelfPeer"
	ErrDuplicateNodeName    ErrorKind = "DuplicateNodeName"
	ErrDuplicateNodeIp      ErrorKind = "DuplicateNodeIp"
	ErrInvalidAddress       ErrorKind = "InvalidAddress"
	ErrInvalidEndpoint      ErrorKind = "InvalidEndpoint"
)

// BuildError is a structured pipeline failure. Errors are returned as
// values and aggregated; callers can highlight the offending node, peers,
// and CIDRs without parsing message text.
type BuildError struct {
	Kind   ErrorKind `json:"kind"`
	Node   string    `json:"node,omitempty"`
	Peers  []string  `json:"peers,omitempty"`
	CIDRs  []string  `json:"cidrs,omitempty"`
	Detail string    `json:"detail,omitempty"`
}

func (e *BuildError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Node != "" {
		fmt.Fprintf(&b, " node=%s", e.Node)
	}
	if len(e.Peers) > 0 {
		fmt.Fprintf(&b, " peers=%s", strings.Join(e.Peers, ","))
	}
	if len(e.CIDRs) > 0 {
		fmt.Fprintf(&b, " cidrs=%s", strings.Join(e.CIDRs, ","))
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	return b.String()
}

// Diagnostic is a non-fatal finding reported alongside a successful build.
type Diagnostic struct {
	Node    string `json:"node,omitempty"`
	Peer    string `json:"peer,omitempty"`
	Message string `json:"message"`
}

func (d Diagnostic) String() string {
	switch {
	case d.Node != "" && d.Peer != "":
		return fmt.Sprintf("%s -> %s: %s", d.Node, d.Peer, d.Message)
	case d.Node != "":
		return fmt.Sprintf("%s: %s", d.Node, d.Message)
	default:
		return d.Message
	}
}

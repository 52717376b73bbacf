// Package engine wires the pipeline together: expansion, peer map
// construction, route resolution, key binding, and emission. Everything
// except the key store calls is pure; the same document always produces
// byte-identical records.
package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"wg-mesh/pkg/expand"
	"wg-mesh/pkg/keystore"
	"wg-mesh/pkg/model"
	"wg-mesh/pkg/peerplan"
	"wg-mesh/pkg/routes"
)

// Result aggregates a build: either per-node records (with any non-fatal
// diagnostics) or a non-empty error list. Never both.
type Result struct {
	Configs     map[string]model.ConfigRecord `json:"configs,omitempty"`
	Order       []string                      `json:"order,omitempty"`
	Diagnostics []model.Diagnostic            `json:"diagnostics,omitempty"`
	Errors      []*model.BuildError           `json:"errors,omitempty"`
}

// OK reports whether the build produced configs.
func (r *Result) OK() bool { return len(r.Errors) == 0 }

// Err folds the error list into a single error, or nil.
func (r *Result) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	errs := make([]error, len(r.Errors))
	for i, e := range r.Errors {
		errs[i] = e
	}
	return errors.Join(errs...)
}

// Build runs the full pipeline once. The returned error covers key store
// failures only; document problems land in Result.Errors.
func Build(doc *model.Document, ks keystore.Store) (*Result, error) {
	table, errs := model.NewNodeTable(doc.Nodes)
	if len(errs) > 0 {
		return &Result{Errors: errs}, nil
	}

	intents := make([]model.PeerIntent, 0, len(doc.Peers))
	if doc.GroupMode() {
		expanded, expErrs := expand.Expand(doc, table)
		if len(expErrs) > 0 {
			return &Result{Errors: expErrs}, nil
		}
		intents = append(intents, expanded...)
	}
	for _, p := range doc.Peers {
		if p.Origin == "" {
			p.Origin = model.OriginExplicit
		}
		intents = append(intents, p)
	}

	pm, buildErrs, diags := peerplan.Build(table, intents)
	if len(buildErrs) > 0 {
		return &Result{Errors: buildErrs}, nil
	}

	resolver := &routes.Resolver{Table: table, Groups: doc.Groups, Rules: doc.Routing}
	resolveErrs, resolveDiags := resolver.Resolve(pm)
	diags = append(diags, resolveDiags...)
	if len(resolveErrs) > 0 {
		return &Result{Errors: resolveErrs}, nil
	}

	if conn := expand.Analyze(table, intents); !conn.Connected && table.Len() > 1 {
		msg := "overlay graph is not fully connected"
		if len(conn.Isolated) > 0 {
			msg = fmt.Sprintf("nodes with no peers: %v", conn.Isolated)
		}
		diags = append(diags, model.Diagnostic{Message: msg})
	}

	result := &Result{
		Configs:     make(map[string]model.ConfigRecord, table.Len()),
		Order:       table.Names(),
		Diagnostics: diags,
	}
	if err := bindAndEmit(table, pm, ks, result); err != nil {
		return nil, err
	}
	return result, nil
}

// Engine memoises builds by document digest. Caching is an optimisation
// only; the key store's idempotence makes a cache hit indistinguishable
// from a re-run.
type Engine struct {
	mu    sync.Mutex
	cache map[string]*Result
}

func New() *Engine {
	return &Engine{cache: make(map[string]*Result)}
}

// Build runs the pipeline, returning a cached result when the same
// document was already built through this engine.
func (e *Engine) Build(doc *model.Document, ks keystore.Store) (*Result, error) {
	digest, err := Digest(doc)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	cached, ok := e.cache[digest]
	e.mu.Unlock()
	if ok {
		return cached, nil
	}
	result, err := Build(doc, ks)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.cache[digest] = result
	e.mu.Unlock()
	return result, nil
}

// Digest is the SHA-256 of the document's canonical JSON encoding.
func Digest(doc *model.Document) (string, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encode document: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

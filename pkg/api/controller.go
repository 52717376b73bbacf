package api

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"wg-mesh/pkg/engine"
	"wg-mesh/pkg/keystore"
	"wg-mesh/pkg/loader"
	"wg-mesh/pkg/model"
	"wg-mesh/pkg/store"
	"wg-mesh/pkg/version"
	"wg-mesh/pkg/wireguard"
)

// RegisterRoutes wires the HTTP handlers on the provided mux.
func RegisterRoutes(mux *http.ServeMux, st store.Store, ks keystore.Store, token string, hub *WSHub) {
	auth := authFunc(token)
	eng := engine.New()

	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("wg-mesh controller"))
	})

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/api/v1/version", func(w http.ResponseWriter, _ *http.Request) {
		v, _ := st.Version()
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"build":   version.Build,
			"version": v,
		})
	})

	mux.HandleFunc("/api/v1/build", func(w http.ResponseWriter, r *http.Request) {
		if !auth(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		raw, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}
		doc, err := loader.ParseDocument(raw)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		result, err := eng.Build(doc, ks)
		if err != nil {
			log.Printf("build failed: %v", err)
			http.Error(w, "build failed", http.StatusInternalServerError)
			return
		}
		if !result.OK() {
			writeJSON(w, http.StatusUnprocessableEntity, BuildErrorResponse{
				Errors:      result.Errors,
				Diagnostics: result.Diagnostics,
			})
			return
		}

		prev, _ := st.Version()
		digest, _ := engine.Digest(doc)
		state := store.BuildState{
			Version:     prev + 1,
			Document:    *doc,
			Configs:     result.Configs,
			Order:       result.Order,
			Diagnostics: result.Diagnostics,
			Digest:      digest,
			CreatedAt:   time.Now(),
		}
		if err := st.SaveBuild(state); err != nil {
			http.Error(w, "failed to persist build", http.StatusInternalServerError)
			return
		}
		_ = st.AppendAudit(model.AuditEntry{
			Actor:     "controller",
			Action:    "build",
			Target:    digest,
			Detail:    result.Summary(),
			Timestamp: state.CreatedAt,
		})
		if hub != nil {
			hub.PushConfigs(state.Version, result.Configs)
		}
		log.Printf("build accepted version=%d %s", state.Version, result.Summary())
		writeJSON(w, http.StatusOK, BuildResponse{
			Version:     state.Version,
			Nodes:       result.Order,
			Diagnostics: result.Diagnostics,
			Message:     "build accepted",
		})
	})

	mux.HandleFunc("/api/v1/configs", func(w http.ResponseWriter, r *http.Request) {
		if !auth(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		state, ok, err := st.GetBuild()
		if err != nil || !ok {
			http.Error(w, "no build available", http.StatusNotFound)
			return
		}
		if node := r.URL.Query().Get("node"); node != "" {
			rec, found := state.Configs[node]
			if !found {
				http.Error(w, "unknown node", http.StatusNotFound)
				return
			}
			writeJSON(w, http.StatusOK, rec)
			return
		}
		writeJSON(w, http.StatusOK, ConfigsResponse{
			Version: state.Version,
			Order:   state.Order,
			Configs: state.Configs,
		})
	})

	mux.HandleFunc("/api/v1/configs/render", func(w http.ResponseWriter, r *http.Request) {
		if !auth(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		node := r.URL.Query().Get("node")
		if node == "" {
			http.Error(w, "node is required", http.StatusBadRequest)
			return
		}
		rec, ok, err := st.GetConfig(node)
		if err != nil || !ok {
			http.Error(w, "unknown node", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(wireguard.RenderConfig(rec)))
	})

	mux.HandleFunc("/api/v1/keys", func(w http.ResponseWriter, r *http.Request) {
		if !auth(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		state, ok, err := st.GetBuild()
		if err != nil || !ok {
			http.Error(w, "no build available", http.StatusNotFound)
			return
		}
		keys := make(map[string]string, len(state.Order))
		for _, name := range state.Order {
			kp, err := ks.GetOrCreateKeypair(name)
			if err != nil {
				http.Error(w, "keystore unavailable", http.StatusInternalServerError)
				return
			}
			keys[name] = kp.PublicKey
		}
		writeJSON(w, http.StatusOK, KeysResponse{Keys: keys})
	})

	mux.HandleFunc("/api/v1/audit", func(w http.ResponseWriter, r *http.Request) {
		if !auth(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		entries, err := st.ListAudit(50)
		if err != nil {
			http.Error(w, "failed to list audit", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, entries)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to write response: %v", err)
	}
}

func authFunc(token string) func(r *http.Request) bool {
	if token == "" {
		return func(_ *http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		h := r.Header.Get("X-Auth-Token")
		if h == "" {
			// also allow simple Bearer token
			authz := r.Header.Get("Authorization")
			if strings.HasPrefix(authz, "Bearer ") {
				h = strings.TrimPrefix(authz, "Bearer ")
			}
		}
		return h == token
	}
}

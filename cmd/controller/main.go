package main

import (
	"flag"
	"log"
	"net/http"
	"time"

	"wg-mesh/pkg/api"
	"wg-mesh/pkg/db"
	"wg-mesh/pkg/keystore"
	"wg-mesh/pkg/store"
)

func main() {
	addr := flag.String("addr", ":8080", "listen address")
	token := flag.String("token", "", "API auth token (optional)")
	ksBackend := flag.String("keystore", "file", "key store backend: file|sqlite|mysql|consul")
	ksPath := flag.String("keystore-path", "wg_keys.json", "key store path (file and sqlite backends) or address (consul backend)")
	withUsers := flag.Bool("with-users", false, "enable JWT user auth backed by MySQL")
	tlsCert := flag.String("tls-cert", "", "TLS cert path (enables HTTPS if set with --tls-key)")
	tlsKey := flag.String("tls-key", "", "TLS key path (enables HTTPS if set with --tls-cert)")
	clientCA := flag.String("client-ca", "", "require and verify client certs using this CA (optional)")
	flag.Parse()

	ks, err := keystore.Open(*ksBackend, *ksPath)
	if err != nil {
		log.Fatalf("open key store: %v", err)
	}
	defer ks.Close()

	buildStore := store.NewMemory()
	hub := api.NewWSHub()

	mux := http.NewServeMux()
	api.RegisterRoutes(mux, buildStore, ks, *token, hub)
	mux.HandleFunc("/api/v1/ws", hub.HandleAgentWS)

	if *withUsers {
		gdb, err := db.Init()
		if err != nil {
			log.Fatalf("user database init failed: %v", err)
		}
		authHandler := &api.AuthHandler{DB: gdb}
		authHandler.RegisterRoutes(mux)
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	log.Printf("controller listening on %s (keystore=%s)", *addr, *ksBackend)
	if *tlsCert != "" && *tlsKey != "" {
		if *clientCA != "" {
			cfg, errTLS := api.ServerTLSConfig(*tlsCert, *tlsKey, *clientCA)
			if errTLS != nil {
				log.Fatalf("failed to build TLS config: %v", errTLS)
			}
			srv.TLSConfig = cfg
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServeTLS(*tlsCert, *tlsKey)
		}
	} else {
		err = srv.ListenAndServe()
	}
	if err != nil {
		log.Fatalf("server error: %v", err)
	}
}

package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"sort"

	"github.com/joho/godotenv"

	"wg-mesh/pkg/engine"
	"wg-mesh/pkg/keystore"
	"wg-mesh/pkg/loader"
	"wg-mesh/pkg/model"
	"wg-mesh/pkg/version"
	"wg-mesh/pkg/wireguard"
)

func main() {
	if _, err := os.Stat(".env"); err == nil {
		_ = godotenv.Load(".env")
	}
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	switch os.Args[1] {
	case "gen":
		runGen(os.Args[2:])
	case "keys":
		runKeys(os.Args[2:])
	case "version", "-v", "--version":
		log.Printf("meshgen version=%s", version.Build)
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: meshgen <gen|keys|version> [flags]")
	fmt.Fprintln(os.Stderr, "  gen   build WireGuard configs from a network document")
	fmt.Fprintln(os.Stderr, "  keys  inspect or prune the key store")
}

func runGen(args []string) {
	fs := flag.NewFlagSet("gen", flag.ExitOnError)
	config := fs.String("config", "", "network document (single file, YAML or JSON)")
	nodesFile := fs.String("nodes", "", "nodes file (two-file form, with --topology)")
	topologyFile := fs.String("topology", "", "topology file (two-file form, with --nodes)")
	outputDir := fs.String("out", "out", "directory to write rendered configs")
	iface := fs.String("iface", "wg0", "wireguard interface name used in scripts")
	dbPath := fs.String("db", "wg_keys.json", "key store path (file and sqlite backends) or address (consul backend)")
	backend := fs.String("keystore", "file", "key store backend: file|sqlite|mysql|consul")
	_ = fs.Parse(args)

	var doc *model.Document
	var err error
	switch {
	case *config != "":
		doc, err = loader.LoadDocument(*config)
	case *nodesFile != "" && *topologyFile != "":
		doc, err = loader.LoadSplit(*nodesFile, *topologyFile)
	default:
		log.Fatal("either --config or both --nodes and --topology are required")
	}
	if err != nil {
		log.Fatalf("load failed: %v", err)
	}

	ks, err := keystore.Open(*backend, *dbPath)
	if err != nil {
		log.Fatalf("open key store: %v", err)
	}
	defer ks.Close()

	result, err := engine.Build(doc, ks)
	if err != nil {
		log.Fatalf("build failed: %v", err)
	}
	for _, d := range result.Diagnostics {
		log.Printf("warning: %s", d)
	}
	if !result.OK() {
		for _, e := range result.Errors {
			log.Printf("error: %s", e)
		}
		os.Exit(1)
	}

	paths, err := wireguard.WriteAll(*outputDir, *iface, result.Configs, result.Order)
	if err != nil {
		log.Fatalf("write configs: %v", err)
	}
	log.Printf("wrote %d configs to %s (%s)", len(paths), *outputDir, result.Summary())
}

func runKeys(args []string) {
	fs := flag.NewFlagSet("keys", flag.ExitOnError)
	dbPath := fs.String("db", "wg_keys.json", "key store path")
	backend := fs.String("keystore", "file", "key store backend: file|sqlite|mysql|consul")
	list := fs.Bool("list", false, "list stored public keys")
	del := fs.String("delete", "", "delete the keypair for a node")
	_ = fs.Parse(args)

	ks, err := keystore.Open(*backend, *dbPath)
	if err != nil {
		log.Fatalf("open key store: %v", err)
	}
	defer ks.Close()

	switch {
	case *list:
		lister, ok := ks.(interface {
			List() (map[string]string, error)
		})
		if !ok {
			log.Fatalf("backend %s does not support listing", *backend)
		}
		keys, err := lister.List()
		if err != nil {
			log.Fatalf("list keys: %v", err)
		}
		names := make([]string, 0, len(keys))
		for name := range keys {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Printf("%s\t%s\n", name, keys[name])
		}
	case *del != "":
		deleter, ok := ks.(interface{ Delete(string) error })
		if !ok {
			log.Fatalf("backend %s does not support deletion", *backend)
		}
		if err := deleter.Delete(*del); err != nil {
			log.Fatalf("delete keypair: %v", err)
		}
		log.Printf("deleted keypair for %s", *del)
	default:
		log.Fatal("keys requires --list or --delete <node>")
	}
}

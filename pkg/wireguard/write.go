package wireguard

import (
	"fmt"
	"os"
	"path/filepath"

	"wg-mesh/pkg/model"
)

// WriteAll renders every record into outputDir: <node>.conf (0600,
// contains private keys) and a <node>.sh bring-up script (0755). Returns
// the written config paths in record order.
func WriteAll(outputDir, iface string, records map[string]model.ConfigRecord, order []string) ([]string, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir output: %w", err)
	}
	var paths []string
	for _, name := range order {
		record, ok := records[name]
		if !ok {
			continue
		}
		confPath := filepath.Join(outputDir, fmt.Sprintf("%s.conf", name))
		if err := os.WriteFile(confPath, []byte(RenderConfig(record)), 0o600); err != nil {
			return paths, fmt.Errorf("write config for %s: %w", name, err)
		}
		scriptPath := filepath.Join(outputDir, fmt.Sprintf("%s.sh", name))
		if err := os.WriteFile(scriptPath, []byte(RenderScript(record, iface)), 0o755); err != nil {
			return paths, fmt.Errorf("write script for %s: %w", name, err)
		}
		paths = append(paths, confPath)
	}
	return paths, nil
}

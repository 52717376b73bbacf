//go:build consul

package keystore

import (
	"wg-mesh/pkg/consul"
)

// OpenConsul creates a Consul-backed keystore (requires build tag consul).
func OpenConsul(addr string) (Store, error) {
	return consul.NewKeyStore(addr)
}

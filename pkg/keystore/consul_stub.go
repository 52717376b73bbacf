//go:build !consul

package keystore

import "fmt"

// OpenConsul requires the consul build tag.
func OpenConsul(addr string) (Store, error) {
	return nil, fmt.Errorf("consul keystore requested (addr=%s) but binary was built without the consul tag", addr)
}

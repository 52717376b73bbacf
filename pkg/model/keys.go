package model

import "sort"

// Keypair holds one node's base64-encoded key material.
type Keypair struct {
	PrivateKey string `json:"private_key"`
	PublicKey  string `json:"public_key"`
}

// PairKey names the unordered pair (a, b) the same way regardless of
// argument order.
func PairKey(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return pair[0] + ":" + pair[1]
}

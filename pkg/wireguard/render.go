package wireguard

import (
	"fmt"
	"strings"

	"wg-mesh/pkg/model"
)

// RenderConfig produces wg-quick compatible config text for one node's
// record. Peer order is whatever the engine fixed; passive peers simply
// have no Endpoint line.
func RenderConfig(record model.ConfigRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n", record.Name)
	b.WriteString("[Interface]\n")
	iface := record.Interface
	if iface.Address != "" {
		fmt.Fprintf(&b, "Address = %s\n", iface.Address)
	}
	if iface.ListenPort > 0 {
		fmt.Fprintf(&b, "ListenPort = %d\n", iface.ListenPort)
	}
	if iface.PrivateKey != "" {
		fmt.Fprintf(&b, "PrivateKey = %s\n", iface.PrivateKey)
	}
	if iface.DNS != "" {
		fmt.Fprintf(&b, "DNS = %s\n", iface.DNS)
	}
	if iface.MTU > 0 {
		fmt.Fprintf(&b, "MTU = %d\n", iface.MTU)
	}
	for _, cmd := range iface.PostUp {
		fmt.Fprintf(&b, "PostUp = %s\n", cmd)
	}
	for _, cmd := range iface.PostDown {
		fmt.Fprintf(&b, "PostDown = %s\n", cmd)
	}
	b.WriteString("\n")

	for _, p := range record.Peers {
		if p.Comment != "" {
			fmt.Fprintf(&b, "# %s\n", p.Comment)
		}
		b.WriteString("[Peer]\n")
		fmt.Fprintf(&b, "PublicKey = %s\n", p.PublicKey)
		if p.PresharedKey != "" {
			fmt.Fprintf(&b, "PresharedKey = %s\n", p.PresharedKey)
		}
		if p.Endpoint != "" {
			fmt.Fprintf(&b, "Endpoint = %s\n", p.Endpoint)
		}
		if len(p.AllowedIPs) > 0 {
			fmt.Fprintf(&b, "AllowedIPs = %s\n", strings.Join(p.AllowedIPs, ", "))
		}
		if p.PersistentKeepalive > 0 {
			fmt.Fprintf(&b, "PersistentKeepalive = %d\n", p.PersistentKeepalive)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// RenderScript produces a small bring-up script that installs the config
// and starts the interface with wg-quick.
func RenderScript(record model.ConfigRecord, iface string) string {
	if iface == "" {
		iface = "wg0"
	}
	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	fmt.Fprintf(&b, "# bring up %s as %s\n", record.Name, iface)
	b.WriteString("set -e\n\n")
	fmt.Fprintf(&b, "CONF=/etc/wireguard/%s.conf\n", iface)
	fmt.Fprintf(&b, "install -m 600 %s.conf \"$CONF\"\n", record.Name)
	fmt.Fprintf(&b, "wg-quick down %s 2>/dev/null || true\n", iface)
	fmt.Fprintf(&b, "wg-quick up %s\n", iface)
	return b.String()
}

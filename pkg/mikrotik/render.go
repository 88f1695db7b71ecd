// Package mikrotik renders RouterOS provisioning scripts for peers
// joining the tunnel.
package mikrotik

import (
	"fmt"
	"strings"

	"github.com/mmkash-web/wireguard/pkg/model"
)

// ServerInfo describes the VPS side of the tunnel as seen by a device.
type ServerInfo struct {
	PublicKey string // VPS WireGuard public key
	Endpoint  string // public address devices dial
	Port      int    // WireGuard listen port
	Gateway   string // tunnel gateway address
	APIPort   int    // device API port opened to the tunnel
}

// RenderScript produces an importable .rsc script that configures the
// peer's WireGuard interface, assigns its tunnel address and restricts
// API access to the tunnel. The peer must carry an assigned address.
func RenderScript(p model.Peer, srv ServerInfo) (string, error) {
	if p.Address == "" {
		return "", fmt.Errorf("peer %q has no address assigned", p.Name)
	}
	if srv.PublicKey == "" || srv.Endpoint == "" {
		return "", fmt.Errorf("server public key and endpoint are required")
	}
	if srv.Port <= 0 {
		srv.Port = 51820
	}
	if srv.APIPort <= 0 {
		srv.APIPort = 8728
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# WireGuard provisioning script\n")
	fmt.Fprintf(&b, "# Router: %s\n", p.Name)
	fmt.Fprintf(&b, "# Tunnel address: %s\n\n", p.Address)

	fmt.Fprintf(&b, ":log info \"configuring WireGuard tunnel for %s\"\n\n", p.Name)

	fmt.Fprintf(&b, "/system identity set name=%q\n\n", p.Name)

	b.WriteString("# Replace any previous tunnel interface\n")
	b.WriteString(":foreach i in=[/interface wireguard find] do={\n    /interface wireguard remove $i\n}\n\n")

	fmt.Fprintf(&b, "/interface wireguard add name=wg-vpn listen-port=%d comment=\"managed tunnel\"\n", srv.Port)
	b.WriteString(":delay 2s\n")
	b.WriteString(":local wgpubkey [/interface wireguard get [find name=wg-vpn] public-key]\n")
	b.WriteString(":put \"router public key (register on the server):\"\n")
	b.WriteString(":put $wgpubkey\n\n")

	fmt.Fprintf(&b, "/interface wireguard peers add \\\n")
	fmt.Fprintf(&b, "    interface=wg-vpn \\\n")
	fmt.Fprintf(&b, "    public-key=%q \\\n", srv.PublicKey)
	fmt.Fprintf(&b, "    endpoint-address=%s \\\n", srv.Endpoint)
	fmt.Fprintf(&b, "    endpoint-port=%d \\\n", srv.Port)
	fmt.Fprintf(&b, "    allowed-address=0.0.0.0/0 \\\n")
	fmt.Fprintf(&b, "    persistent-keepalive=25s\n\n")

	fmt.Fprintf(&b, "/ip address add address=%s/24 interface=wg-vpn\n\n", p.Address)

	fmt.Fprintf(&b, "/ip service set api disabled=no port=%d\n", srv.APIPort)
	fmt.Fprintf(&b, "/ip firewall filter add chain=input protocol=tcp dst-port=%d in-interface=wg-vpn action=accept place-before=0\n", srv.APIPort)
	fmt.Fprintf(&b, "/ip firewall filter add chain=input protocol=tcp dst-port=%d action=drop\n\n", srv.APIPort)

	if srv.Gateway != "" {
		fmt.Fprintf(&b, ":delay 10s\n")
		fmt.Fprintf(&b, ":local pingresult [/ping %s count=3]\n", srv.Gateway)
		fmt.Fprintf(&b, ":if ($pingresult > 0) do={\n    :log info \"tunnel connected\"\n} else={\n    :log warning \"cannot reach tunnel gateway yet\"\n}\n")
	}
	return b.String(), nil
}

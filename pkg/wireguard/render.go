package wireguard

import (
	"fmt"
	"strings"

	"github.com/mmkash-web/wireguard/pkg/model"
)

// Server describes the gateway side of the tunnel for client configs.
type Server struct {
	PublicKey string
	Endpoint  string
	Port      int
	DNS       string
}

// PrivateKeyPlaceholder is emitted when the caller does not supply the
// client's private key. The gateway never stores private keys.
const PrivateKeyPlaceholder = "<CLIENT_PRIVATE_KEY>"

// RenderClientConfig produces a wg-quick compatible config for a peer
// to import on a plain Linux or mobile client.
func RenderClientConfig(p model.Peer, srv Server, privateKey string) (string, error) {
	if p.Address == "" {
		return "", fmt.Errorf("peer %q has no address assigned", p.Name)
	}
	if srv.PublicKey == "" || srv.Endpoint == "" {
		return "", fmt.Errorf("server public key and endpoint are required")
	}
	if privateKey == "" {
		privateKey = PrivateKeyPlaceholder
	}
	port := srv.Port
	if port <= 0 {
		port = 51820
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n", p.Name)
	b.WriteString("[Interface]\n")
	fmt.Fprintf(&b, "PrivateKey = %s\n", privateKey)
	fmt.Fprintf(&b, "Address = %s/32\n", p.Address)
	if srv.DNS != "" {
		fmt.Fprintf(&b, "DNS = %s\n", srv.DNS)
	}
	b.WriteString("\n[Peer]\n")
	fmt.Fprintf(&b, "PublicKey = %s\n", srv.PublicKey)
	fmt.Fprintf(&b, "Endpoint = %s:%d\n", srv.Endpoint, port)
	b.WriteString("AllowedIPs = 0.0.0.0/0\n")
	b.WriteString("PersistentKeepalive = 25\n")
	return b.String(), nil
}

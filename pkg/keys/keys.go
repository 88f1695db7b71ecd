// Package keys generates and validates WireGuard key material for
// peers that register without bringing their own keypair.
package keys

import (
	"fmt"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// Keypair holds one freshly generated identity. The private key is
// returned to the caller once and never persisted by the core.
type Keypair struct {
	PrivateKey string
	PublicKey  string
}

// NewKeypair generates a Curve25519 keypair in WireGuard's base64 form.
func NewKeypair() (Keypair, error) {
	priv, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return Keypair{}, fmt.Errorf("generate private key: %w", err)
	}
	return Keypair{
		PrivateKey: priv.String(),
		PublicKey:  priv.PublicKey().String(),
	}, nil
}

// ValidPublicKey reports whether s parses as a WireGuard public key.
func ValidPublicKey(s string) bool {
	_, err := wgtypes.ParseKey(s)
	return err == nil
}

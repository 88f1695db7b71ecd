package mikrotik

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmkash-web/wireguard/pkg/model"
)

func TestRenderScript(t *testing.T) {
	p := model.Peer{Name: "branch-nairobi", Address: "10.10.0.2"}
	srv := ServerInfo{
		PublicKey: "c2VydmVyLXB1YmxpYy1rZXk=",
		Endpoint:  "203.0.113.10",
		Port:      51820,
		Gateway:   "10.10.0.1",
		APIPort:   8728,
	}

	script, err := RenderScript(p, srv)
	require.NoError(t, err)
	assert.Contains(t, script, `/system identity set name="branch-nairobi"`)
	assert.Contains(t, script, `public-key="c2VydmVyLXB1YmxpYy1rZXk="`)
	assert.Contains(t, script, "endpoint-address=203.0.113.10")
	assert.Contains(t, script, "/ip address add address=10.10.0.2/24 interface=wg-vpn")
	assert.Contains(t, script, "dst-port=8728 in-interface=wg-vpn action=accept")
	assert.Contains(t, script, "/ping 10.10.0.1 count=3")
}

func TestRenderScriptRequiresAddress(t *testing.T) {
	_, err := RenderScript(model.Peer{Name: "x"}, ServerInfo{PublicKey: "k", Endpoint: "e"})
	assert.Error(t, err)

	_, err = RenderScript(model.Peer{Name: "x", Address: "10.10.0.2"}, ServerInfo{})
	assert.Error(t, err)
}

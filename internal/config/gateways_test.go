package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleGateways = `
gateways:
  - id: paypal
    enabled: true
    sandbox: true
    payout_method: paypal
    capabilities: [checkout, payouts]
    currencies: [USD, EUR]
    credentials:
      business: shop@example.com
      client_id: abc
  - id: internal
    enabled: true
    capabilities: [checkout]
    currencies: [USD]
`

func TestLoadGateways(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateways.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleGateways), 0o600))

	t.Setenv("SETTLEMENT_PAYPAL_CLIENT_ID", "from-env")

	gateways, err := LoadGateways(path)
	require.NoError(t, err)
	require.Len(t, gateways, 2)

	pp := gateways[0]
	assert.Equal(t, "paypal", pp.ID)
	assert.True(t, pp.Sandbox)
	assert.True(t, pp.HasCapability("payouts"))
	assert.True(t, pp.AcceptsCurrency("eur"))
	assert.False(t, pp.AcceptsCurrency("JPY"))
	assert.Equal(t, "shop@example.com", pp.Credential("business"))
	assert.Equal(t, "from-env", pp.Credential("client_id"))
	assert.Equal(t, "paypal", pp.PayoutMethod)

	assert.False(t, gateways[1].HasCapability("payouts"))
}

func TestLoadGatewaysMissingFile(t *testing.T) {
	gateways, err := LoadGateways(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Empty(t, gateways)
}

func TestLoadGatewaysDuplicateID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateways.yaml")
	body := "gateways:\n  - id: stripe\n  - id: stripe\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	_, err := LoadGateways(path)
	assert.ErrorContains(t, err, "configured twice")
}

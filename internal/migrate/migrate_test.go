package migrate

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChains(t *testing.T) {
	chains := Chains()
	assert.Contains(t, chains, "core")
	assert.Contains(t, chains, "switchboard")
	assert.Contains(t, chains, "messenger")
	assert.Contains(t, chains, "shared")
}

func TestLoad_CoreChain(t *testing.T) {
	migrations, err := Load("core")
	require.NoError(t, err)
	require.NotEmpty(t, migrations)

	assert.Equal(t, 1, migrations[0].Version)
	assert.Contains(t, migrations[0].SQL, "route_inbox")
	assert.Contains(t, migrations[0].SQL, "scheduled_tasks")

	// Versions are strictly increasing.
	for i := 1; i < len(migrations); i++ {
		assert.Greater(t, migrations[i].Version, migrations[i-1].Version)
	}
}

func TestLoad_MessengerChainCarriesDeliveryInvariants(t *testing.T) {
	migrations, err := Load("messenger")
	require.NoError(t, err)
	require.NotEmpty(t, migrations)

	all := strings.Join(func() []string {
		var out []string
		for _, m := range migrations {
			out = append(out, m.SQL)
		}
		return out
	}(), "\n")

	assert.Contains(t, all, "idempotency_key  TEXT NOT NULL UNIQUE")
	assert.Contains(t, all, "UNIQUE (delivery_request_id, attempt_number)")
	assert.Contains(t, all, "delivery_request_id       UUID NOT NULL UNIQUE")
}

func TestLoad_UnknownChain(t *testing.T) {
	_, err := Load("teleportation")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown migration chain")
}

func TestQuoteIdent(t *testing.T) {
	assert.Equal(t, `"health"`, quoteIdent("health"))
	assert.Equal(t, `"we""ird"`, quoteIdent(`we"ird`))
}

package identity

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testNormalizer() *Normalizer {
	n := NewNormalizer([]string{"neopost.grp", "quadient.group"}, "idm.dsm.local")
	n.NetbiosAliases = map[string]string{
		"NEOPOST":  "neopost.grp",
		"QUADIENT": "quadient.group",
	}
	return n
}

func TestNormalizeBarePicksFirstPriorityDomain(t *testing.T) {
	n := testNormalizer()

	id, err := n.Normalize("JSmith")
	require.NoError(t, err)

	assert.Equal(t, "jsmith@NEOPOST.GRP", id.CanonicalPrincipal)
	assert.Equal(t, "jsmith", id.Username)
	assert.Equal(t, "neopost.grp", id.Domain)
	assert.Equal(t, "NEOPOST.GRP", id.Realm)
	assert.True(t, id.IsADTrust)
	assert.Equal(t, FormatBare, id.OriginalFormat)
}

func TestNormalizeBareNoTrustsUsesNativeDomain(t *testing.T) {
	n := NewNormalizer(nil, "idm.dsm.local")

	id, err := n.Normalize("jsmith")
	require.NoError(t, err)

	assert.Equal(t, "jsmith@IDM.DSM.LOCAL", id.CanonicalPrincipal)
	assert.False(t, id.IsADTrust)
}

func TestNormalizeUPN(t *testing.T) {
	n := testNormalizer()

	id, err := n.Normalize("jsmith@neopost.grp")
	require.NoError(t, err)

	assert.Equal(t, "jsmith@NEOPOST.GRP", id.CanonicalPrincipal)
	assert.Equal(t, FormatUPN, id.OriginalFormat)
	assert.True(t, id.IsADTrust)

	native, err := n.Normalize("svc-probe@idm.dsm.local")
	require.NoError(t, err)
	assert.False(t, native.IsADTrust)
}

func TestNormalizeNTStyleAliasTableFirst(t *testing.T) {
	n := testNormalizer()

	id, err := n.Normalize(`NEOPOST\JSmith`)
	require.NoError(t, err)

	assert.Equal(t, "jsmith@NEOPOST.GRP", id.CanonicalPrincipal)
	assert.Equal(t, FormatNTStyle, id.OriginalFormat)
	assert.True(t, id.IsADTrust)
}

func TestNormalizeNTStyleFirstLabelFallback(t *testing.T) {
	n := testNormalizer()
	n.NetbiosAliases = map[string]string{}

	id, err := n.Normalize(`quadient\ops`)
	require.NoError(t, err)
	assert.Equal(t, "ops@QUADIENT.GROUP", id.CanonicalPrincipal)

	_, err = n.Normalize(`UNKNOWN\ops`)
	assert.Error(t, err)
}

// Normalizing the lower-cased canonical principal must reproduce the same
// canonical principal.
func TestNormalizeIdempotentOnUPNOutput(t *testing.T) {
	n := testNormalizer()

	inputs := []string{"jsmith", "jsmith@neopost.grp", `NEOPOST\jsmith`, "ops@idm.dsm.local"}
	for _, in := range inputs {
		first, err := n.Normalize(in)
		require.NoError(t, err, in)

		second, err := n.Normalize(strings.ToLower(first.CanonicalPrincipal))
		require.NoError(t, err, in)
		assert.Equal(t, first.CanonicalPrincipal, second.CanonicalPrincipal, in)
		assert.Equal(t, first.IsADTrust, second.IsADTrust, in)
	}
}

func TestPermissiveModeOnlyWithoutTrusts(t *testing.T) {
	n := NewNormalizer(nil, "idm.dsm.local")
	n.Permissive = true

	id, err := n.Normalize("jane@foreign.example")
	require.NoError(t, err)
	assert.True(t, id.IsADTrust)

	n.Permissive = false
	id, err = n.Normalize("jane@foreign.example")
	require.NoError(t, err)
	assert.False(t, id.IsADTrust)

	// Configured trusts disable the permissive assumption entirely.
	strict := testNormalizer()
	strict.Permissive = true
	id, err = strict.Normalize("jane@foreign.example")
	require.NoError(t, err)
	assert.False(t, id.IsADTrust)
}

func TestGroupMatches(t *testing.T) {
	assert.True(t, GroupMatches("cn=dsm-admins,cn=groups,dc=x,dc=y", "DSM-Admins"))
	assert.False(t, GroupMatches("admins", "dsm-admins"))
	assert.True(t, GroupMatches(`NEOPOST\dsm-admins`, "dsm-admins"))
	assert.True(t, GroupMatches("dsm-admins@neopost.grp", "DSM-ADMINS"))
	assert.False(t, GroupMatches("", "dsm-admins"))
	assert.False(t, GroupMatches("dsm-admins", ""))
}

func TestCanonicalGroupName(t *testing.T) {
	assert.Equal(t, "dsm-admins", CanonicalGroupName("CN=DSM-Admins,CN=Groups,DC=x,DC=y"))
	assert.Equal(t, "dsm-admins", CanonicalGroupName(`NEOPOST\DSM-Admins`))
	assert.Equal(t, "dsm-admins", CanonicalGroupName("dsm-admins@neopost.grp"))
}

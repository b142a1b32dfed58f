package credentials

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsm-platform/dsm-executor/database"
)

func TestResolveExplicitSetWins(t *testing.T) {
	g := newFakeGateway(t).withEncryptionKey(t)
	g.add(t, "credential_sets", database.CredentialSet{
		ID: "set-1", Name: "primary", Username: "root", PasswordEncrypted: "enc:calvin",
	})

	r := NewResolver(g.repo(), "default-user", "default-pass")
	res := r.ResolveForServer(context.Background(), &database.Server{
		ID:                     "srv-1",
		IPAddress:              "10.0.0.5",
		CredentialSetID:        strPtr("set-1"),
		IdracUsername:          "inline-user",
		IdracPasswordEncrypted: "enc:inline-pass",
	})

	require.True(t, res.HasCredentials())
	assert.Equal(t, SourceExplicitSet, res.Source)
	assert.Equal(t, "root", res.Username)
	assert.Equal(t, "calvin", res.Password)
	require.NotNil(t, res.UsedSetID)
	assert.Equal(t, "set-1", *res.UsedSetID)
}

func TestResolveMissingExplicitSetFallsThroughToInline(t *testing.T) {
	g := newFakeGateway(t).withEncryptionKey(t)

	r := NewResolver(g.repo(), "", "")
	res := r.ResolveForServer(context.Background(), &database.Server{
		ID:                     "srv-1",
		IPAddress:              "10.0.0.5",
		CredentialSetID:        strPtr("gone"),
		IdracUsername:          "inline-user",
		IdracPasswordEncrypted: "enc:inline-pass",
	})

	require.True(t, res.HasCredentials())
	assert.Equal(t, SourceInline, res.Source)
	assert.Equal(t, "inline-user", res.Username)
	assert.Equal(t, "inline-pass", res.Password)
	assert.Nil(t, res.UsedSetID)
}

// A decryptable-looking blob that fails decryption must stop the chain, not
// fall through to weaker sources.
func TestResolveDecryptFailureShortCircuits(t *testing.T) {
	g := newFakeGateway(t).withEncryptionKey(t)

	r := NewResolver(g.repo(), "default-user", "default-pass")
	res := r.ResolveForServer(context.Background(), &database.Server{
		ID:                     "srv-1",
		IPAddress:              "10.0.0.5",
		IdracUsername:          "inline-user",
		IdracPasswordEncrypted: "corrupted-blob",
	})

	assert.Equal(t, SourceDecryptFailed, res.Source)
	assert.False(t, res.HasCredentials())
	assert.Empty(t, res.Username)
	assert.Empty(t, res.Password)
}

func TestResolveDecryptFailureInExplicitSetShortCircuits(t *testing.T) {
	g := newFakeGateway(t).withEncryptionKey(t)
	g.add(t, "credential_sets", database.CredentialSet{
		ID: "set-1", Username: "root", PasswordEncrypted: "corrupted",
	})

	r := NewResolver(g.repo(), "default-user", "default-pass")
	res := r.ResolveForServer(context.Background(), &database.Server{
		ID:              "srv-1",
		IPAddress:       "10.0.0.5",
		CredentialSetID: strPtr("set-1"),
	})

	assert.Equal(t, SourceDecryptFailed, res.Source)
	assert.False(t, res.HasCredentials())
}

func TestResolveDiscoveredSet(t *testing.T) {
	g := newFakeGateway(t).withEncryptionKey(t)
	g.add(t, "credential_sets", database.CredentialSet{
		ID: "set-d", Username: "scanner", PasswordEncrypted: "enc:found-it",
	})

	r := NewResolver(g.repo(), "default-user", "default-pass")
	res := r.ResolveForServer(context.Background(), &database.Server{
		ID:                          "srv-1",
		IPAddress:                   "10.0.0.5",
		DiscoveredByCredentialSetID: strPtr("set-d"),
	})

	require.True(t, res.HasCredentials())
	assert.Equal(t, SourceDiscoveredSet, res.Source)
	assert.Equal(t, "scanner", res.Username)
}

func TestResolveIPRangeMapping(t *testing.T) {
	g := newFakeGateway(t).withEncryptionKey(t)
	g.add(t, "credential_sets", database.CredentialSet{
		ID: "set-r", Username: "rangeuser", PasswordEncrypted: "enc:rangepass",
	})
	g.add(t, "credential_ip_ranges", database.CredentialIPRange{
		ID: "m1", CredentialSetID: "set-r", Range: "10.0.0.0/24", Priority: 1,
	})

	r := NewResolver(g.repo(), "default-user", "default-pass")

	res := r.ResolveForServer(context.Background(), &database.Server{ID: "srv-1", IPAddress: "10.0.0.5"})
	require.True(t, res.HasCredentials())
	assert.Equal(t, SourceIPRange, res.Source)
	assert.Equal(t, "rangeuser", res.Username)

	// Outside the range the chain ends at the defaults.
	res = r.ResolveForServer(context.Background(), &database.Server{ID: "srv-2", IPAddress: "10.0.1.5"})
	assert.Equal(t, SourceDefault, res.Source)
	assert.Equal(t, "default-user", res.Username)
}

func TestResolveNoSourcesYieldsNone(t *testing.T) {
	g := newFakeGateway(t)

	r := NewResolver(g.repo(), "", "")
	res := r.ResolveForServer(context.Background(), &database.Server{ID: "srv-1", IPAddress: "10.0.0.5"})

	assert.Equal(t, SourceNone, res.Source)
	assert.False(t, res.HasCredentials())
}

func TestRangeContains(t *testing.T) {
	cases := []struct {
		spec string
		ip   string
		want bool
	}{
		{"10.0.0.0/24", "10.0.0.1", true},
		{"10.0.0.0/24", "10.0.1.1", false},
		{"10.0.0.5/32", "10.0.0.5", true},
		{"10.0.0.5/32", "10.0.0.6", false},
		{"10.0.0.10-10.0.0.20", "10.0.0.10", true},
		{"10.0.0.10-10.0.0.20", "10.0.0.20", true},
		{"10.0.0.10-10.0.0.20", "10.0.0.15", true},
		{"10.0.0.10-10.0.0.20", "10.0.0.21", false},
		{"10.0.0.10-10.0.0.20", "10.0.0.9", false},
		// A-A degenerates to a single-IP match.
		{"10.0.0.7-10.0.0.7", "10.0.0.7", true},
		{"10.0.0.7-10.0.0.7", "10.0.0.8", false},
		{"10.0.0.9", "10.0.0.9", true},
		{"10.0.0.9", "10.0.0.10", false},
		{" 10.0.0.9 ", "10.0.0.9", true},
		{"not-a-range", "10.0.0.9", false},
		{"10.0.0.0/24", "garbage", false},
	}

	for _, c := range cases {
		assert.Equal(t, c.want, RangeContains(c.spec, c.ip), "spec=%q ip=%q", c.spec, c.ip)
	}
}

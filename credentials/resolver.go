// Package credentials resolves per-target secrets: the iDRAC credential
// chain and the multi-source SSH credential lookup.
package credentials

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/dsm-platform/dsm-executor/database"
)

// Resolution sources, in chain order. DecryptFailed is a hard stop: an
// encrypted blob we cannot decrypt means the operator's intent is knowable
// but the secret is not, and falling through would authenticate as the wrong
// identity.
const (
	SourceExplicitSet   = "explicit_set"
	SourceInline        = "inline"
	SourceDiscoveredSet = "discovered_set"
	SourceIPRange       = "ip_range"
	SourceDefault       = "default"
	SourceDecryptFailed = "decrypt_failed"
	SourceNone          = "none"
)

// Resolution is the outcome of one chain walk.
type Resolution struct {
	Username  string
	Password  string
	Source    string
	UsedSetID *string
}

// HasCredentials reports whether the resolution carries usable credentials.
func (r *Resolution) HasCredentials() bool {
	return r.Source != SourceNone && r.Source != SourceDecryptFailed
}

// Resolver walks the credential priority chain for iDRAC targets.
type Resolver struct {
	repo *database.Repository

	defaultUser     string
	defaultPassword string

	keyMu  sync.Mutex
	encKey string
}

// NewResolver creates a resolver with process-wide default credentials.
func NewResolver(repo *database.Repository, defaultUser, defaultPassword string) *Resolver {
	return &Resolver{
		repo:            repo,
		defaultUser:     defaultUser,
		defaultPassword: defaultPassword,
	}
}

// EncryptionKey returns the decryption key, fetching it from the
// activity-settings row on first use and caching it afterwards.
func (r *Resolver) EncryptionKey(ctx context.Context) (string, error) {
	r.keyMu.Lock()
	defer r.keyMu.Unlock()

	if r.encKey != "" {
		return r.encKey, nil
	}

	settings, err := r.repo.GetActivitySettings(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to load activity settings: %w", err)
	}
	if settings == nil || settings.EncryptionKey == "" {
		return "", fmt.Errorf("no encryption key configured in activity settings")
	}

	r.encKey = settings.EncryptionKey
	return r.encKey, nil
}

// Decrypt resolves an encrypted blob via the remote decrypt RPC.
func (r *Resolver) Decrypt(ctx context.Context, encrypted string) (string, error) {
	key, err := r.EncryptionKey(ctx)
	if err != nil {
		return "", err
	}
	return r.repo.Client().DecryptPassword(ctx, encrypted, key)
}

// ResolveForServer walks the priority chain for one server:
//
//  1. explicit credential_set_id
//  2. inline idrac_username/idrac_password_encrypted on the server row
//  3. discovered_by_credential_set_id
//  4. first IP-range-mapped set whose range contains the server's IP
//  5. process-wide defaults
//
// Any step holding an encrypted blob that fails decryption short-circuits
// with SourceDecryptFailed and no credentials.
func (r *Resolver) ResolveForServer(ctx context.Context, server *database.Server) *Resolution {
	if server == nil {
		return &Resolution{Source: SourceNone}
	}

	// 1. Explicit set pinned on the server.
	if server.CredentialSetID != nil && *server.CredentialSetID != "" {
		if res := r.resolveSet(ctx, *server.CredentialSetID, SourceExplicitSet); res != nil {
			return res
		}
	}

	// 2. Server-specific inline credentials.
	if server.IdracUsername != "" && server.IdracPasswordEncrypted != "" {
		password, err := r.Decrypt(ctx, server.IdracPasswordEncrypted)
		if err != nil {
			log.WithError(err).WithField("server_id", server.ID).Warn("Inline credential decryption failed")
			return &Resolution{Source: SourceDecryptFailed}
		}
		return &Resolution{Username: server.IdracUsername, Password: password, Source: SourceInline}
	}

	// 3. The set that last authenticated during discovery.
	if server.DiscoveredByCredentialSetID != nil && *server.DiscoveredByCredentialSetID != "" {
		if res := r.resolveSet(ctx, *server.DiscoveredByCredentialSetID, SourceDiscoveredSet); res != nil {
			return res
		}
	}

	// 4. IP-range mappings, priority ascending.
	if res := r.resolveByIPRange(ctx, server.IPAddress); res != nil {
		return res
	}

	// 5. Process-wide defaults.
	if r.defaultUser != "" && r.defaultPassword != "" {
		return &Resolution{Username: r.defaultUser, Password: r.defaultPassword, Source: SourceDefault}
	}

	return &Resolution{Source: SourceNone}
}

// resolveSet materializes a credential set. A missing set lets the chain
// continue (nil return); a decrypt failure stops it.
func (r *Resolver) resolveSet(ctx context.Context, setID, source string) *Resolution {
	set, err := r.repo.GetCredentialSet(ctx, setID)
	if err != nil || set == nil {
		if err != nil {
			log.WithError(err).WithField("credential_set_id", setID).Debug("Credential set lookup failed")
		}
		return nil
	}

	password, err := r.Decrypt(ctx, set.PasswordEncrypted)
	if err != nil {
		log.WithError(err).WithField("credential_set_id", setID).Warn("Credential set decryption failed")
		return &Resolution{Source: SourceDecryptFailed}
	}

	id := set.ID
	return &Resolution{Username: set.Username, Password: password, Source: source, UsedSetID: &id}
}

func (r *Resolver) resolveByIPRange(ctx context.Context, ip string) *Resolution {
	if ip == "" {
		return nil
	}

	ranges, err := r.repo.ListCredentialIPRanges(ctx)
	if err != nil {
		log.WithError(err).Debug("IP-range mapping lookup failed")
		return nil
	}

	for _, m := range ranges {
		if RangeContains(m.Range, ip) {
			return r.resolveSet(ctx, m.CredentialSetID, SourceIPRange)
		}
	}
	return nil
}

// RangeContains reports whether an IP falls inside a range specifier. The
// specifier is a CIDR, an A-B inclusive range, or a single IP.
func RangeContains(spec, ip string) bool {
	target := net.ParseIP(strings.TrimSpace(ip))
	if target == nil {
		return false
	}
	spec = strings.TrimSpace(spec)

	if strings.Contains(spec, "/") {
		_, network, err := net.ParseCIDR(spec)
		if err != nil {
			return false
		}
		return network.Contains(target)
	}

	if strings.Contains(spec, "-") {
		parts := strings.SplitN(spec, "-", 2)
		start := net.ParseIP(strings.TrimSpace(parts[0]))
		end := net.ParseIP(strings.TrimSpace(parts[1]))
		if start == nil || end == nil {
			return false
		}
		return ipCompare(target, start) >= 0 && ipCompare(target, end) <= 0
	}

	single := net.ParseIP(spec)
	return single != nil && single.Equal(target)
}

func ipCompare(a, b net.IP) int {
	return bytes.Compare(a.To16(), b.To16())
}

package identity

import (
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
	log "github.com/sirupsen/logrus"
)

// IDMConfig describes the directory endpoints used for authentication.
type IDMConfig struct {
	// URL of the native directory, e.g. ldaps://idm.dsm.local:636.
	URL string
	// BaseDN for native user and group searches.
	BaseDN string
	// ADDCURL optionally points at an AD domain controller for trust-user
	// pass-through binds. Empty means trust users bind via the compat tree.
	ADDCURL string
	// ServiceBindDN / ServiceBindPassword enable group lookup when set.
	ServiceBindDN       string
	ServiceBindPassword string
	// SkipTLSVerify disables certificate validation on LDAPS connections.
	SkipTLSVerify bool
	// Timeout bounds each directory round trip.
	Timeout time.Duration
}

// IDMClient authenticates users against the native directory with optional
// AD-trust pass-through, and resolves group membership.
type IDMClient struct {
	config     IDMConfig
	normalizer *Normalizer
}

// AuthResult is the outcome of one authentication attempt.
type AuthResult struct {
	Authenticated bool                `json:"authenticated"`
	Identity      *NormalizedIdentity `json:"identity,omitempty"`
	Groups        []string            `json:"groups,omitempty"`
	Error         string              `json:"error,omitempty"`
}

// NewIDMClient creates a directory client.
func NewIDMClient(config IDMConfig, normalizer *Normalizer) *IDMClient {
	if config.Timeout == 0 {
		config.Timeout = 15 * time.Second
	}
	return &IDMClient{config: config, normalizer: normalizer}
}

func (c *IDMClient) dial(target string) (*ldap.Conn, error) {
	opts := []ldap.DialOpt{}
	if strings.HasPrefix(target, "ldaps://") {
		opts = append(opts, ldap.DialWithTLSConfig(&tls.Config{
			InsecureSkipVerify: c.config.SkipTLSVerify,
		}))
	}
	conn, err := ldap.DialURL(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("directory unreachable at %s: %w", target, err)
	}
	conn.SetTimeout(c.config.Timeout)
	return conn, nil
}

// Authenticate verifies a user's password. Trust users are bound against the
// AD DC when one is configured; everything else binds against the native
// directory. A bind rejection is an auth failure, not a connectivity error.
func (c *IDMClient) Authenticate(username, password string) *AuthResult {
	identity, err := c.normalizer.Normalize(username)
	if err != nil {
		return &AuthResult{Error: err.Error()}
	}

	target := c.config.URL
	bindDN := c.userBindDN(identity)
	if identity.IsADTrust && c.config.ADDCURL != "" {
		target = c.config.ADDCURL
		bindDN = identity.CanonicalPrincipal
	}

	conn, err := c.dial(target)
	if err != nil {
		return &AuthResult{Identity: identity, Error: err.Error()}
	}
	defer conn.Close()

	if err := conn.Bind(bindDN, password); err != nil {
		log.WithFields(log.Fields{
			"principal": identity.CanonicalPrincipal,
			"ad_trust":  identity.IsADTrust,
		}).Warn("Directory bind rejected")
		return &AuthResult{Identity: identity, Error: "invalid credentials"}
	}

	result := &AuthResult{Authenticated: true, Identity: identity}

	groups, err := c.lookupGroups(identity)
	if err != nil {
		// Group lookup is best effort; the bind already proved the password.
		log.WithError(err).WithField("principal", identity.CanonicalPrincipal).Debug("Group lookup failed")
	} else {
		result.Groups = groups
	}

	return result
}

// userBindDN builds the native-directory bind DN. AD-trust users without a
// DC pass-through live under the compat tree.
func (c *IDMClient) userBindDN(identity *NormalizedIdentity) string {
	if identity.IsADTrust {
		return fmt.Sprintf("uid=%s,cn=users,cn=compat,%s", identity.CanonicalPrincipal, c.config.BaseDN)
	}
	return fmt.Sprintf("uid=%s,cn=users,cn=accounts,%s", identity.Username, c.config.BaseDN)
}

// lookupGroups resolves group membership via the service account when one is
// configured.
func (c *IDMClient) lookupGroups(identity *NormalizedIdentity) ([]string, error) {
	if c.config.ServiceBindDN == "" {
		return nil, nil
	}

	conn, err := c.dial(c.config.URL)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := conn.Bind(c.config.ServiceBindDN, c.config.ServiceBindPassword); err != nil {
		return nil, fmt.Errorf("service-account bind failed: %w", err)
	}

	memberValue := identity.Username
	if identity.IsADTrust {
		memberValue = identity.CanonicalPrincipal
	}

	req := ldap.NewSearchRequest(
		c.config.BaseDN,
		ldap.ScopeWholeSubtree,
		ldap.NeverDerefAliases,
		0, int(c.config.Timeout.Seconds()), false,
		fmt.Sprintf("(&(objectClass=groupOfNames)(member=uid=%s,cn=users,cn=accounts,%s))",
			ldap.EscapeFilter(memberValue), c.config.BaseDN),
		[]string{"cn"},
		nil,
	)

	res, err := conn.Search(req)
	if err != nil {
		return nil, fmt.Errorf("group search failed: %w", err)
	}

	var groups []string
	for _, e := range res.Entries {
		if cn := e.GetAttributeValue("cn"); cn != "" {
			groups = append(groups, cn)
		}
	}
	return groups, nil
}

// HasGroup reports whether any resolved group matches the required one using
// canonicalized matching.
func (r *AuthResult) HasGroup(required string) bool {
	for _, g := range r.Groups {
		if GroupMatches(g, required) {
			return true
		}
	}
	return false
}

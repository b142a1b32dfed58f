// Package config provides executor process configuration.
// Required settings come from the environment; an optional YAML overlay file
// can override the tunables for lab deployments.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

// Config holds all process-wide configuration for the job executor.
type Config struct {
	// Persistence service (database-behind-REST)
	DSMURL         string `json:"dsm_url" yaml:"dsm_url"`
	ServiceRoleKey string `json:"-" yaml:"service_role_key"`

	// Outbound TLS verification (iDRAC endpoints ship self-signed certs)
	VerifySSL bool `json:"verify_ssl" yaml:"verify_ssl"`

	// Process-wide default iDRAC credentials (last step of the resolver chain)
	IdracDefaultUser     string `json:"idrac_default_user" yaml:"idrac_default_user"`
	IdracDefaultPassword string `json:"-" yaml:"idrac_default_password"`

	// Optional global vCenter host; per-vCenter rows override this
	VCenterHost string `json:"vcenter_host" yaml:"vcenter_host"`

	// Instant API server
	APIPort       int    `json:"api_port" yaml:"api_port"`
	APISSLEnabled bool   `json:"api_ssl_enabled" yaml:"api_ssl_enabled"`
	APISSLCert    string `json:"api_ssl_cert" yaml:"api_ssl_cert"`
	APISSLKey     string `json:"api_ssl_key" yaml:"api_ssl_key"`

	// Development stubs for the ZFS/vMotion surface
	ZerfauxUseStubs bool `json:"zerfaux_use_stubs" yaml:"zerfaux_use_stubs"`

	// Scheduler tunables
	PollInterval  time.Duration `json:"poll_interval" yaml:"poll_interval"`
	MaxConcurrent int           `json:"max_concurrent" yaml:"max_concurrent"`

	// Identity normalization
	TrustedDomains    []string `json:"trusted_domains" yaml:"trusted_domains"`
	NativeRealm       string   `json:"native_realm" yaml:"native_realm"`
	PermissiveADTrust bool     `json:"permissive_ad_trust" yaml:"permissive_ad_trust"`

	// Directory authentication. Optional; when IDMURL is empty the
	// idm-authenticate endpoint reports itself unconfigured.
	IDMURL                 string `json:"idm_url" yaml:"idm_url"`
	IDMBaseDN              string `json:"idm_base_dn" yaml:"idm_base_dn"`
	IDMADDCURL             string `json:"idm_ad_dc_url" yaml:"idm_ad_dc_url"`
	IDMServiceBindDN       string `json:"idm_service_bind_dn" yaml:"idm_service_bind_dn"`
	IDMServiceBindPassword string `json:"-" yaml:"idm_service_bind_password"`
	IDMSkipTLSVerify       bool   `json:"idm_skip_tls_verify" yaml:"idm_skip_tls_verify"`
}

// Defaults applied when neither environment nor overlay provide a value.
const (
	DefaultAPIPort       = 8443
	DefaultPollInterval  = 5 * time.Second
	DefaultMaxConcurrent = 5
)

// Load builds a Config from the environment, then applies the YAML overlay
// file if one is given. Missing required settings are reported together so a
// broken deployment fails with one actionable error.
func Load(overlayPath string) (*Config, error) {
	cfg := &Config{
		DSMURL:                 os.Getenv("DSM_URL"),
		ServiceRoleKey:         os.Getenv("SERVICE_ROLE_KEY"),
		VerifySSL:              envBool("VERIFY_SSL", false),
		IdracDefaultUser:       os.Getenv("IDRAC_DEFAULT_USER"),
		IdracDefaultPassword:   os.Getenv("IDRAC_DEFAULT_PASSWORD"),
		VCenterHost:            os.Getenv("VCENTER_HOST"),
		APIPort:                envInt("API_SERVER_PORT", DefaultAPIPort),
		APISSLEnabled:          envBool("API_SERVER_SSL_ENABLED", false),
		APISSLCert:             os.Getenv("API_SERVER_SSL_CERT"),
		APISSLKey:              os.Getenv("API_SERVER_SSL_KEY"),
		ZerfauxUseStubs:        envBool("ZERFAUX_USE_STUBS", false),
		IDMURL:                 os.Getenv("IDM_URL"),
		IDMBaseDN:              os.Getenv("IDM_BASE_DN"),
		IDMADDCURL:             os.Getenv("IDM_AD_DC_URL"),
		IDMServiceBindDN:       os.Getenv("IDM_SERVICE_BIND_DN"),
		IDMServiceBindPassword: os.Getenv("IDM_SERVICE_BIND_PASSWORD"),
		IDMSkipTLSVerify:       envBool("IDM_SKIP_TLS_VERIFY", false),
		NativeRealm:            os.Getenv("NATIVE_REALM"),
		PermissiveADTrust:      envBool("PERMISSIVE_AD_TRUST", false),
		PollInterval:           DefaultPollInterval,
		MaxConcurrent:          DefaultMaxConcurrent,
	}

	if v := os.Getenv("TRUSTED_DOMAINS"); v != "" {
		for _, d := range strings.Split(v, ",") {
			if d = strings.TrimSpace(d); d != "" {
				cfg.TrustedDomains = append(cfg.TrustedDomains, d)
			}
		}
	}

	if overlayPath != "" {
		data, err := os.ReadFile(overlayPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config overlay %s: %w", overlayPath, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config overlay %s: %w", overlayPath, err)
		}
		log.WithField("path", overlayPath).Info("Applied configuration overlay")
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	if c.DSMURL == "" {
		missing = append(missing, "DSM_URL")
	}
	if c.ServiceRoleKey == "" {
		missing = append(missing, "SERVICE_ROLE_KEY")
	}
	if c.IdracDefaultUser == "" {
		missing = append(missing, "IDRAC_DEFAULT_USER")
	}
	if c.IdracDefaultPassword == "" {
		missing = append(missing, "IDRAC_DEFAULT_PASSWORD")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %v", missing)
	}
	if c.APISSLEnabled && (c.APISSLCert == "" || c.APISSLKey == "") {
		log.Warn("API SSL enabled without cert/key paths - server will fall back to plaintext")
	}
	return nil
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.WithFields(log.Fields{"key": key, "value": v}).Warn("Invalid boolean environment value, using default")
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.WithFields(log.Fields{"key": key, "value": v}).Warn("Invalid integer environment value, using default")
		return def
	}
	return n
}

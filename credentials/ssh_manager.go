package credentials

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/dsm-platform/dsm-executor/database"
)

// SSH secret kinds carried by SSHCredentials.
const (
	SSHSecretKeyData  = "key_data"
	SSHSecretKeyPath  = "key_path"
	SSHSecretPassword = "password"
)

// SSHCredentials is a resolved SSH identity for a ZFS host. Exactly one of
// KeyData, KeyPath or Password is set; SecretKind names which.
type SSHCredentials struct {
	Hostname   string
	Port       int
	Username   string
	SecretKind string
	KeyData    string
	KeyPath    string
	Password   string
	Source     string
}

// SSHManager performs the multi-source SSH credential lookup for replication
// targets.
type SSHManager struct {
	repo     *database.Repository
	resolver *Resolver
}

// NewSSHManager creates an SSH credential manager.
func NewSSHManager(repo *database.Repository, resolver *Resolver) *SSHManager {
	return &SSHManager{repo: repo, resolver: resolver}
}

// Key statuses acceptable on direct ssh_key_id lookups.
var usableKeyStatuses = map[string]bool{
	"active":   true,
	"pending":  true,
	"deployed": true,
}

var sitePrefixRe = regexp.MustCompile(`(?i)^S\d{2}-`)

var applianceMarkers = []string{"VRP", "VREP", "REPL", "-REP-"}

// GetCredentials resolves the SSH identity for a replication target. The
// hostname prefers the hosting VM's IP when one is recorded; the secret walks
// seven sources in order, ending at the caller-provided fallback password.
func (m *SSHManager) GetCredentials(ctx context.Context, target *database.ReplicationTarget, fallbackPassword string) (*SSHCredentials, error) {
	if target == nil {
		return nil, fmt.Errorf("nil replication target")
	}

	creds := &SSHCredentials{
		Hostname: target.Hostname,
		Port:     target.Port,
		Username: target.Username,
	}
	if creds.Port == 0 {
		creds.Port = 22
	}
	if creds.Username == "" {
		creds.Username = "root"
	}

	var hostingVM *database.VirtualMachine
	if target.HostingVMID != nil && *target.HostingVMID != "" {
		vm, err := m.repo.GetInventoryVM(ctx, *target.HostingVMID)
		if err != nil {
			log.WithError(err).WithField("vm_id", *target.HostingVMID).Debug("Hosting VM lookup failed")
		} else if vm != nil {
			hostingVM = vm
			if vm.IPAddress != "" {
				creds.Hostname = vm.IPAddress
			} else if vm.Name != "" {
				creds.Hostname = vm.Name
			}
		}
	}

	// 1. Target's own encrypted key.
	if target.SSHKeyEncrypted != "" {
		keyData, err := m.resolver.Decrypt(ctx, target.SSHKeyEncrypted)
		if err == nil && keyData != "" {
			return withSecret(creds, SSHSecretKeyData, keyData, "target_inline_key"), nil
		}
		log.WithError(err).WithField("target_id", target.ID).Warn("Target inline SSH key decryption failed")
	}

	// 2. Direct ssh_key_id reference.
	if target.SSHKeyID != nil && *target.SSHKeyID != "" {
		if keyData := m.keyData(ctx, *target.SSHKeyID, true); keyData != "" {
			return withSecret(creds, SSHSecretKeyData, keyData, "target_key_id"), nil
		}
	}

	// 3. Hosting VM -> fuzzy-matched template.
	if hostingVM != nil {
		if tpl := m.fuzzyMatchTemplate(ctx, hostingVM); tpl != nil && tpl.SSHKeyID != nil {
			if keyData := m.keyData(ctx, *tpl.SSHKeyID, false); keyData != "" {
				return withSecret(creds, SSHSecretKeyData, keyData, "template_fuzzy"), nil
			}
		}
	}

	// 4. Source template.
	if target.SourceTemplateID != nil && *target.SourceTemplateID != "" {
		tpl, err := m.repo.GetVMTemplate(ctx, *target.SourceTemplateID)
		if err == nil && tpl != nil && tpl.SSHKeyID != nil {
			if keyData := m.keyData(ctx, *tpl.SSHKeyID, false); keyData != "" {
				return withSecret(creds, SSHSecretKeyData, keyData, "source_template"), nil
			}
		}
	}

	// 5. Any deployment row for this target, any status.
	deployments, err := m.repo.ListSSHDeployments(ctx, target.ID)
	if err == nil {
		for _, d := range deployments {
			if keyData := m.keyData(ctx, d.SSHKeyID, false); keyData != "" {
				return withSecret(creds, SSHSecretKeyData, keyData, "deployment"), nil
			}
		}
	}

	// 6. Global SSH settings: key data, key path, password, in that order.
	if settings, err := m.repo.GetGlobalSSHSettings(ctx); err == nil && settings != nil {
		if settings.Username != "" {
			creds.Username = settings.Username
		}
		if settings.Port != 0 {
			creds.Port = settings.Port
		}
		if settings.KeyDataEncrypted != "" {
			if keyData, err := m.resolver.Decrypt(ctx, settings.KeyDataEncrypted); err == nil && keyData != "" {
				return withSecret(creds, SSHSecretKeyData, keyData, "global_settings"), nil
			}
		}
		if settings.KeyPath != "" {
			return withSecret(creds, SSHSecretKeyPath, settings.KeyPath, "global_settings"), nil
		}
		if settings.PasswordEncrypted != "" {
			if password, err := m.resolver.Decrypt(ctx, settings.PasswordEncrypted); err == nil && password != "" {
				return withSecret(creds, SSHSecretPassword, password, "global_settings"), nil
			}
		}
	}

	// 7. Caller-provided fallback.
	if fallbackPassword != "" {
		return withSecret(creds, SSHSecretPassword, fallbackPassword, "fallback_password"), nil
	}

	return nil, fmt.Errorf("no SSH credentials found for target %s (%s)", target.Name, creds.Hostname)
}

// keyData loads and decrypts one stored key. When strictStatus is set only
// active/pending/deployed keys qualify.
func (m *SSHManager) keyData(ctx context.Context, keyID string, strictStatus bool) string {
	key, err := m.repo.GetSSHKey(ctx, keyID)
	if err != nil || key == nil {
		return ""
	}
	if strictStatus && !usableKeyStatuses[strings.ToLower(key.Status)] {
		return ""
	}

	keyData, err := m.resolver.Decrypt(ctx, key.PrivateKeyEncrypted)
	if err != nil {
		log.WithError(err).WithField("ssh_key_id", keyID).Warn("SSH key decryption failed")
		return ""
	}
	return keyData
}

// fuzzyMatchTemplate finds the template most plausibly behind a hosting VM:
// exact name prefix first, then a shared site prefix on replication
// appliances, then any keyed template in the same source vCenter.
func (m *SSHManager) fuzzyMatchTemplate(ctx context.Context, vm *database.VirtualMachine) *database.VMTemplate {
	templates, err := m.repo.ListVMTemplates(ctx, vm.VCenterHostID)
	if err != nil || len(templates) == 0 {
		return nil
	}

	vmName := strings.ToLower(vm.Name)

	for i := range templates {
		tpl := &templates[i]
		if tpl.Name != "" && strings.HasPrefix(vmName, strings.ToLower(tpl.Name)) {
			return tpl
		}
		if tpl.VMName != "" && strings.HasPrefix(vmName, strings.ToLower(tpl.VMName)) {
			return tpl
		}
	}

	if site := SitePrefix(vm.Name); site != "" && IsReplicationAppliance(vm.Name) {
		for i := range templates {
			tpl := &templates[i]
			if strings.EqualFold(SitePrefix(tpl.Name), site) || strings.EqualFold(SitePrefix(tpl.VMName), site) {
				return tpl
			}
		}
	}

	for i := range templates {
		if templates[i].SSHKeyID != nil && *templates[i].SSHKeyID != "" {
			return &templates[i]
		}
	}
	return nil
}

// SitePrefix extracts the SNN- site prefix from a name, empty if absent.
func SitePrefix(name string) string {
	return sitePrefixRe.FindString(name)
}

// IsReplicationAppliance reports whether a VM name marks a replication
// appliance.
func IsReplicationAppliance(name string) bool {
	upper := strings.ToUpper(name)
	for _, marker := range applianceMarkers {
		if strings.Contains(upper, marker) {
			return true
		}
	}
	return false
}

func withSecret(creds *SSHCredentials, kind, value, source string) *SSHCredentials {
	out := *creds
	out.SecretKind = kind
	out.Source = source
	switch kind {
	case SSHSecretKeyData:
		out.KeyData = value
	case SSHSecretKeyPath:
		out.KeyPath = value
	case SSHSecretPassword:
		out.Password = value
	}
	return &out
}

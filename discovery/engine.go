// Package discovery scans IP ranges for iDRAC endpoints and runs fleet
// preflight checks ahead of maintenance work.
package discovery

import (
	"context"
	"crypto/tls"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/dsm-platform/dsm-executor/common/logging"
	"github.com/dsm-platform/dsm-executor/credentials"
	"github.com/dsm-platform/dsm-executor/database"
	"github.com/dsm-platform/dsm-executor/idrac"
)

const (
	defaultWorkers = 5
	perIPTimeout   = 30 * time.Second
	tcpProbeWait   = 3 * time.Second

	// Stagger window applied after the first burst of workers.
	staggerBurst = 10
	staggerMin   = 50 * time.Millisecond
	staggerMax   = 200 * time.Millisecond
)

// ValidationError marks bad scan input, detected before any worker starts.
type ValidationError struct {
	Detail string
}

func (e *ValidationError) Error() string {
	return "invalid discovery input: " + e.Detail
}

// ServerResult is the per-IP outcome of one scan.
type ServerResult struct {
	IP              string `json:"ip"`
	Status          string `json:"status"`
	Model           string `json:"model,omitempty"`
	ServiceTag      string `json:"service_tag,omitempty"`
	CredentialSetID string `json:"credential_set_id,omitempty"`
	Error           string `json:"error,omitempty"`
}

// Per-IP statuses.
const (
	StatusSynced      = "synced"
	StatusUnreachable = "unreachable"
	StatusNotIdrac    = "not_idrac"
	StatusAuthFailed  = "auth_failed"
	StatusTimeout     = "timeout"
	StatusError       = "error"
)

// Result aggregates one discovery run.
type Result struct {
	DiscoveredCount      int            `json:"discovered_count"`
	AuthFailures         int            `json:"auth_failures"`
	Stage3Passed         int            `json:"stage3_passed"`
	Timeouts             int            `json:"timeouts"`
	AutoRefreshTriggered bool           `json:"auto_refresh_triggered"`
	Warnings             []string       `json:"warnings,omitempty"`
	ServerResults        []ServerResult `json:"server_results"`
}

// endpointProber abstracts the three scan stages for one IP.
type endpointProber interface {
	TCPReachable(ctx context.Context, ip string) error
	IsRedfish(ctx context.Context, ip string) error
	Authenticate(ctx context.Context, ip, username, password string) (*idrac.SystemInfo, error)
}

// ProgressFunc reports scan progress: completed IPs out of total.
type ProgressFunc func(completed, total int)

// Engine runs the three-stage scan over a bounded worker pool.
type Engine struct {
	repo     *database.Repository
	resolver *credentials.Resolver
	activity *logging.ActivityLogger

	prober    endpointProber
	workers   int
	verifySSL bool

	defaultUser     string
	defaultPassword string
}

// NewEngine creates a discovery engine. Worker count comes from the
// activity-settings row at scan time; the default applies when unset.
func NewEngine(repo *database.Repository, resolver *credentials.Resolver, activity *logging.ActivityLogger, verifySSL bool, defaultUser, defaultPassword string) *Engine {
	e := &Engine{
		repo:            repo,
		resolver:        resolver,
		activity:        activity,
		workers:         defaultWorkers,
		verifySSL:       verifySSL,
		defaultUser:     defaultUser,
		defaultPassword: defaultPassword,
	}
	e.prober = &redfishProber{verifySSL: verifySSL, activity: activity}
	return e
}

// Discover scans the expanded IP list against the credential sets, upserting
// a server row for every authenticated iDRAC.
func (e *Engine) Discover(ctx context.Context, ipSpecs []string, credentialSetIDs []string, progress ProgressFunc) (*Result, error) {
	ips, err := ExpandIPs(ipSpecs)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, &ValidationError{Detail: "no IPs to scan"}
	}

	sets, err := e.repo.ListCredentialSetsByIDs(ctx, credentialSetIDs)
	if err != nil {
		return nil, err
	}
	if len(sets) == 0 && (e.defaultUser == "" || e.defaultPassword == "") {
		return nil, &ValidationError{Detail: "no credential sets selected and no default credentials configured"}
	}

	creds, err := e.materializeCredentials(ctx, sets)
	if err != nil {
		return nil, err
	}

	workers := e.workers
	if settings, err := e.repo.GetActivitySettings(ctx); err == nil && settings != nil && settings.DiscoveryMaxThreads > 0 {
		workers = settings.DiscoveryMaxThreads
	}

	log.WithFields(log.Fields{
		"ips":     len(ips),
		"sets":    len(sets),
		"workers": workers,
	}).Info("🔍 Starting discovery scan")

	var (
		mu        sync.Mutex
		result    = &Result{}
		completed int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for i, ip := range ips {
		i, ip := i, ip
		g.Go(func() error {
			if i >= staggerBurst {
				jitter := staggerMin + time.Duration(rand.Int63n(int64(staggerMax-staggerMin)))
				select {
				case <-time.After(jitter):
				case <-gctx.Done():
					return gctx.Err()
				}
			}

			sr := e.scanOne(gctx, ip, creds)

			mu.Lock()
			defer mu.Unlock()
			result.ServerResults = append(result.ServerResults, sr)
			completed++
			switch sr.Status {
			case StatusSynced:
				result.DiscoveredCount++
				result.Stage3Passed++
			case StatusAuthFailed:
				result.AuthFailures++
			case StatusTimeout:
				result.Timeouts++
			}

			// Progress on every fifth completion and on every stage-3 verdict.
			if progress != nil &&
				(completed%5 == 0 || completed == len(ips) ||
					sr.Status == StatusSynced || sr.Status == StatusAuthFailed) {
				progress(completed, len(ips))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if result.Timeouts*10 > len(ips)*3 {
		warning := fmt.Sprintf("%d of %d scan targets timed out; the network path may be saturated", result.Timeouts, len(ips))
		log.Warn(warning)
		result.Warnings = append(result.Warnings, warning)
	}

	log.WithFields(log.Fields{
		"discovered":    result.DiscoveredCount,
		"auth_failures": result.AuthFailures,
		"timeouts":      result.Timeouts,
	}).Info("✅ Discovery scan complete")
	return result, nil
}

// scanCredential is one materialized username/password to try.
type scanCredential struct {
	setID    string
	username string
	password string
}

func (e *Engine) materializeCredentials(ctx context.Context, sets []database.CredentialSet) ([]scanCredential, error) {
	var creds []scanCredential
	for _, set := range sets {
		password, err := e.resolver.Decrypt(ctx, set.PasswordEncrypted)
		if err != nil {
			return nil, fmt.Errorf("credential set %s failed to decrypt: %w", set.Name, err)
		}
		creds = append(creds, scanCredential{setID: set.ID, username: set.Username, password: password})
	}
	if len(creds) == 0 && e.defaultUser != "" && e.defaultPassword != "" {
		creds = append(creds, scanCredential{username: e.defaultUser, password: e.defaultPassword})
	}
	return creds, nil
}

// scanOne walks one IP through the three stages under the per-IP timeout.
func (e *Engine) scanOne(ctx context.Context, ip string, creds []scanCredential) ServerResult {
	ipCtx, cancel := context.WithTimeout(ctx, perIPTimeout)
	defer cancel()

	sr := ServerResult{IP: ip}

	if err := e.prober.TCPReachable(ipCtx, ip); err != nil {
		sr.Status = StatusUnreachable
		if ipCtx.Err() == context.DeadlineExceeded {
			sr.Status = StatusTimeout
		}
		sr.Error = err.Error()
		return sr
	}

	if err := e.prober.IsRedfish(ipCtx, ip); err != nil {
		sr.Status = StatusNotIdrac
		if ipCtx.Err() == context.DeadlineExceeded {
			sr.Status = StatusTimeout
		}
		sr.Error = err.Error()
		return sr
	}

	for _, cred := range creds {
		info, err := e.prober.Authenticate(ipCtx, ip, cred.username, cred.password)
		if err == nil {
			sr.Status = StatusSynced
			sr.Model = info.Model
			sr.ServiceTag = info.ServiceTag
			sr.CredentialSetID = cred.setID
			if upsertErr := e.upsertDiscovered(ctx, ip, info, cred.setID); upsertErr != nil {
				log.WithError(upsertErr).WithField("ip", ip).Warn("Discovered server row write failed")
			}
			return sr
		}
		if idrac.IsAuthError(err) {
			sr.Error = err.Error()
			continue
		}
		sr.Status = StatusError
		if ipCtx.Err() == context.DeadlineExceeded {
			sr.Status = StatusTimeout
		}
		sr.Error = err.Error()
		return sr
	}

	sr.Status = StatusAuthFailed
	return sr
}

func (e *Engine) upsertDiscovered(ctx context.Context, ip string, info *idrac.SystemInfo, setID string) error {
	server := &database.Server{
		ID:         uuid.New().String(),
		IPAddress:  ip,
		Hostname:   info.Hostname,
		Model:      info.Model,
		ServiceTag: info.ServiceTag,
		PowerState: info.PowerState,
	}
	if setID != "" {
		server.DiscoveredByCredentialSetID = &setID
	}
	return e.repo.UpsertServer(ctx, server)
}

// redfishProber is the production prober.
type redfishProber struct {
	verifySSL bool
	activity  *logging.ActivityLogger
}

func (p *redfishProber) TCPReachable(ctx context.Context, ip string) error {
	d := net.Dialer{Timeout: tcpProbeWait}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(ip, "443"))
	if err != nil {
		return fmt.Errorf("tcp 443 closed: %w", err)
	}
	conn.Close()
	return nil
}

// IsRedfish probes the unauthenticated service root.
func (p *redfishProber) IsRedfish(ctx context.Context, ip string) error {
	client := &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: !p.verifySSL},
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://"+ip+"/redfish/v1", nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("redfish probe failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("redfish service root returned HTTP %d", resp.StatusCode)
	}

	buf := make([]byte, 2048)
	n, _ := resp.Body.Read(buf)
	if !strings.Contains(string(buf[:n]), "Redfish") {
		return fmt.Errorf("endpoint answers on 443 but is not a Redfish service")
	}
	return nil
}

func (p *redfishProber) Authenticate(ctx context.Context, ip, username, password string) (*idrac.SystemInfo, error) {
	client := idrac.NewClient(ip, username, password, p.verifySSL, p.activity)
	return client.GetSystemInfo(ctx)
}

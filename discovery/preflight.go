package discovery

import (
	"context"
	"fmt"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/dsm-platform/dsm-executor/common/logging"
	"github.com/dsm-platform/dsm-executor/credentials"
	"github.com/dsm-platform/dsm-executor/database"
	"github.com/dsm-platform/dsm-executor/idrac"
)

// Preflight never hammers the whole fleet at once.
const preflightMaxInFlight = 4

// Blocker is one reason a server is not ready for maintenance work.
type Blocker struct {
	Type     string `json:"type"`
	ServerID string `json:"server_id"`
	Message  string `json:"message"`
}

// Blocker types.
const (
	BlockerUnreachable = "unreachable"
	BlockerAuthFailed  = "auth_failed"
	BlockerNoCreds     = "no_credentials"
	BlockerLCNotReady  = "lc_not_ready"
	BlockerPendingJobs = "pending_jobs"
	BlockerUnhealthy   = "unhealthy"
)

// ServerCheck is the preflight verdict for one server.
type ServerCheck struct {
	ServerID   string    `json:"server_id"`
	IP         string    `json:"ip"`
	Hostname   string    `json:"hostname,omitempty"`
	Ready      bool      `json:"ready"`
	PowerState string    `json:"power_state,omitempty"`
	Health     string    `json:"health,omitempty"`
	Blockers   []Blocker `json:"blockers,omitempty"`
}

// PreflightReport aggregates a full preflight run.
type PreflightReport struct {
	OverallReady bool          `json:"overall_ready"`
	CheckedCount int           `json:"checked_count"`
	Servers      []ServerCheck `json:"servers"`
	Blockers     []Blocker     `json:"blockers,omitempty"`
}

// EmitFunc streams preflight events as they happen. Event names are
// "progress", "server_result", "done" and "error".
type EmitFunc func(event string, payload interface{})

// redfishOps is the slice of the iDRAC client preflight needs.
type redfishOps interface {
	GetSystemInfo(ctx context.Context) (*idrac.SystemInfo, error)
	GetLifecycleControllerStatus(ctx context.Context) (*idrac.LCStatus, error)
	PendingJobs(ctx context.Context) ([]idrac.RedfishJob, error)
}

type clientFactory func(ip, username, password string) redfishOps

// PreflightChecker verifies servers are safe to take into maintenance.
type PreflightChecker struct {
	repo     *database.Repository
	resolver *credentials.Resolver
	activity *logging.ActivityLogger

	verifySSL bool
	newClient clientFactory
}

// NewPreflightChecker builds a checker over the repository and resolver.
func NewPreflightChecker(repo *database.Repository, resolver *credentials.Resolver, activity *logging.ActivityLogger, verifySSL bool) *PreflightChecker {
	c := &PreflightChecker{
		repo:      repo,
		resolver:  resolver,
		activity:  activity,
		verifySSL: verifySSL,
	}
	c.newClient = func(ip, username, password string) redfishOps {
		return idrac.NewClient(ip, username, password, verifySSL, activity)
	}
	return c
}

// CheckServers runs preflight over the given servers, at most four in flight.
// Each finished server is streamed through emit before the aggregate report
// returns. A nil emit runs in batch mode.
func (c *PreflightChecker) CheckServers(ctx context.Context, serverIDs []string, emit EmitFunc) (*PreflightReport, error) {
	if len(serverIDs) == 0 {
		return nil, &ValidationError{Detail: "no servers selected for preflight"}
	}
	if emit == nil {
		emit = func(string, interface{}) {}
	}

	servers, err := c.repo.ListServers(ctx, serverIDs)
	if err != nil {
		emit("error", map[string]string{"error": err.Error()})
		return nil, err
	}
	byID := make(map[string]*database.Server, len(servers))
	for i := range servers {
		byID[servers[i].ID] = &servers[i]
	}

	report := &PreflightReport{OverallReady: true}
	var (
		mu   sync.Mutex
		done int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(preflightMaxInFlight)

	for _, id := range serverIDs {
		id := id
		g.Go(func() error {
			var check ServerCheck
			if server, ok := byID[id]; ok {
				check = c.checkOne(gctx, server)
			} else {
				check = ServerCheck{
					ServerID: id,
					Blockers: []Blocker{{
						Type:     BlockerUnreachable,
						ServerID: id,
						Message:  "server not found in inventory",
					}},
				}
			}

			mu.Lock()
			defer mu.Unlock()
			report.Servers = append(report.Servers, check)
			report.Blockers = append(report.Blockers, check.Blockers...)
			report.CheckedCount++
			if !check.Ready {
				report.OverallReady = false
			}
			done++

			emit("server_result", check)
			emit("progress", map[string]int{"completed": done, "total": len(serverIDs)})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		emit("error", map[string]string{"error": err.Error()})
		return nil, err
	}

	log.WithFields(log.Fields{
		"servers":  report.CheckedCount,
		"ready":    report.OverallReady,
		"blockers": len(report.Blockers),
	}).Info("✅ Preflight complete")

	emit("done", report)
	return report, nil
}

// checkOne verifies connectivity, credentials, LC readiness, job queue, power
// and health for one server. A successful GetSystemInfo proves the first two.
func (c *PreflightChecker) checkOne(ctx context.Context, server *database.Server) ServerCheck {
	check := ServerCheck{ServerID: server.ID, IP: server.IPAddress, Hostname: server.Hostname}
	block := func(blockerType, message string) {
		check.Blockers = append(check.Blockers, Blocker{
			Type:     blockerType,
			ServerID: server.ID,
			Message:  message,
		})
	}

	resolution := c.resolver.ResolveForServer(ctx, server)
	if !resolution.HasCredentials() {
		block(BlockerNoCreds, "no iDRAC credentials resolve for this server")
		return check
	}

	client := c.newClient(server.IPAddress, resolution.Username, resolution.Password)

	info, err := client.GetSystemInfo(ctx)
	if err != nil {
		if idrac.IsAuthError(err) {
			block(BlockerAuthFailed, "iDRAC rejected the resolved credentials")
		} else {
			block(BlockerUnreachable, "iDRAC unreachable: "+err.Error())
		}
		return check
	}
	check.PowerState = info.PowerState
	check.Health = info.Health

	if lc, err := client.GetLifecycleControllerStatus(ctx); err != nil {
		block(BlockerLCNotReady, "Lifecycle Controller status unreadable: "+err.Error())
	} else if !lc.Ready {
		block(BlockerLCNotReady, fmt.Sprintf("Lifecycle Controller is %s, not Ready", lc.LCStatus))
	}

	if jobs, err := client.PendingJobs(ctx); err != nil {
		block(BlockerPendingJobs, "iDRAC job queue unreadable: "+err.Error())
	} else if len(jobs) > 0 {
		var ids []string
		for _, j := range jobs {
			ids = append(ids, j.ID)
		}
		block(BlockerPendingJobs,
			fmt.Sprintf("%d pending iDRAC jobs must drain first: %s", len(jobs), strings.Join(ids, ", ")))
	}

	if info.Health != "" && !strings.EqualFold(info.Health, "OK") {
		block(BlockerUnhealthy, "system health is "+info.Health)
	}

	check.Ready = len(check.Blockers) == 0
	return check
}

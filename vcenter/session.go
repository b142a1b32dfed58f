// Package vcenter manages vSphere sessions, inventory collection, host
// evacuation and cluster HA controls for the executor.
package vcenter

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/vmware/govmomi"
	"github.com/vmware/govmomi/vim25/soap"
	"github.com/vmware/govmomi/vim25/types"

	"github.com/dsm-platform/dsm-executor/common/logging"
	"github.com/dsm-platform/dsm-executor/credentials"
	"github.com/dsm-platform/dsm-executor/database"
)

// Session is one live vCenter connection.
type Session struct {
	Client *govmomi.Client
	Host   string
}

// SessionManager keeps at most one live session per vCenter row. Sessions are
// re-validated before reuse; long-gap callers run EnsureSession first so a
// server-side expiry never surfaces mid-operation.
type SessionManager struct {
	repo     *database.Repository
	resolver *credentials.Resolver
	activity *logging.ActivityLogger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewSessionManager creates a session manager.
func NewSessionManager(repo *database.Repository, resolver *credentials.Resolver, activity *logging.ActivityLogger) *SessionManager {
	return &SessionManager{
		repo:     repo,
		resolver: resolver,
		activity: activity,
		sessions: map[string]*Session{},
	}
}

// Connect returns a live session for the vCenter row, reusing the cached one
// when its server-side session is still current.
func (m *SessionManager) Connect(ctx context.Context, vcenterID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectLocked(ctx, vcenterID)
}

func (m *SessionManager) connectLocked(ctx context.Context, vcenterID string) (*Session, error) {
	if s, ok := m.sessions[vcenterID]; ok {
		if m.sessionAlive(ctx, s) {
			return s, nil
		}
		log.WithField("vcenter", s.Host).Info("vCenter session expired, reconnecting")
		s.Client.Logout(ctx)
		delete(m.sessions, vcenterID)
	}

	vc, err := m.repo.GetVCenter(ctx, vcenterID)
	if err != nil {
		return nil, fmt.Errorf("failed to load vCenter %s: %w", vcenterID, err)
	}
	if vc == nil {
		return nil, fmt.Errorf("unknown vCenter %s", vcenterID)
	}

	if vc.PasswordEncrypted == "" {
		return nil, fmt.Errorf("vCenter %s has no stored password", vc.Host)
	}
	password, err := m.resolver.Decrypt(ctx, vc.PasswordEncrypted)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt vCenter %s password: %w", vc.Host, err)
	}

	session, err := m.login(ctx, vc.Host, vc.Username, password)
	if err != nil {
		m.logConnect(ctx, vc.Host, time.Duration(0), false, err.Error())
		return nil, err
	}

	m.sessions[vcenterID] = session
	return session, nil
}

func (m *SessionManager) login(ctx context.Context, host, username, password string) (*Session, error) {
	u, err := soap.ParseURL(host)
	if err != nil {
		return nil, fmt.Errorf("failed to parse vCenter URL %s: %w", host, err)
	}
	u.User = url.UserPassword(username, password)

	start := time.Now()
	client, err := govmomi.NewClient(ctx, u, true)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to vCenter %s: %w", host, err)
	}

	m.logConnect(ctx, host, time.Since(start), true, "")
	log.WithField("vcenter", host).Info("✅ Connected to vCenter")

	return &Session{Client: client, Host: host}, nil
}

// sessionAlive checks the server-side session rather than local state; a
// cached client whose session the server dropped is worse than no client.
func (m *SessionManager) sessionAlive(ctx context.Context, s *Session) bool {
	userSession, err := s.Client.SessionManager.UserSession(ctx)
	return err == nil && userSession != nil
}

// EnsureSession re-validates the session before long-gap operations such as
// post-reboot polls, pre-empting NotAuthenticated faults.
func (m *SessionManager) EnsureSession(ctx context.Context, vcenterID string) (*Session, error) {
	return m.Connect(ctx, vcenterID)
}

// Invalidate drops the cached session for a vCenter.
func (m *SessionManager) Invalidate(ctx context.Context, vcenterID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[vcenterID]; ok {
		s.Client.Logout(ctx)
		delete(m.sessions, vcenterID)
	}
}

// Close logs out every cached session.
func (m *SessionManager) Close(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.sessions {
		s.Client.Logout(ctx)
		delete(m.sessions, id)
	}
}

// WithSessionRetry runs fn with a live session, retrying up to two times when
// the fault is NotAuthenticated. Each retry forces a fresh login.
func (m *SessionManager) WithSessionRetry(ctx context.Context, vcenterID string, fn func(*Session) error) error {
	const maxRetries = 2

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		session, err := m.Connect(ctx, vcenterID)
		if err != nil {
			return err
		}

		err = fn(session)
		if err == nil {
			return nil
		}
		if !IsNotAuthenticated(err) {
			return err
		}

		log.WithFields(log.Fields{
			"vcenter": session.Host,
			"attempt": attempt + 1,
		}).Warn("vCenter session rejected mid-operation, re-establishing")
		m.Invalidate(ctx, vcenterID)
		lastErr = err
	}
	return fmt.Errorf("vCenter session could not be re-established: %w", lastErr)
}

// IsNotAuthenticated reports whether an error is a vCenter NotAuthenticated
// fault, by fault type or by message.
func IsNotAuthenticated(err error) bool {
	if err == nil {
		return false
	}
	if soap.IsSoapFault(err) {
		if _, ok := soap.ToSoapFault(err).VimFault().(types.NotAuthenticated); ok {
			return true
		}
	}
	return strings.Contains(err.Error(), "NotAuthenticated")
}

func (m *SessionManager) logConnect(ctx context.Context, host string, elapsed time.Duration, success bool, errMsg string) {
	if m.activity == nil {
		return
	}
	m.activity.Log(ctx, logging.Entry{
		Endpoint:      host + "/sdk",
		Method:        "CONNECT",
		Elapsed:       elapsed,
		OperationType: database.OperationTypeVCenterAPI,
		Success:       success,
		ErrorMessage:  errMsg,
	})
}

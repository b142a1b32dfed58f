package replication

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/dsm-platform/dsm-executor/credentials"
)

// CommandRunner executes one shell command with a timeout, on the ZFS source
// host. Remote execution is used when the executor does not run on the ZFS
// host itself.
type CommandRunner interface {
	Run(ctx context.Context, command string, timeout time.Duration) (stdout string, stderr string, err error)
}

// LocalRunner executes commands on the executor host.
type LocalRunner struct{}

// Run executes one command through the shell.
func (LocalRunner) Run(ctx context.Context, command string, timeout time.Duration) (string, string, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		return stdout.String(), stderr.String(), fmt.Errorf("command timed out after %s", timeout)
	}
	return stdout.String(), stderr.String(), err
}

// SSHRunner executes commands on a remote ZFS host. A fresh session is opened
// per command; ZFS operations are long and infrequent enough that connection
// pooling buys nothing.
type SSHRunner struct {
	creds *credentials.SSHCredentials
}

// NewSSHRunner creates a runner from resolved SSH credentials.
func NewSSHRunner(creds *credentials.SSHCredentials) *SSHRunner {
	return &SSHRunner{creds: creds}
}

// Key file names tried under a key-path directory, preferred type first.
var keyFileOrder = []string{"id_ed25519", "id_rsa", "id_ecdsa"}

func (r *SSHRunner) authMethods() ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if r.creds.KeyData != "" {
		signer, err := ssh.ParsePrivateKey([]byte(r.creds.KeyData))
		if err != nil {
			return nil, fmt.Errorf("failed to parse SSH private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if r.creds.KeyPath != "" {
		if signer := loadKeyFromPath(r.creds.KeyPath); signer != nil {
			methods = append(methods, ssh.PublicKeys(signer))
		}
	}

	if r.creds.Password != "" {
		methods = append(methods, ssh.Password(r.creds.Password))
	}

	if len(methods) == 0 {
		return nil, fmt.Errorf("no usable SSH auth method for %s", r.creds.Hostname)
	}
	return methods, nil
}

// loadKeyFromPath reads a key file, or when the path is a directory tries the
// conventional file names in preference order.
func loadKeyFromPath(path string) ssh.Signer {
	candidates := []string{path}
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		candidates = candidates[:0]
		for _, name := range keyFileOrder {
			candidates = append(candidates, filepath.Join(path, name))
		}
	}

	for _, candidate := range candidates {
		data, err := os.ReadFile(candidate)
		if err != nil {
			continue
		}
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			log.WithError(err).WithField("key_file", candidate).Debug("Skipping unparseable SSH key")
			continue
		}
		return signer
	}
	return nil
}

// Run executes one command on the remote host.
func (r *SSHRunner) Run(ctx context.Context, command string, timeout time.Duration) (string, string, error) {
	methods, err := r.authMethods()
	if err != nil {
		return "", "", err
	}

	config := &ssh.ClientConfig{
		User:            r.creds.Username,
		Auth:            methods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         30 * time.Second,
	}

	addr := net.JoinHostPort(r.creds.Hostname, strconv.Itoa(r.creds.Port))
	client, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return "", "", fmt.Errorf("SSH connection to %s failed: %w", addr, err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", "", fmt.Errorf("SSH session to %s failed: %w", addr, err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case err := <-done:
		return stdout.String(), stderr.String(), err
	case <-runCtx.Done():
		session.Signal(ssh.SIGKILL)
		if runCtx.Err() == context.DeadlineExceeded {
			return stdout.String(), stderr.String(), fmt.Errorf("remote command timed out after %s", timeout)
		}
		return stdout.String(), stderr.String(), runCtx.Err()
	}
}

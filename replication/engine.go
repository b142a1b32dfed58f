package replication

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// Dynamic pipeline timeouts by expected transfer size.
const (
	smallTransferTimeout  = 120 * time.Second
	mediumTransferTimeout = 600 * time.Second
	largeTransferTimeout  = 3600 * time.Second

	oneMB = int64(1024 * 1024)
	oneGB = int64(1024 * 1024 * 1024)

	queryTimeout = 60 * time.Second
)

// Engine runs ZFS snapshot replication. All primitives execute on the source
// host through the runner; target-side queries tunnel over ssh from there, so
// the pipeline and the checks see the same network path.
type Engine struct {
	runner CommandRunner
}

// NewEngine creates a replication engine over a command runner.
func NewEngine(runner CommandRunner) *Engine {
	return &Engine{runner: runner}
}

// sshPrefix wraps a command for execution on the target host.
func sshPrefix(host, command string) string {
	return fmt.Sprintf("ssh -o StrictHostKeyChecking=no -o BatchMode=yes %s %q", host, command)
}

// CreateSnapshot creates dataset@name, failing when it already exists.
func (e *Engine) CreateSnapshot(ctx context.Context, dataset, name string) error {
	exists, err := e.CheckSnapshotExists(ctx, dataset, name, "")
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("snapshot %s@%s already exists", dataset, name)
	}

	_, stderr, err := e.runner.Run(ctx, fmt.Sprintf("zfs snapshot %s@%s", dataset, name), queryTimeout)
	if err != nil {
		return fmt.Errorf("failed to create snapshot %s@%s: %s: %w", dataset, name, strings.TrimSpace(stderr), err)
	}

	log.WithFields(log.Fields{
		"dataset":  dataset,
		"snapshot": name,
	}).Info("📸 Snapshot created")
	return nil
}

// ListSnapshots returns snapshot names for a dataset, oldest first. A
// non-empty host queries the target over ssh.
func (e *Engine) ListSnapshots(ctx context.Context, dataset, host string) ([]string, error) {
	command := fmt.Sprintf("zfs list -H -t snapshot -o name -s creation -d 1 %s", dataset)
	if host != "" {
		command = sshPrefix(host, command)
	}

	stdout, stderr, err := e.runner.Run(ctx, command, queryTimeout)
	if err != nil {
		// A dataset with no snapshots or no dataset at all both read as empty.
		if strings.Contains(stderr, "does not exist") || strings.Contains(stdout, "does not exist") {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list snapshots of %s: %s: %w", dataset, strings.TrimSpace(stderr), err)
	}

	var names []string
	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if at := strings.Index(line, "@"); at >= 0 {
			names = append(names, line[at+1:])
		}
	}
	return names, nil
}

// CheckSnapshotExists reports whether dataset@name exists, locally or on a
// target host.
func (e *Engine) CheckSnapshotExists(ctx context.Context, dataset, name, host string) (bool, error) {
	names, err := e.ListSnapshots(ctx, dataset, host)
	if err != nil {
		return false, err
	}
	for _, n := range names {
		if n == name {
			return true, nil
		}
	}
	return false, nil
}

// GetSendSize estimates the transfer size of a send via `zfs send -nP`.
// Unparseable output degrades to 0 rather than failing the run.
func (e *Engine) GetSendSize(ctx context.Context, dataset, snap, incrementalFrom string) int64 {
	command := fmt.Sprintf("zfs send -nP %s@%s", dataset, snap)
	if incrementalFrom != "" {
		command = fmt.Sprintf("zfs send -nP -i @%s %s@%s", incrementalFrom, dataset, snap)
	}

	stdout, stderr, err := e.runner.Run(ctx, command, queryTimeout)
	if err != nil {
		log.WithError(err).WithField("dataset", dataset).Debug("Send-size estimate failed")
		return 0
	}
	return ParseTransferSize(stdout + "\n" + stderr)
}

// TargetDatasetExists reports whether a dataset exists on the target host.
func (e *Engine) TargetDatasetExists(ctx context.Context, host, dataset string) (bool, error) {
	_, stderr, err := e.runner.Run(ctx, sshPrefix(host, "zfs list -H -o name "+dataset), queryTimeout)
	if err != nil {
		if strings.Contains(stderr, "does not exist") {
			return false, nil
		}
		return false, fmt.Errorf("failed to probe target dataset %s on %s: %w", dataset, host, err)
	}
	return true, nil
}

// transferTimeout picks the pipeline timeout from the expected byte count.
func transferTimeout(expectedBytes int64) time.Duration {
	switch {
	case expectedBytes < oneMB:
		return smallTransferTimeout
	case expectedBytes < oneGB:
		return mediumTransferTimeout
	default:
		return largeTransferTimeout
	}
}

// ReplicateResult summarizes one completed send.
type ReplicateResult struct {
	Incremental   bool          `json:"incremental"`
	Downgraded    bool          `json:"downgraded_to_full"`
	ExpectedBytes int64         `json:"expected_bytes"`
	Elapsed       time.Duration `json:"elapsed"`
}

// Replicate streams dataset@snap to the target. An incremental send against
// a target dataset that does not exist silently downgrades to a full send.
func (e *Engine) Replicate(ctx context.Context, sourceDataset, snap, targetHost, targetDataset, incrementalFrom string, expectedBytes int64) (*ReplicateResult, error) {
	result := &ReplicateResult{Incremental: incrementalFrom != ""}

	if incrementalFrom != "" {
		exists, err := e.TargetDatasetExists(ctx, targetHost, targetDataset)
		if err != nil {
			return nil, err
		}
		if !exists {
			log.WithFields(log.Fields{
				"target_host":    targetHost,
				"target_dataset": targetDataset,
			}).Warn("Target dataset missing, downgrading incremental to full send")
			incrementalFrom = ""
			result.Incremental = false
			result.Downgraded = true
		}
	}

	if expectedBytes == 0 {
		expectedBytes = e.GetSendSize(ctx, sourceDataset, snap, incrementalFrom)
	}
	result.ExpectedBytes = expectedBytes
	timeout := transferTimeout(expectedBytes)

	sendCmd := fmt.Sprintf("zfs send %s@%s", sourceDataset, snap)
	if incrementalFrom != "" {
		sendCmd = fmt.Sprintf("zfs send -i @%s %s@%s", incrementalFrom, sourceDataset, snap)
	}
	receiveCmd := fmt.Sprintf("zfs receive -Fu %s && zfs mount %s || true", targetDataset, targetDataset)
	pipeline := fmt.Sprintf("%s | %s", sendCmd, sshPrefix(targetHost, receiveCmd))

	log.WithFields(log.Fields{
		"source":         sourceDataset + "@" + snap,
		"target":         targetHost + ":" + targetDataset,
		"incremental":    incrementalFrom != "",
		"expected_bytes": expectedBytes,
		"timeout":        timeout,
	}).Info("🚀 Starting replication")

	start := time.Now()
	_, stderr, err := e.runner.Run(ctx, pipeline, timeout)
	result.Elapsed = time.Since(start)
	if err != nil {
		return nil, fmt.Errorf("replication of %s@%s to %s failed: %s: %w",
			sourceDataset, snap, targetHost, strings.TrimSpace(stderr), err)
	}

	log.WithFields(log.Fields{
		"source":  sourceDataset + "@" + snap,
		"elapsed": result.Elapsed,
	}).Info("✅ Replication complete")
	return result, nil
}

// VerifyOnTarget confirms the snapshot landed and that its referenced size is
// within 5% of the expected byte count. A zero expectation only checks
// existence.
func (e *Engine) VerifyOnTarget(ctx context.Context, host, dataset, snap string, expectedBytes int64) error {
	exists, err := e.CheckSnapshotExists(ctx, dataset, snap, host)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("snapshot %s@%s missing on target %s", dataset, snap, host)
	}
	if expectedBytes <= 0 {
		return nil
	}

	command := sshPrefix(host, fmt.Sprintf("zfs get -Hp -o value referenced %s@%s", dataset, snap))
	stdout, _, err := e.runner.Run(ctx, command, queryTimeout)
	if err != nil {
		return fmt.Errorf("failed to read referenced size of %s@%s on %s: %w", dataset, snap, host, err)
	}

	referenced, err := strconv.ParseInt(strings.TrimSpace(stdout), 10, 64)
	if err != nil {
		return fmt.Errorf("unreadable referenced size %q for %s@%s", strings.TrimSpace(stdout), dataset, snap)
	}

	diff := referenced - expectedBytes
	if diff < 0 {
		diff = -diff
	}
	if diff*20 > expectedBytes {
		return fmt.Errorf("target snapshot %s@%s size %d deviates more than 5%% from expected %d",
			dataset, snap, referenced, expectedBytes)
	}
	return nil
}

// FindCommonSnapshot returns the newest snapshot name present on both sides,
// or empty when none is shared. Names beginning with a YYYYMMDD-HHMMSS
// timestamp order lexicographically by age.
func (e *Engine) FindCommonSnapshot(ctx context.Context, sourceDataset, targetHost, targetDataset string) (string, error) {
	sourceSnaps, err := e.ListSnapshots(ctx, sourceDataset, "")
	if err != nil {
		return "", err
	}
	targetSnaps, err := e.ListSnapshots(ctx, targetDataset, targetHost)
	if err != nil {
		return "", err
	}

	onTarget := make(map[string]bool, len(targetSnaps))
	for _, s := range targetSnaps {
		onTarget[s] = true
	}

	var common []string
	for _, s := range sourceSnaps {
		if onTarget[s] {
			common = append(common, s)
		}
	}
	if len(common) == 0 {
		return "", nil
	}

	sort.Strings(common)
	return common[len(common)-1], nil
}

// DeleteAllSnapshots destroys every snapshot of a dataset. Used only when no
// common snapshot exists and a full send must be re-seeded.
func (e *Engine) DeleteAllSnapshots(ctx context.Context, dataset, host string) error {
	names, err := e.ListSnapshots(ctx, dataset, host)
	if err != nil {
		return err
	}

	for _, name := range names {
		command := fmt.Sprintf("zfs destroy %s@%s", dataset, name)
		if host != "" {
			command = sshPrefix(host, command)
		}
		if _, stderr, err := e.runner.Run(ctx, command, queryTimeout); err != nil {
			return fmt.Errorf("failed to destroy %s@%s: %s: %w", dataset, name, strings.TrimSpace(stderr), err)
		}
	}

	log.WithFields(log.Fields{
		"dataset": dataset,
		"host":    host,
		"count":   len(names),
	}).Info("🗑️ Deleted all snapshots for re-seed")
	return nil
}

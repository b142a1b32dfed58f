package replication

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedRunner answers commands by first matching substring rule. It also
// records every command and the timeout it ran under.
type scriptedRunner struct {
	rules    []runnerRule
	commands []string
	timeouts []time.Duration
}

type runnerRule struct {
	match  string
	stdout string
	stderr string
	err    error
}

func (r *scriptedRunner) on(match, stdout, stderr string, err error) *scriptedRunner {
	r.rules = append(r.rules, runnerRule{match: match, stdout: stdout, stderr: stderr, err: err})
	return r
}

func (r *scriptedRunner) Run(_ context.Context, command string, timeout time.Duration) (string, string, error) {
	r.commands = append(r.commands, command)
	r.timeouts = append(r.timeouts, timeout)
	for _, rule := range r.rules {
		if strings.Contains(command, rule.match) {
			return rule.stdout, rule.stderr, rule.err
		}
	}
	return "", "", nil
}

func (r *scriptedRunner) ran(match string) bool {
	for _, c := range r.commands {
		if strings.Contains(c, match) {
			return true
		}
	}
	return false
}

func snapshotListing(dataset string, names ...string) string {
	var b strings.Builder
	for _, n := range names {
		fmt.Fprintf(&b, "%s@%s\n", dataset, n)
	}
	return b.String()
}

func TestCreateSnapshotFailsIfExists(t *testing.T) {
	r := (&scriptedRunner{}).
		on("zfs list -H -t snapshot", snapshotListing("tank/vm1", "20250101-000000"), "", nil)

	e := NewEngine(r)
	err := e.CreateSnapshot(context.Background(), "tank/vm1", "20250101-000000")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
	assert.False(t, r.ran("zfs snapshot"))
}

func TestCreateSnapshotRunsWhenAbsent(t *testing.T) {
	r := (&scriptedRunner{}).
		on("zfs list -H -t snapshot", snapshotListing("tank/vm1", "20250101-000000"), "", nil)

	e := NewEngine(r)
	require.NoError(t, e.CreateSnapshot(context.Background(), "tank/vm1", "20250102-000000"))
	assert.True(t, r.ran("zfs snapshot tank/vm1@20250102-000000"))
}

func TestListSnapshotsMissingDatasetReadsEmpty(t *testing.T) {
	r := (&scriptedRunner{}).
		on("zfs list", "", "cannot open 'tank/gone': dataset does not exist", fmt.Errorf("exit status 1"))

	e := NewEngine(r)
	names, err := e.ListSnapshots(context.Background(), "tank/gone", "")
	require.NoError(t, err)
	assert.Empty(t, names)
}

// An incremental send against a missing target dataset downgrades to a full
// send instead of failing.
func TestReplicateDowngradesIncrementalWhenTargetMissing(t *testing.T) {
	r := (&scriptedRunner{}).
		on("zfs list -H -o name tank/dr/vm1", "", "cannot open 'tank/dr/vm1': dataset does not exist", fmt.Errorf("exit status 1")).
		on("zfs send -nP", "full\ttank/vm1@20250102-000000\t2048000\n", "", nil)

	e := NewEngine(r)
	result, err := e.Replicate(context.Background(),
		"tank/vm1", "20250102-000000", "dr-zfs-01", "tank/dr/vm1", "20250101-000000", 0)
	require.NoError(t, err)

	assert.True(t, result.Downgraded)
	assert.False(t, result.Incremental)
	// The pipeline must be a full send: no -i flag anywhere.
	for _, c := range r.commands {
		if strings.Contains(c, "| ssh") {
			assert.NotContains(t, c, "-i @")
			assert.Contains(t, c, "zfs send tank/vm1@20250102-000000")
			assert.Contains(t, c, "zfs receive -Fu tank/dr/vm1")
		}
	}
}

func TestReplicateIncrementalKeepsBaseWhenTargetExists(t *testing.T) {
	r := (&scriptedRunner{}).
		on("zfs list -H -o name tank/dr/vm1", "tank/dr/vm1\n", "", nil).
		on("zfs send -nP", "incremental\t20250101-000000\ttank/vm1@20250102-000000\t512000\n", "", nil)

	e := NewEngine(r)
	result, err := e.Replicate(context.Background(),
		"tank/vm1", "20250102-000000", "dr-zfs-01", "tank/dr/vm1", "20250101-000000", 0)
	require.NoError(t, err)

	assert.True(t, result.Incremental)
	assert.False(t, result.Downgraded)
	assert.True(t, r.ran("zfs send -i @20250101-000000 tank/vm1@20250102-000000"))
}

func TestTransferTimeoutTiers(t *testing.T) {
	assert.Equal(t, smallTransferTimeout, transferTimeout(0))
	assert.Equal(t, smallTransferTimeout, transferTimeout(oneMB-1))
	assert.Equal(t, mediumTransferTimeout, transferTimeout(oneMB))
	assert.Equal(t, mediumTransferTimeout, transferTimeout(oneGB-1))
	assert.Equal(t, largeTransferTimeout, transferTimeout(oneGB))
}

func TestReplicatePipelineTimeoutFollowsExpectedSize(t *testing.T) {
	r := (&scriptedRunner{}).
		on("zfs list -H -o name", "tank/dr/vm1\n", "", nil)

	e := NewEngine(r)
	_, err := e.Replicate(context.Background(),
		"tank/vm1", "s1", "dr-zfs-01", "tank/dr/vm1", "", 2*oneGB)
	require.NoError(t, err)

	// The last command is the pipeline itself.
	assert.Equal(t, largeTransferTimeout, r.timeouts[len(r.timeouts)-1])
}

func TestVerifyOnTargetWithinFivePercent(t *testing.T) {
	listing := snapshotListing("tank/dr/vm1", "s1")

	within := (&scriptedRunner{}).
		on("zfs list -H -t snapshot", listing, "", nil).
		on("referenced", "1030000\n", "", nil)
	e := NewEngine(within)
	assert.NoError(t, e.VerifyOnTarget(context.Background(), "dr-zfs-01", "tank/dr/vm1", "s1", 1000000))

	outside := (&scriptedRunner{}).
		on("zfs list -H -t snapshot", listing, "", nil).
		on("referenced", "2000000\n", "", nil)
	e = NewEngine(outside)
	err := e.VerifyOnTarget(context.Background(), "dr-zfs-01", "tank/dr/vm1", "s1", 1000000)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "deviates")
}

func TestVerifyOnTargetMissingSnapshot(t *testing.T) {
	r := (&scriptedRunner{}).
		on("zfs list -H -t snapshot", "", "", nil)

	e := NewEngine(r)
	err := e.VerifyOnTarget(context.Background(), "dr-zfs-01", "tank/dr/vm1", "s1", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing on target")
}

// The common snapshot is the newest timestamp-named snapshot present on both
// sides.
func TestFindCommonSnapshotNewestShared(t *testing.T) {
	r := &scriptedRunner{}
	// Target listing command contains the ssh prefix; match it first.
	r.on("ssh -o StrictHostKeyChecking", snapshotListing("tank/dr/vm1",
		"20250101-000000", "20250103-000000", "20250102-000000"), "", nil)
	r.on("zfs list -H -t snapshot", snapshotListing("tank/vm1",
		"20250101-000000", "20250102-000000", "20250104-000000"), "", nil)

	e := NewEngine(r)
	common, err := e.FindCommonSnapshot(context.Background(), "tank/vm1", "dr-zfs-01", "tank/dr/vm1")
	require.NoError(t, err)
	assert.Equal(t, "20250102-000000", common)
}

func TestFindCommonSnapshotNoneShared(t *testing.T) {
	r := &scriptedRunner{}
	r.on("ssh -o StrictHostKeyChecking", snapshotListing("tank/dr/vm1", "20250201-000000"), "", nil)
	r.on("zfs list -H -t snapshot", snapshotListing("tank/vm1", "20250101-000000"), "", nil)

	e := NewEngine(r)
	common, err := e.FindCommonSnapshot(context.Background(), "tank/vm1", "dr-zfs-01", "tank/dr/vm1")
	require.NoError(t, err)
	assert.Empty(t, common)
}

func TestDeleteAllSnapshots(t *testing.T) {
	r := (&scriptedRunner{}).
		on("zfs list -H -t snapshot", snapshotListing("tank/vm1", "s1", "s2"), "", nil)

	e := NewEngine(r)
	require.NoError(t, e.DeleteAllSnapshots(context.Background(), "tank/vm1", ""))
	assert.True(t, r.ran("zfs destroy tank/vm1@s1"))
	assert.True(t, r.ran("zfs destroy tank/vm1@s2"))
}

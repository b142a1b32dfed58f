package replication

import (
	"time"

	"github.com/gosimple/slug"
)

// SnapshotTimestampLayout orders snapshot names chronologically when sorted
// lexicographically.
const SnapshotTimestampLayout = "20060102-150405"

// NewSnapshotName returns a timestamp snapshot name for the current moment.
func NewSnapshotName(now time.Time) string {
	return now.UTC().Format(SnapshotTimestampLayout)
}

// DatasetNameFor derives the dataset path for a protected VM. VM names carry
// spaces and punctuation ZFS dataset names cannot.
func DatasetNameFor(pool, vmName string) string {
	return pool + "/" + slug.Make(vmName)
}

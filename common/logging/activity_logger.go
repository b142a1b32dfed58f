// Package logging provides the shared command-history logger. Every
// observable external call (iDRAC, vCenter, IDM) records one row through it.
package logging

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dsm-platform/dsm-executor/database"
)

// ActivityLogger writes operation rows to the shared command-history table.
// Logging failures never propagate to the caller: a lost audit row must not
// fail the operation it describes.
type ActivityLogger struct {
	client *database.Client
}

// Entry is one observable external call. Request and response bodies must not
// contain raw credentials; senders pass placeholders.
type Entry struct {
	Endpoint      string
	Method        string
	RequestBody   string
	ResponseBody  string
	StatusCode    int
	Elapsed       time.Duration
	OperationType string
	Success       bool
	ErrorMessage  string
	JobID         string
	TaskID        string
	ServerID      string
}

// NewActivityLogger creates an activity logger over the persistence gateway.
func NewActivityLogger(client *database.Client) *ActivityLogger {
	return &ActivityLogger{client: client}
}

// Log records one command-history row. Errors are swallowed after a DEBUG
// trace.
func (a *ActivityLogger) Log(ctx context.Context, entry Entry) {
	if a == nil || a.client == nil {
		return
	}

	row := database.IdracCommandLog{
		Endpoint:      entry.Endpoint,
		Method:        entry.Method,
		RequestBody:   truncateBody(entry.RequestBody),
		ResponseBody:  truncateBody(entry.ResponseBody),
		StatusCode:    entry.StatusCode,
		ElapsedMs:     entry.Elapsed.Milliseconds(),
		OperationType: entry.OperationType,
		Success:       entry.Success,
		ErrorMessage:  entry.ErrorMessage,
	}
	if entry.JobID != "" {
		row.JobID = &entry.JobID
	}
	if entry.TaskID != "" {
		row.TaskID = &entry.TaskID
	}
	if entry.ServerID != "" {
		row.ServerID = &entry.ServerID
	}

	if _, err := a.client.Insert(ctx, "idrac_command_log", row, false); err != nil {
		log.WithError(err).WithFields(log.Fields{
			"endpoint":       entry.Endpoint,
			"operation_type": entry.OperationType,
		}).Debug("Failed to write command-history row")
	}
}

// Bodies beyond this size are truncated before storage; the table is an audit
// trail, not a payload archive.
const maxStoredBodyBytes = 8192

func truncateBody(body string) string {
	if len(body) <= maxStoredBodyBytes {
		return body
	}
	return body[:maxStoredBodyBytes] + "...[truncated]"
}

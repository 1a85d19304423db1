package statussync

import (
	"time"

	"peer-wan-console/pkg/model"
)

// View is a point-in-time copy of a session's display state.
type View struct {
	SessionID    string                  `json:"sessionId"`
	NodeID       string                  `json:"nodeId"`
	Latest       *model.InstallLogEntry  `json:"latest,omitempty"`
	LatestColor  string                  `json:"latestColor,omitempty"`
	InstallLogs  []model.InstallLogEntry `json:"installLogs"` // newest first
	Tasks        []model.Task            `json:"tasks"`
	Diagnostics  *model.DiagnosticResult `json:"diagnostics,omitempty"`
	LogLines     []string                `json:"logLines"` // newest first
	LogsUpdated  time.Time               `json:"logsUpdated,omitempty"`
	TasksUpdated time.Time               `json:"tasksUpdated,omitempty"`
}

// newestFirst reverses the server's oldest-to-newest install log order.
func newestFirst(entries []model.InstallLogEntry) []model.InstallLogEntry {
	out := make([]model.InstallLogEntry, len(entries))
	for i, e := range entries {
		out[len(entries)-1-i] = e
	}
	return out
}

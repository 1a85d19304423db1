package model

import "time"

// InstallLogEntry captures install/apply status reported by an agent for policy/default-route changes.
type InstallLogEntry struct {
	NodeID    string    `json:"nodeId,omitempty"`
	Version   string    `json:"version,omitempty"`
	Status    string    `json:"status"` // applying/success/failed/checking
	Message   string    `json:"message,omitempty"`
	Logs      []string  `json:"logs,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// StatusColor maps an install or step status to the console tag color.
func StatusColor(status string) string {
	switch status {
	case "success", "ok":
		return "green"
	case "failed", "fail":
		return "red"
	case "applying", "running":
		return "blue"
	case "checking", "warn":
		return "orange"
	default:
		return "default"
	}
}

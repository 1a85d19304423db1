package model

import "time"

// TaskStep captures a single step status for a node.
type TaskStep struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"` // pending/running/success/fail
	Message   string    `json:"message,omitempty"`
	NodeID    string    `json:"nodeId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Task represents a multi-step action (policy apply/diagnose) across nodes.
type Task struct {
	ID        string     `json:"id"`
	NodeID    string     `json:"nodeId,omitempty"`
	Type      string     `json:"type"` // policy_apply / policy_diag
	Status    string     `json:"status,omitempty"`
	Steps     []TaskStep `json:"steps"`
	CreatedAt time.Time  `json:"createdAt"`
}

// ShortID returns the first 8 characters of the task id for timeline display.
func (t Task) ShortID() string {
	if len(t.ID) > 8 {
		return t.ID[:8]
	}
	return t.ID
}

package model

import "time"

// DiagnosticCheck describes a single check result.
type DiagnosticCheck struct {
	Name   string `json:"name"`
	Status string `json:"status"` // ok/warn/fail/info
	Detail string `json:"detail,omitempty"`
}

// DiagnosticResult captures a diagnostic snapshot for policy/install state.
type DiagnosticResult struct {
	NodeID    string            `json:"nodeId,omitempty"`
	Summary   string            `json:"summary"`
	Checks    []DiagnosticCheck `json:"checks"`
	Timestamp time.Time         `json:"timestamp"`
}

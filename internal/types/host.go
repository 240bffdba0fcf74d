package types

import "time"

// ProcessInfo is one entry of the host process list
type ProcessInfo struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	Title       string `json:"title"`
	MemoryBytes int64  `json:"memoryBytes"`
}

// Audit actions
const (
	AuditSetupCode    = "setup_code"
	AuditRegister     = "register"
	AuditLogin        = "login"
	AuditResume       = "resume"
	AuditLogout       = "logout"
	AuditCaptureFail  = "capture_failure"
	AuditPowerAction  = "power_action"
	AuditProcessStart = "process_start"
	AuditProcessKill  = "process_kill"
)

// AuditEvent records a security-relevant action
type AuditEvent struct {
	Action    string    `json:"action"`
	SessionID string    `json:"session_id"`
	Username  string    `json:"username,omitempty"`
	OK        bool      `json:"ok"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

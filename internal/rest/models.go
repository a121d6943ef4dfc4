package rest

import (
	"time"
)

// LoginRequest represents an authentication request.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse represents an authentication response.
type LoginResponse struct {
	Token     string    `json:"token"`
	SessionID string    `json:"sessionId"`
	ExpiresAt time.Time `json:"expiresAt"`
	Admin     bool      `json:"admin"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
	Pos     *int   `json:"pos,omitempty"`
}

// HealthResponse represents a health check response.
type HealthResponse struct {
	Status      string    `json:"status"`
	Version     string    `json:"version"`
	Uptime      string    `json:"uptime"`
	UptimeSecs  int64     `json:"uptimeSecs"`
	StartTime   time.Time `json:"startTime"`
	Seq         uint64    `json:"seq"`
	Clean       bool      `json:"clean"`
	Sessions    int       `json:"sessions"`
	Connections int       `json:"connections"`
	Requests    int64     `json:"requests"`
}

// TypeInfo describes an object type.
type TypeInfo struct {
	ID          uint16      `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Container   string      `json:"container,omitempty"`
	Objects     int         `json:"objects"`
	Fields      []FieldInfo `json:"fields"`
}

// FieldInfo describes a field of an object type.
type FieldInfo struct {
	ID        uint16 `json:"id"`
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	Vector    bool   `json:"vector,omitempty"`
	Required  bool   `json:"required,omitempty"`
	Namespace string `json:"namespace,omitempty"`
	Target    string `json:"target,omitempty"`
	Embedded  bool   `json:"embedded,omitempty"`
}

// Object represents a directory object in JSON format. Only the fields
// the caller may view are present.
type Object struct {
	Handle   string              `json:"handle"`
	Type     string              `json:"type"`
	Seq      uint64              `json:"seq"`
	Modified time.Time           `json:"modified"`
	Fields   map[string][]string `json:"fields"`
}

// QueryResponse represents the result of a query.
type QueryResponse struct {
	Type    string       `json:"type"`
	Seq     uint64       `json:"seq"`
	Fields  []string     `json:"fields,omitempty"`
	Handles []string     `json:"handles"`
	Rows    [][][]string `json:"rows,omitempty"`
	Total   int          `json:"total"`
}

// TaskInfo represents the state of a scheduled task.
type TaskInfo struct {
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	Policy       string    `json:"policy"`
	NextRun      time.Time `json:"nextRun,omitempty"`
	Running      bool      `json:"running"`
	RerunPending bool      `json:"rerunPending,omitempty"`
	Abandoned    bool      `json:"abandoned,omitempty"`
	Runs         uint64    `json:"runs"`
	Failures     uint64    `json:"failures"`
	LastRun      time.Time `json:"lastRun,omitempty"`
	LastError    string    `json:"lastError,omitempty"`
}

// DemandRequest represents a task demand.
type DemandRequest struct {
	Options []string `json:"options"`
}

// DumpResponse describes a written dump.
type DumpResponse struct {
	Path        string `json:"path"`
	Watermark   uint64 `json:"watermark"`
	Objects     int    `json:"objects"`
	Bytes       int64  `json:"bytes"`
	ArchivePath string `json:"archivePath,omitempty"`
	Duration    string `json:"duration"`
}

// VerifyResponse is an integrity report.
type VerifyResponse struct {
	OK         bool            `json:"ok"`
	Seq        uint64          `json:"seq"`
	Objects    int             `json:"objects"`
	Duplicates []DuplicateInfo `json:"duplicates,omitempty"`
	Dangling   []DanglingInfo  `json:"dangling,omitempty"`
	Missing    []MissingInfo   `json:"missing,omitempty"`
	Orphans    []string        `json:"orphans,omitempty"`
}

// DuplicateInfo is a namespace value bound by more than one object.
type DuplicateInfo struct {
	Namespace string   `json:"namespace"`
	Value     string   `json:"value"`
	Holders   []string `json:"holders"`
}

// DanglingInfo is a reference to a missing object.
type DanglingInfo struct {
	From  string `json:"from"`
	Field string `json:"field"`
	To    string `json:"to"`
}

// MissingInfo is a required field without a value.
type MissingInfo struct {
	Object string `json:"object"`
	Field  string `json:"field"`
}

// SessionInfo represents a live session.
type SessionInfo struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Created  time.Time `json:"created"`
	LastSeen time.Time `json:"lastSeen"`
	TxID     uint64    `json:"txId,omitempty"`
}

// ACLStatus represents the state of the access control rules.
type ACLStatus struct {
	FilePath      string    `json:"filePath,omitempty"`
	RuleCount     int       `json:"ruleCount"`
	DefaultPolicy string    `json:"defaultPolicy"`
	ReloadCount   uint64    `json:"reloadCount"`
	LastReload    time.Time `json:"lastReload,omitempty"`
	LastError     string    `json:"lastError,omitempty"`
}

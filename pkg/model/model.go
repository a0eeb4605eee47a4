// Package model holds the plain domain types shared by the Store, Collector,
// Scheduler, Lifecycle Engine, and Query Service.
package model

import (
	"encoding/json"
	"time"
)

// BlacklistRecord is a single IP observation attributed to a source.
// (IP, Source) is its natural key.
type BlacklistRecord struct {
	ID             int64           `json:"id"`
	IP             string          `json:"ip"`
	Source         string          `json:"source"`
	Reason         string          `json:"reason"`
	Category       string          `json:"category"`
	Confidence     int             `json:"confidence"`
	DetectionCount int             `json:"detection_count"`
	Active         bool            `json:"active"`
	Country        *string         `json:"country,omitempty"`
	DetectionDate  *time.Time      `json:"detection_date,omitempty"`
	RemovalDate    *time.Time      `json:"removal_date,omitempty"`
	LastSeen       time.Time       `json:"last_seen"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	RawData        json.RawMessage `json:"raw_data,omitempty"`
}

// WhitelistRecord overrides any blacklist decision for the same IP in the
// resolution view.
type WhitelistRecord struct {
	ID        int64     `json:"id"`
	IP        string    `json:"ip"`
	Source    string    `json:"source"`
	Reason    string    `json:"reason"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CollectionCredential holds the portal credentials and run configuration for
// one collection service. Password is ciphertext when Encrypted is true; the
// plaintext form only ever exists transiently inside the Collector.
type CollectionCredential struct {
	Service             string          `json:"service"`
	Username            string          `json:"username"`
	Password            string          `json:"-"`
	Encrypted           bool            `json:"encrypted"`
	Config              json.RawMessage `json:"config,omitempty"`
	Enabled             bool            `json:"enabled"`
	IsActive            bool            `json:"is_active"`
	IntervalSeconds     int             `json:"interval_seconds"`
	LastCollectionAt    *time.Time      `json:"last_collection_at,omitempty"`
	LastTestOK          *bool           `json:"last_test_ok,omitempty"`
	LastTestMessage     string          `json:"last_test_message,omitempty"`
	LastTestAt          *time.Time      `json:"last_test_at,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// TriggerType identifies what caused a collection run to start.
type TriggerType string

const (
	TriggerCron   TriggerType = "cron"
	TriggerManual TriggerType = "manual"
	TriggerAPI    TriggerType = "api"
)

// CollectionHistory is an append-only record of one finished collection run.
type CollectionHistory struct {
	ID              int64           `json:"id"`
	Service         string          `json:"service"`
	StartedAt       time.Time       `json:"started_at"`
	Trigger         TriggerType     `json:"trigger"`
	ItemsCollected  int             `json:"items_collected"`
	Success         bool            `json:"success"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	DurationMS      int64           `json:"duration_ms"`
	Details         json.RawMessage `json:"details,omitempty"`
}

// Status is a CollectionStatus state-machine value.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusRunning  Status = "running"
	StatusError    Status = "error"
	StatusDisabled Status = "disabled"
)

// CollectionStatus tracks the live state of one service's collection job.
// At most one row per service may hold StatusRunning at a time.
type CollectionStatus struct {
	Service      string          `json:"service"`
	Status       Status          `json:"status"`
	LastRunAt    *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt    *time.Time      `json:"next_run_at,omitempty"`
	SuccessCount int64           `json:"success_count"`
	ErrorCount   int64           `json:"error_count"`
	Config       json.RawMessage `json:"config,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// CollectionStats is a per-source aggregate maintained on write or recomputed
// on read.
type CollectionStats struct {
	Source       string    `json:"source"`
	TotalIPs     int64     `json:"total_ips"`
	LastSeenAt   time.Time `json:"last_seen_at"`
}

// FirewallPullLog is an append-only fact record for one firewall feed
// request.
type FirewallPullLog struct {
	ID            int64     `json:"id"`
	DeviceAddress string    `json:"device_address"`
	UserAgent     string    `json:"user_agent"`
	Path          string    `json:"path"`
	IPCount       int       `json:"ip_count"`
	ResponseMS    int64     `json:"response_ms"`
	RequestedAt   time.Time `json:"requested_at"`
}

// Setting is a typed key/value configuration row. Keys match ^[A-Z_]+$.
type Setting struct {
	Key      string `json:"key"`
	Value    string `json:"value"`
	Type     string `json:"type"`
	Category string `json:"category"`
	Active   bool   `json:"active"`
}

// Resolution is the outcome of the Lifecycle Engine's per-IP resolution view.
type Resolution string

const (
	ResolutionWhitelist Resolution = "whitelist"
	ResolutionBlacklist Resolution = "blacklist"
	ResolutionUnknown   Resolution = "unknown"
)

// BlacklistFilter narrows a ListBlacklist query.
type BlacklistFilter struct {
	Source   string
	Category string
	Country  string
	Active   *bool
	IPPrefix string
}

// UpsertOutcome reports how many rows an UpsertBlacklist call affected.
type UpsertOutcome struct {
	Inserted int
	Updated  int
	Failed   int
}

// CollectionJob is one FIFO queue entry consumed by a scheduler worker.
// Attempt counts requeues — both "busy, try again shortly" requeues and
// failure-retry requeues share this field, since at most one kind applies
// to a job at a time.
type CollectionJob struct {
	Service     string            `json:"service"`
	TriggeredBy TriggerType       `json:"triggered_by"`
	Timestamp   time.Time         `json:"timestamp"`
	Config      map[string]string `json:"config,omitempty"`
	Attempt     int               `json:"attempt"`
	Force       bool              `json:"force"`
}

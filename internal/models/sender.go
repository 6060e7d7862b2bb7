package models

import "time"

type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthWarning   HealthStatus = "warning"
	HealthCritical  HealthStatus = "critical"
	HealthSuspended HealthStatus = "suspended"
	// HealthUnknown is reported when monitoring data could not be read.
	// It never blocks rotation.
	HealthUnknown HealthStatus = "unknown"
)

const (
	ProviderSMTP   = "smtp"
	ProviderResend = "resend"
)

const (
	ConnectionUnknown = "unknown"
	ConnectionOK      = "connected"
	ConnectionError   = "error"
)

type SenderAccount struct {
	Email            string     `json:"email"`
	DisplayName      string     `json:"display_name,omitempty"`
	Provider         string     `json:"provider"`
	DailyLimit       int        `json:"daily_limit"`
	IsPrimary        bool       `json:"is_primary"`
	IsEnabled        bool       `json:"is_enabled"`
	ConnectionStatus string     `json:"connection_status"`
	LastActivity     *time.Time `json:"last_activity,omitempty"`

	Suspended        bool       `json:"suspended"`
	SuspensionReason string     `json:"suspension_reason,omitempty"`
	SuspendedAt      *time.Time `json:"suspended_at,omitempty"`

	HealthStatus    HealthStatus `json:"health_status"`
	FailureRate     float64      `json:"failure_rate"`
	HealthCheckedAt *time.Time   `json:"health_checked_at,omitempty"`
	CriticalStreak  int          `json:"critical_streak"`

	CreatedAt time.Time `json:"created_at"`
}

// HealthRecord is the derived health snapshot of one sender.
type HealthRecord struct {
	SenderEmail      string       `json:"sender_email"`
	Status           HealthStatus `json:"status"`
	FailureRate      float64      `json:"failure_rate"`
	Attempts         int          `json:"attempts"`
	Failures         int          `json:"failures"`
	CriticalStreak   int          `json:"critical_streak"`
	LastCheckedAt    time.Time    `json:"last_checked_at"`
	SuspensionReason *string      `json:"suspension_reason"`
	Details          string       `json:"details,omitempty"`
}

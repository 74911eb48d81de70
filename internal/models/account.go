package models

import (
	"time"
)

type AccountStatus string

const (
	StatusPending    AccountStatus = "pending"
	StatusLinkReady  AccountStatus = "link_ready"
	StatusVerified   AccountStatus = "verified"
	StatusIneligible AccountStatus = "ineligible"
	StatusSubscribed AccountStatus = "subscribed"
	StatusError      AccountStatus = "error"
)

func (s AccountStatus) Valid() bool {
	switch s {
	case StatusPending, StatusLinkReady, StatusVerified, StatusIneligible, StatusSubscribed, StatusError:
		return true
	}
	return false
}

// Terminal reports whether the status is an end state for the pipeline.
// Manual re-submission may still move an account out of it.
func (s AccountStatus) Terminal() bool {
	return s == StatusIneligible || s == StatusSubscribed || s == StatusError
}

type Account struct {
	ID               uint          `gorm:"primaryKey" json:"id"`
	Email            string        `gorm:"uniqueIndex;not null" json:"email"`
	Password         string        `json:"password,omitempty"`
	RecoveryEmail    string        `json:"recovery_email,omitempty"`
	TOTPSecret       string        `json:"totp_secret,omitempty"`
	VerificationLink string        `json:"verification_link,omitempty"`
	ProxyAddr        string        `json:"proxy_addr,omitempty"`
	BrowserID        string        `json:"browser_id,omitempty"`
	Status           AccountStatus `gorm:"default:pending;index" json:"status"`
	LastError        string        `json:"last_error,omitempty"`
	FailedStage      string        `json:"failed_stage,omitempty"`
	RetryCount       int           `gorm:"default:0" json:"retry_count"`
	Version          uint          `gorm:"default:1" json:"version"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

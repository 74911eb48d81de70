package models

import "time"

type Setting struct {
	Key         string    `gorm:"primaryKey" json:"key"`
	Value       string    `json:"value"`
	Description string    `json:"description,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// OperationLog records one terminal outcome of an operator-visible action.
type OperationLog struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	OperationType string    `gorm:"not null;index" json:"operation_type"`
	TargetEmail   string    `json:"target_email,omitempty"`
	Details       string    `json:"details,omitempty"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
}

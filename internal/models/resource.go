package models

import (
	"fmt"
	"strings"
	"time"
)

type Proxy struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	Scheme     string    `gorm:"default:socks5" json:"scheme"`
	Host       string    `gorm:"not null" json:"host"`
	Port       string    `gorm:"not null" json:"port"`
	Username   string    `json:"username,omitempty"`
	Password   string    `json:"password,omitempty"`
	InUse      bool      `gorm:"default:false;index" json:"in_use"`
	AssignedTo string    `json:"assigned_to,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (p *Proxy) Addr() string {
	return p.Host + ":" + p.Port
}

// URL renders the proxy in scheme://[user:pass@]host:port form.
func (p *Proxy) URL() string {
	if p.Username != "" {
		return fmt.Sprintf("%s://%s:%s@%s", p.Scheme, p.Username, p.Password, p.Addr())
	}
	return fmt.Sprintf("%s://%s", p.Scheme, p.Addr())
}

type Card struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	Number     string    `gorm:"uniqueIndex;not null" json:"-"`
	ExpMonth   string    `gorm:"not null" json:"exp_month"`
	ExpYear    string    `gorm:"not null" json:"exp_year"`
	CVV        string    `gorm:"not null" json:"-"`
	HolderName string    `json:"holder_name,omitempty"`
	ZipCode    string    `json:"zip_code,omitempty"`
	Country    string    `json:"country,omitempty"`
	State      string    `json:"state,omitempty"`
	City       string    `json:"city,omitempty"`
	Address    string    `json:"address,omitempty"`
	UsageCount int       `gorm:"default:0" json:"usage_count"`
	MaxUsage   int       `gorm:"default:1" json:"max_usage"`
	Active     bool      `gorm:"default:true" json:"active"`
	InUse      bool      `gorm:"default:false;index" json:"in_use"`
	AssignedTo string    `json:"assigned_to,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Masked returns the card number with all but the last four digits hidden.
// Card numbers never appear unmasked in logs or API responses.
func (c *Card) Masked() string {
	n := c.Number
	if len(n) <= 4 {
		return strings.Repeat("*", len(n))
	}
	return strings.Repeat("*", len(n)-4) + n[len(n)-4:]
}

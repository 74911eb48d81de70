// Package pool manages the proxy and virtual-card pools. A resource is
// exclusively assigned to one account for the duration of a stage attempt
// and returned afterwards; assignment flags are persisted so a restart
// can recover them.
package pool

import (
	"errors"
	"log/slog"
	"sync"

	"gorm.io/gorm"

	"autoqual/internal/flatfile"
	"autoqual/internal/models"
)

// ErrExhausted means no free resource is available right now. This is
// recoverable: the caller defers the attempt instead of failing it.
var ErrExhausted = errors.New("resource pool exhausted")

type ProxyPool struct {
	db  *gorm.DB
	mu  sync.Mutex
	log *slog.Logger
}

func NewProxyPool(db *gorm.DB, log *slog.Logger) *ProxyPool {
	if log == nil {
		log = slog.Default()
	}
	return &ProxyPool{db: db, log: log.With("component", "proxy-pool")}
}

// Acquire assigns the first free proxy to the account.
func (p *ProxyPool) Acquire(email string) (*models.Proxy, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var proxy models.Proxy
	err := p.db.Where("in_use = ?", false).Order("id asc").First(&proxy).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrExhausted
	}
	if err != nil {
		return nil, err
	}

	err = p.db.Model(&proxy).Updates(map[string]any{"in_use": true, "assigned_to": email}).Error
	if err != nil {
		return nil, err
	}
	proxy.InUse = true
	proxy.AssignedTo = email
	return &proxy, nil
}

// AcquireByID assigns one specific proxy if it is still free. Used when
// retries are configured to reuse the previous proxy rather than rotate.
func (p *ProxyPool) AcquireByID(id uint, email string) (*models.Proxy, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var proxy models.Proxy
	err := p.db.Where("id = ? AND in_use = ?", id, false).First(&proxy).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrExhausted
	}
	if err != nil {
		return nil, err
	}

	err = p.db.Model(&proxy).Updates(map[string]any{"in_use": true, "assigned_to": email}).Error
	if err != nil {
		return nil, err
	}
	proxy.InUse = true
	proxy.AssignedTo = email
	return &proxy, nil
}

// Release returns a proxy to the pool. Releasing an already-free proxy is
// a no-op so crash recovery may double-release safely.
func (p *ProxyPool) Release(proxy *models.Proxy) {
	if proxy == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	err := p.db.Model(&models.Proxy{}).Where("id = ?", proxy.ID).
		Updates(map[string]any{"in_use": false, "assigned_to": ""}).Error
	if err != nil {
		p.log.Warn("proxy release failed", "proxy", proxy.Addr(), "err", err)
		return
	}
	proxy.InUse = false
	proxy.AssignedTo = ""
}

// ReleaseAll clears every assignment flag. Run at startup: any flag still
// set belongs to a previous process and no attempt can be holding it.
func (p *ProxyPool) ReleaseAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.db.Model(&models.Proxy{}).Where("in_use = ?", true).
		Updates(map[string]any{"in_use": false, "assigned_to": ""}).Error
}

func (p *ProxyPool) Add(lines []flatfile.ProxyLine) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	added := 0
	for _, ln := range lines {
		scheme := ln.Scheme
		if scheme == "" {
			scheme = "socks5"
		}
		proxy := models.Proxy{
			Scheme:   scheme,
			Host:     ln.Host,
			Port:     ln.Port,
			Username: ln.Username,
			Password: ln.Password,
		}
		if err := p.db.Create(&proxy).Error; err != nil {
			return added, err
		}
		added++
	}
	return added, nil
}

func (p *ProxyPool) List() ([]models.Proxy, error) {
	var proxies []models.Proxy
	err := p.db.Order("id asc").Find(&proxies).Error
	return proxies, err
}

type CardPool struct {
	db  *gorm.DB
	mu  sync.Mutex
	log *slog.Logger
}

func NewCardPool(db *gorm.DB, log *slog.Logger) *CardPool {
	if log == nil {
		log = slog.Default()
	}
	return &CardPool{db: db, log: log.With("component", "card-pool")}
}

// Acquire assigns the least-used free card to the account. Cards that hit
// their max usage or were deactivated are skipped.
func (c *CardPool) Acquire(email string) (*models.Card, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var card models.Card
	err := c.db.Where("in_use = ? AND active = ? AND usage_count < max_usage", false, true).
		Order("usage_count asc, id asc").First(&card).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrExhausted
	}
	if err != nil {
		return nil, err
	}

	err = c.db.Model(&card).Updates(map[string]any{"in_use": true, "assigned_to": email}).Error
	if err != nil {
		return nil, err
	}
	card.InUse = true
	card.AssignedTo = email
	return &card, nil
}

// Release returns a card to the pool; idempotent like ProxyPool.Release.
func (c *CardPool) Release(card *models.Card) {
	if card == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.db.Model(&models.Card{}).Where("id = ?", card.ID).
		Updates(map[string]any{"in_use": false, "assigned_to": ""}).Error
	if err != nil {
		c.log.Warn("card release failed", "card", card.Masked(), "err", err)
		return
	}
	card.InUse = false
	card.AssignedTo = ""
}

func (c *CardPool) ReleaseAll() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.db.Model(&models.Card{}).Where("in_use = ?", true).
		Updates(map[string]any{"in_use": false, "assigned_to": ""}).Error
}

// MarkUsed bumps the card's usage counter after a successful bind.
func (c *CardPool) MarkUsed(card *models.Card) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.db.Model(&models.Card{}).Where("id = ?", card.ID).
		UpdateColumn("usage_count", gorm.Expr("usage_count + 1")).Error
	if err == nil {
		card.UsageCount++
	}
	return err
}

func (c *CardPool) Add(lines []flatfile.CardLine, maxUsage int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if maxUsage <= 0 {
		maxUsage = 1
	}
	added := 0
	for _, ln := range lines {
		card := models.Card{
			Number:     ln.Number,
			ExpMonth:   ln.ExpMonth,
			ExpYear:    ln.ExpYear,
			CVV:        ln.CVV,
			HolderName: ln.HolderName,
			ZipCode:    ln.ZipCode,
			Country:    ln.Country,
			State:      ln.State,
			City:       ln.City,
			Address:    ln.Address,
			MaxUsage:   maxUsage,
			Active:     true,
		}
		if err := c.db.Create(&card).Error; err != nil {
			// Duplicate card numbers are skipped, not fatal.
			c.log.Warn("card import skipped", "card", card.Masked(), "err", err)
			continue
		}
		added++
	}
	return added, nil
}

func (c *CardPool) List() ([]models.Card, error) {
	var cards []models.Card
	err := c.db.Order("id asc").Find(&cards).Error
	return cards, err
}

// Package store owns the durable account table. It is the single source
// of truth for account state: all writes serialize through one store-level
// mutex, readers get consistent row snapshots, and every row carries a
// version counter for optimistic concurrency.
package store

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"gorm.io/gorm"

	"autoqual/internal/flatfile"
	"autoqual/internal/models"
)

var (
	ErrNotFound = errors.New("account not found")

	// ErrConflict means a concurrent writer bumped the row version since
	// the caller read it. Re-read and recompute.
	ErrConflict = errors.New("version conflict")

	// ErrTransition means the row's current status no longer matches what
	// the caller expected. Re-read and recompute.
	ErrTransition = errors.New("stale expected status")
)

type Store struct {
	db  *gorm.DB
	log *slog.Logger

	mu       sync.Mutex
	onChange func()
}

func New(db *gorm.DB, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{db: db, log: log.With("component", "store")}
}

// OnChange registers a hook invoked after every successful mutation,
// outside the writer lock. Used by the mirror writer.
func (s *Store) OnChange(fn func()) {
	s.onChange = fn
}

func (s *Store) changed() {
	if s.onChange != nil {
		s.onChange()
	}
}

func (s *Store) Get(email string) (*models.Account, error) {
	var a models.Account
	err := s.db.Where("email = ?", email).First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, email)
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// List returns accounts in insertion order, optionally filtered by status.
func (s *Store) List(statuses ...models.AccountStatus) ([]models.Account, error) {
	var accounts []models.Account
	q := s.db.Order("id asc")
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statuses)
	}
	if err := q.Find(&accounts).Error; err != nil {
		return nil, err
	}
	return accounts, nil
}

// Snapshot returns every account in insertion order.
func (s *Store) Snapshot() ([]models.Account, error) {
	return s.List()
}

// Upsert creates the account, or updates it if the caller holds the
// current version. A stale version yields ErrConflict.
func (s *Store) Upsert(a *models.Account) error {
	s.mu.Lock()
	err := s.upsertLocked(a)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.changed()
	return nil
}

func (s *Store) upsertLocked(a *models.Account) error {
	var existing models.Account
	err := s.db.Where("email = ?", a.Email).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if a.Status == "" {
			a.Status = models.StatusPending
		}
		a.Version = 1
		return s.db.Create(a).Error
	}
	if err != nil {
		return err
	}

	res := s.db.Model(&models.Account{}).
		Where("id = ? AND version = ?", existing.ID, a.Version).
		Updates(map[string]any{
			"password":          a.Password,
			"recovery_email":    a.RecoveryEmail,
			"totp_secret":       a.TOTPSecret,
			"verification_link": a.VerificationLink,
			"proxy_addr":        a.ProxyAddr,
			"browser_id":        a.BrowserID,
			"status":            a.Status,
			"last_error":        a.LastError,
			"failed_stage":      a.FailedStage,
			"retry_count":       a.RetryCount,
			"version":           a.Version + 1,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s at version %d", ErrConflict, a.Email, a.Version)
	}
	a.ID = existing.ID
	a.Version++
	return nil
}

// Transition performs an atomic compare-and-swap on the row's status. The
// swap only happens when the row's current status equals expect; patch
// fields are applied in the same write.
func (s *Store) Transition(email string, expect, next models.AccountStatus, patch map[string]any) (*models.Account, error) {
	if !next.Valid() {
		return nil, fmt.Errorf("invalid target status %q", next)
	}

	s.mu.Lock()
	a, err := s.transitionLocked(email, expect, next, patch)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	s.changed()
	return a, nil
}

func (s *Store) transitionLocked(email string, expect, next models.AccountStatus, patch map[string]any) (*models.Account, error) {
	var a models.Account
	err := s.db.Where("email = ?", email).First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, email)
	}
	if err != nil {
		return nil, err
	}
	if a.Status != expect {
		return nil, fmt.Errorf("%w: %s is %q, expected %q", ErrTransition, email, a.Status, expect)
	}

	updates := map[string]any{
		"status":  next,
		"version": a.Version + 1,
	}
	for k, v := range patch {
		updates[k] = v
	}
	res := s.db.Model(&models.Account{}).
		Where("id = ? AND version = ?", a.ID, a.Version).
		Updates(updates)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("%w: %s at version %d", ErrConflict, email, a.Version)
	}

	if err := s.db.Where("id = ?", a.ID).First(&a).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

// ResetRetry zeroes the retry counter. This is the explicit retry action
// required before re-running an account that sits in the error status.
func (s *Store) ResetRetry(email string) error {
	s.mu.Lock()
	res := s.db.Model(&models.Account{}).
		Where("email = ?", email).
		Updates(map[string]any{"retry_count": 0, "last_error": ""})
	s.mu.Unlock()
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, email)
	}
	s.changed()
	return nil
}

// BindBrowser attaches a vendor browser profile to the account.
func (s *Store) BindBrowser(email, browserID string) error {
	s.mu.Lock()
	res := s.db.Model(&models.Account{}).
		Where("email = ?", email).
		Updates(map[string]any{"browser_id": browserID})
	s.mu.Unlock()
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, email)
	}
	s.changed()
	return nil
}

func (s *Store) Delete(email string) error {
	s.mu.Lock()
	res := s.db.Where("email = ?", email).Delete(&models.Account{})
	s.mu.Unlock()
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, email)
	}
	s.changed()
	return nil
}

// Counts returns the number of accounts per status.
func (s *Store) Counts() (map[models.AccountStatus]int64, error) {
	var rows []struct {
		Status models.AccountStatus
		N      int64
	}
	err := s.db.Model(&models.Account{}).
		Select("status, count(*) as n").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[models.AccountStatus]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.N
	}
	return counts, nil
}

// ImportResult summarizes a bulk import.
type ImportResult struct {
	Created int      `json:"created"`
	Updated int      `json:"updated"`
	Errors  []string `json:"errors,omitempty"`
}

// ImportLines merges parsed account lines into the store. Existing rows
// only gain fields the line actually provides; their status is untouched.
// New rows start out pending (or link_ready when the line carried a
// verification link).
func (s *Store) ImportLines(lines []flatfile.AccountLine) (*ImportResult, error) {
	out := &ImportResult{}
	for _, ln := range lines {
		s.mu.Lock()
		err := s.importLineLocked(ln, out)
		s.mu.Unlock()
		if err != nil {
			out.Errors = append(out.Errors, fmt.Sprintf("%s: %v", ln.Email, err))
		}
	}
	s.changed()
	return out, nil
}

func (s *Store) importLineLocked(ln flatfile.AccountLine, out *ImportResult) error {
	var existing models.Account
	err := s.db.Where("email = ?", ln.Email).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		status := models.StatusPending
		if ln.VerificationLink != "" {
			status = models.StatusLinkReady
		}
		a := models.Account{
			Email:            ln.Email,
			Password:         ln.Password,
			RecoveryEmail:    ln.RecoveryEmail,
			TOTPSecret:       ln.TOTPSecret,
			VerificationLink: ln.VerificationLink,
			Status:           status,
			Version:          1,
		}
		if err := s.db.Create(&a).Error; err != nil {
			return err
		}
		out.Created++
		return nil
	}
	if err != nil {
		return err
	}

	updates := map[string]any{"version": existing.Version + 1}
	if ln.Password != "" {
		updates["password"] = ln.Password
	}
	if ln.RecoveryEmail != "" {
		updates["recovery_email"] = ln.RecoveryEmail
	}
	if ln.TOTPSecret != "" {
		updates["totp_secret"] = ln.TOTPSecret
	}
	if ln.VerificationLink != "" {
		updates["verification_link"] = ln.VerificationLink
	}
	if len(updates) == 1 {
		return nil
	}
	if err := s.db.Model(&existing).Updates(updates).Error; err != nil {
		return err
	}
	out.Updated++
	return nil
}

// LogOperation appends an operation-log row. Best effort: failures are
// logged, never propagated, so logging can never fail an attempt.
func (s *Store) LogOperation(opType, targetEmail, details, status string) {
	s.mu.Lock()
	err := s.db.Create(&models.OperationLog{
		OperationType: opType,
		TargetEmail:   targetEmail,
		Details:       details,
		Status:        status,
	}).Error
	s.mu.Unlock()
	if err != nil {
		s.log.Warn("operation log write failed", "op", opType, "email", targetEmail, "err", err)
	}
}

// RecentLogs returns the newest operation-log rows, newest first.
func (s *Store) RecentLogs(limit int) ([]models.OperationLog, error) {
	if limit <= 0 {
		limit = 100
	}
	var logs []models.OperationLog
	err := s.db.Order("id desc").Limit(limit).Find(&logs).Error
	return logs, err
}

func (s *Store) GetSetting(key, fallback string) string {
	var st models.Setting
	if err := s.db.Where("key = ?", key).First(&st).Error; err != nil {
		return fallback
	}
	return st.Value
}

func (s *Store) SetSetting(key, value, description string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Save(&models.Setting{Key: key, Value: value, Description: description}).Error
}

func (s *Store) AllSettings() (map[string]string, error) {
	var settings []models.Setting
	if err := s.db.Find(&settings).Error; err != nil {
		return nil, err
	}
	out := make(map[string]string, len(settings))
	for _, st := range settings {
		out[st.Key] = st.Value
	}
	return out, nil
}

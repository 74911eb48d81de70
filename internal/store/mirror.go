package store

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"autoqual/internal/flatfile"
	"autoqual/internal/models"
)

// Mirror keeps a flat-file projection of the store for external
// inspection. Every store mutation enqueues a rewrite; rewrites are full
// regenerations from the current snapshot, serialized through one
// background writer, and land via temp-file + rename so readers never see
// a half-written file.
type Mirror struct {
	path  string
	delim string
	store *Store
	log   *slog.Logger

	notify chan struct{}
	stop   chan struct{}
	wg     sync.WaitGroup
}

func NewMirror(path, delim string, s *Store, log *slog.Logger) *Mirror {
	if log == nil {
		log = slog.Default()
	}
	m := &Mirror{
		path:   path,
		delim:  delim,
		store:  s,
		log:    log.With("component", "mirror"),
		notify: make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}
	s.OnChange(m.Notify)
	return m
}

// Notify schedules a rewrite. Pending notifications coalesce; the caller
// never blocks.
func (m *Mirror) Notify() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *Mirror) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-m.stop:
				return
			case <-m.notify:
				if err := m.Rewrite(); err != nil {
					m.log.Error("mirror rewrite failed", "path", m.path, "err", err)
				}
			}
		}
	}()
}

// Close stops the writer after flushing any pending rewrite.
func (m *Mirror) Close() {
	close(m.stop)
	m.wg.Wait()
	select {
	case <-m.notify:
		if err := m.Rewrite(); err != nil {
			m.log.Error("final mirror rewrite failed", "path", m.path, "err", err)
		}
	default:
	}
}

// Rewrite regenerates the whole mirror file synchronously.
func (m *Mirror) Rewrite() error {
	accounts, err := m.store.Snapshot()
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}

	var buf []byte
	for i := range accounts {
		line, err := flatfile.FormatMirrorLine(mirrorRecord(&accounts[i]), m.delim)
		if err != nil {
			// A field picked up the delimiter after load. Skip the row
			// rather than corrupt the file.
			m.log.Warn("account skipped in mirror", "email", accounts[i].Email, "err", err)
			continue
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}

	return atomicWrite(m.path, buf)
}

func mirrorRecord(a *models.Account) flatfile.MirrorRecord {
	return flatfile.MirrorRecord{
		AccountLine: flatfile.AccountLine{
			Email:            a.Email,
			Password:         a.Password,
			RecoveryEmail:    a.RecoveryEmail,
			TOTPSecret:       a.TOTPSecret,
			VerificationLink: a.VerificationLink,
		},
		ProxyAddr: a.ProxyAddr,
		Status:    string(a.Status),
	}
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

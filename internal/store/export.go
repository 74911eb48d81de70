package store

import (
	"fmt"
	"path/filepath"

	"autoqual/internal/flatfile"
	"autoqual/internal/models"
)

// statusFiles maps each persisted status to its export file.
var statusFiles = map[models.AccountStatus]string{
	models.StatusPending:    "pending.txt",
	models.StatusLinkReady:  "link_ready.txt",
	models.StatusVerified:   "verified.txt",
	models.StatusIneligible: "ineligible.txt",
	models.StatusSubscribed: "subscribed.txt",
	models.StatusError:      "error.txt",
}

// ExportByStatus writes one import-format file per status into dir.
// link_ready lines keep their verification-link prefix so the file can be
// fed to an external verifier directly.
func (s *Store) ExportByStatus(dir, delim string) error {
	accounts, err := s.Snapshot()
	if err != nil {
		return err
	}

	buckets := make(map[models.AccountStatus][]byte)
	for i := range accounts {
		a := &accounts[i]
		ln := flatfile.AccountLine{
			Email:         a.Email,
			Password:      a.Password,
			RecoveryEmail: a.RecoveryEmail,
			TOTPSecret:    a.TOTPSecret,
		}
		if a.Status == models.StatusLinkReady {
			ln.VerificationLink = a.VerificationLink
		}
		line, err := flatfile.FormatAccountLine(ln, delim)
		if err != nil {
			s.log.Warn("account skipped in export", "email", a.Email, "err", err)
			continue
		}
		buckets[a.Status] = append(buckets[a.Status], append([]byte(line), '\n')...)
	}

	for status, name := range statusFiles {
		if err := atomicWrite(filepath.Join(dir, name), buckets[status]); err != nil {
			return fmt.Errorf("export %s: %w", name, err)
		}
	}
	return nil
}

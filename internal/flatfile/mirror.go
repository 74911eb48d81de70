package flatfile

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// MirrorRecord is the full projection of one stored account. Unlike the
// lenient import layout, mirror lines always carry exactly six fields:
//
//	[link<d>]email<d>password<d>recovery_email<d>totp_secret<d>proxy<d>status
//
// Empty optional fields stay in place so positions are fixed and the file
// round-trips without heuristics.
type MirrorRecord struct {
	AccountLine
	ProxyAddr string
	Status    string
}

const mirrorFieldCount = 6

// FormatMirrorLine renders a mirror record.
func FormatMirrorLine(rec MirrorRecord, delim string) (string, error) {
	if delim == "" {
		delim = "----"
	}
	fields := []string{
		rec.Email,
		rec.Password,
		rec.RecoveryEmail,
		rec.TOTPSecret,
		rec.ProxyAddr,
		rec.Status,
	}
	for _, f := range fields {
		if err := CheckField(f, delim); err != nil {
			return "", err
		}
	}
	line := strings.Join(fields, delim)
	if rec.VerificationLink != "" {
		if err := CheckField(rec.VerificationLink, delim); err != nil {
			return "", err
		}
		line = rec.VerificationLink + delim + line
	}
	return line, nil
}

// ParseMirrorLine parses a line written by FormatMirrorLine.
func ParseMirrorLine(line, delim string) (*MirrorRecord, error) {
	if delim == "" {
		delim = "----"
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, ErrBadAccountLine
	}

	parts := strings.Split(line, delim)
	var link string
	if len(parts) == mirrorFieldCount+1 && linkRe.MatchString(parts[0]) {
		link = parts[0]
		parts = parts[1:]
	}
	if len(parts) != mirrorFieldCount {
		return nil, fmt.Errorf("%w: want %d fields, got %d", ErrBadAccountLine, mirrorFieldCount, len(parts))
	}
	if !looksLikeEmail(parts[0]) {
		return nil, fmt.Errorf("%w: first field %q is not an email", ErrBadAccountLine, parts[0])
	}

	return &MirrorRecord{
		AccountLine: AccountLine{
			Email:            parts[0],
			Password:         parts[1],
			RecoveryEmail:    parts[2],
			TOTPSecret:       parts[3],
			VerificationLink: link,
		},
		ProxyAddr: parts[4],
		Status:    parts[5],
	}, nil
}

// ParseMirror reads a whole mirror file.
func ParseMirror(r io.Reader, delim string) ([]MirrorRecord, []error) {
	var (
		recs []MirrorRecord
		errs []error
	)
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		rec, err := ParseMirrorLine(raw, delim)
		if err != nil {
			errs = append(errs, &LineError{Line: lineNo, Err: err})
			continue
		}
		recs = append(recs, *rec)
	}
	if err := scanner.Err(); err != nil {
		errs = append(errs, err)
	}
	return recs, errs
}

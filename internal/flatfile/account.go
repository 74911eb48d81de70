// Package flatfile implements the line-oriented text formats used for
// account, proxy and card import/export. One record per line, fields
// joined by a configurable delimiter (accounts) or positionally
// (proxies, cards).
package flatfile

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"unicode"
)

var (
	// ErrDelimiterInField is returned when a field value contains the
	// configured delimiter. Such a line cannot round-trip through the
	// mirror file, so it is rejected instead of silently truncated.
	ErrDelimiterInField = errors.New("field contains the delimiter")

	ErrBadAccountLine = errors.New("unparseable account line")
)

var (
	emailRe     = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)
	linkRe      = regexp.MustCompile(`https?://\S+`)
	dateRangeRe = regexp.MustCompile(`^\d{4}-\d{4}$`)
)

type AccountLine struct {
	Email            string
	Password         string
	RecoveryEmail    string
	TOTPSecret       string
	VerificationLink string
}

// LooksLikeTOTPSecret reports whether a value reads as a base32 TOTP
// secret rather than, say, a recovery email. Secrets are at least 16
// characters from the base32 alphabet, spaces allowed.
func LooksLikeTOTPSecret(v string) bool {
	s := strings.ReplaceAll(strings.TrimSpace(v), " ", "")
	if len(s) < 16 {
		return false
	}
	for _, c := range strings.ToUpper(s) {
		if !strings.ContainsRune("ABCDEFGHIJKLMNOPQRSTUVWXYZ234567=", c) {
			return false
		}
	}
	return true
}

func looksLikeEmail(s string) bool {
	return strings.Contains(s, "@") && strings.Contains(s, ".")
}

// ParseAccountLine parses one account record. Supported layouts:
//
//	email<d>password
//	email<d>password<d>recovery_email
//	email<d>password<d>totp_secret
//	email<d>password<d>recovery_email<d>totp_secret
//	[https://link<d>]...        (leading verification link token)
//
// A trailing YYYY-YYYY token is ignored. Text after '#' is a comment.
// The third field is classified as recovery email vs TOTP secret by
// whether it contains '@'.
func ParseAccountLine(line, delim string) (*AccountLine, error) {
	if delim == "" {
		delim = "----"
	}
	if i := strings.IndexByte(line, '#'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, ErrBadAccountLine
	}

	parts := make([]string, 0, 5)
	for _, p := range strings.Split(line, delim) {
		p = strings.TrimSpace(p)
		if p == "" || dateRangeRe.MatchString(p) {
			continue
		}
		parts = append(parts, p)
	}

	var link string
	if len(parts) > 0 && linkRe.MatchString(parts[0]) {
		link = parts[0]
		parts = parts[1:]
	}

	if len(parts) < 2 {
		return nil, fmt.Errorf("%w: need at least email and password", ErrBadAccountLine)
	}
	if len(parts) > 4 {
		// More fields than the format allows means a value contains
		// the delimiter; refuse rather than guess which field it was.
		return nil, fmt.Errorf("%w: got %d fields", ErrDelimiterInField, len(parts))
	}
	if !looksLikeEmail(parts[0]) {
		return nil, fmt.Errorf("%w: first field %q is not an email", ErrBadAccountLine, parts[0])
	}

	out := &AccountLine{Email: parts[0], Password: parts[1], VerificationLink: link}

	if len(parts) >= 3 {
		if looksLikeEmail(parts[2]) && !LooksLikeTOTPSecret(parts[2]) {
			out.RecoveryEmail = parts[2]
		} else {
			out.TOTPSecret = parts[2]
		}
	}
	if len(parts) >= 4 {
		if out.RecoveryEmail == "" {
			if looksLikeEmail(parts[3]) {
				out.RecoveryEmail = parts[3]
			}
		} else {
			out.TOTPSecret = parts[3]
		}
	}

	return out, nil
}

// CheckField rejects values that would corrupt the flat format.
func CheckField(value, delim string) error {
	if delim == "" {
		delim = "----"
	}
	if strings.Contains(value, delim) {
		return fmt.Errorf("%w: %q", ErrDelimiterInField, value)
	}
	if strings.ContainsAny(value, "\r\n") {
		return fmt.Errorf("%w: %q contains a line break", ErrDelimiterInField, value)
	}
	return nil
}

// FormatAccountLine renders a record back into line form. Empty optional
// fields are omitted, matching the import layouts.
func FormatAccountLine(a AccountLine, delim string) (string, error) {
	if delim == "" {
		delim = "----"
	}
	fields := []string{a.Email, a.Password}
	if a.RecoveryEmail != "" {
		fields = append(fields, a.RecoveryEmail)
	}
	if a.TOTPSecret != "" {
		fields = append(fields, a.TOTPSecret)
	}
	for _, f := range fields {
		if err := CheckField(f, delim); err != nil {
			return "", err
		}
	}
	line := strings.Join(fields, delim)
	if a.VerificationLink != "" {
		if err := CheckField(a.VerificationLink, delim); err != nil {
			return "", err
		}
		line = a.VerificationLink + delim + line
	}
	return line, nil
}

// LineError carries the 1-based line number of a rejected input line.
type LineError struct {
	Line int
	Err  error
}

func (e *LineError) Error() string { return fmt.Sprintf("line %d: %v", e.Line, e.Err) }
func (e *LineError) Unwrap() error { return e.Err }

// ParseAccounts reads a whole import document. Blank lines and comment
// lines are skipped. A single physical line holding several accounts
// separated by whitespace is split apart. Bad lines are collected, not
// fatal.
func ParseAccounts(r io.Reader, delim string) ([]AccountLine, []error) {
	var (
		accounts []AccountLine
		errs     []error
	)
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		for _, seg := range splitMultiAccount(raw) {
			a, err := ParseAccountLine(seg, delim)
			if err != nil {
				errs = append(errs, &LineError{Line: lineNo, Err: err})
				continue
			}
			accounts = append(accounts, *a)
		}
	}
	if err := scanner.Err(); err != nil {
		errs = append(errs, err)
	}
	return accounts, errs
}

// splitMultiAccount cuts a physical line holding several accounts at each
// whitespace boundary that precedes an email token.
func splitMultiAccount(line string) []string {
	locs := emailRe.FindAllStringIndex(line, -1)
	if len(locs) < 2 {
		return []string{line}
	}
	cuts := []int{0}
	for _, loc := range locs[1:] {
		i := loc[0]
		if i > 0 && unicode.IsSpace(rune(line[i-1])) {
			cuts = append(cuts, i)
		}
	}
	if len(cuts) == 1 {
		return []string{line}
	}
	segs := make([]string, 0, len(cuts))
	for i, start := range cuts {
		end := len(line)
		if i+1 < len(cuts) {
			end = cuts[i+1]
		}
		if s := strings.TrimSpace(line[start:end]); s != "" {
			segs = append(segs, s)
		}
	}
	return segs
}

// Package twofa derives time-based one-time codes from per-account
// secrets. Generation is pure: same secret and time window, same code.
package twofa

import (
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

type Generator struct {
	digits otp.Digits
	period uint
}

func New(digits, period int) *Generator {
	d := otp.DigitsSix
	if digits == 8 {
		d = otp.DigitsEight
	}
	if period <= 0 {
		period = 30
	}
	return &Generator{digits: d, period: uint(period)}
}

// Generate returns the code for the window containing t.
func (g *Generator) Generate(secret string, t time.Time) (string, error) {
	code, err := totp.GenerateCodeCustom(NormalizeSecret(secret), t, totp.ValidateOpts{
		Period:    g.period,
		Digits:    g.digits,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		return "", fmt.Errorf("totp generate: %w", err)
	}
	return code, nil
}

// Now returns the code for the current window.
func (g *Generator) Now(secret string) (string, error) {
	return g.Generate(secret, time.Now())
}

// NormalizeSecret strips spaces and upper-cases a base32 secret the way
// authenticator exports usually need.
func NormalizeSecret(secret string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(secret), " ", ""))
}

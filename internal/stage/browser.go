package stage

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"autoqual/internal/browser"
	"autoqual/internal/models"
	"autoqual/internal/twofa"
)

// vendor task names, one per stage
const (
	taskExtractLink = "extract-sheerid-link"
	taskVerify      = "verify-eligibility"
	taskBindCard    = "bind-and-subscribe"
)

// BrowserExecutors builds the production executor set on top of the
// vendor browser-window API. Each attempt points the account's profile at
// its assigned proxy, opens a session, runs the stage script with the
// credentials and a fresh one-time code, and closes the session again.
func BrowserExecutors(client *browser.Client, codes *twofa.Generator, log *slog.Logger) map[Kind]Executor {
	if log == nil {
		log = slog.Default()
	}
	r := &runner{client: client, codes: codes, log: log.With("component", "stage")}
	return map[Kind]Executor{
		KindExtractLink:       ExecutorFunc(r.extractLink),
		KindVerifyEligibility: ExecutorFunc(r.verifyEligibility),
		KindBindAndSubscribe:  ExecutorFunc(r.bindAndSubscribe),
	}
}

type runner struct {
	client *browser.Client
	codes  *twofa.Generator
	log    *slog.Logger
}

func (r *runner) extractLink(ctx context.Context, a models.Account, res Resources) Outcome {
	return r.run(ctx, a, res, taskExtractLink, nil)
}

func (r *runner) verifyEligibility(ctx context.Context, a models.Account, res Resources) Outcome {
	if a.VerificationLink == "" {
		return Fatalf("no verification link on record")
	}
	return r.run(ctx, a, res, taskVerify, map[string]any{
		"verificationLink": a.VerificationLink,
	})
}

func (r *runner) bindAndSubscribe(ctx context.Context, a models.Account, res Resources) Outcome {
	card := res.Card
	if card == nil {
		return Fatalf("no card assigned for bind stage")
	}
	return r.run(ctx, a, res, taskBindCard, map[string]any{
		"card": map[string]any{
			"number":   card.Number,
			"expMonth": card.ExpMonth,
			"expYear":  card.ExpYear,
			"cvv":      card.CVV,
			"holder":   card.HolderName,
			"zip":      card.ZipCode,
			"country":  card.Country,
			"state":    card.State,
			"city":     card.City,
			"address":  card.Address,
		},
	})
}

func (r *runner) run(ctx context.Context, a models.Account, res Resources, task string, extra map[string]any) Outcome {
	if a.BrowserID == "" {
		return Fatalf("account has no browser profile")
	}
	if res.Proxy == nil {
		return Fatalf("no proxy assigned")
	}

	if err := r.client.SetProfileProxy(ctx, a.BrowserID, res.Proxy.URL()); err != nil {
		return classifyErr(ctx, err)
	}
	if _, err := r.client.OpenProfile(ctx, a.BrowserID); err != nil {
		return classifyErr(ctx, err)
	}
	defer func() {
		// Close on a fresh context: the attempt's context may already be
		// done, the window must not leak.
		closeCtx, cancel := context.WithTimeout(context.Background(), browserCloseTimeout)
		defer cancel()
		if err := r.client.CloseProfile(closeCtx, a.BrowserID); err != nil {
			r.log.Warn("profile close failed", "email", a.Email, "err", err)
		}
	}()

	params := map[string]any{
		"email":    a.Email,
		"password": a.Password,
		"recovery": a.RecoveryEmail,
	}
	if a.TOTPSecret != "" {
		code, err := r.codes.Now(a.TOTPSecret)
		if err != nil {
			return Fatalf("totp secret unusable: %v", err)
		}
		params["totpCode"] = code
	}
	for k, v := range extra {
		params[k] = v
	}

	result, err := r.client.RunTask(ctx, a.BrowserID, task, params)
	if err != nil {
		return classifyErr(ctx, err)
	}

	switch result.Status {
	case "success":
		return Succeed(result.Link)
	case "ineligible":
		return Ineligiblef("%s", orDefault(result.Message, "account not eligible"))
	case "invalid_input":
		return Fatalf("%s", orDefault(result.Message, "rejected credentials"))
	case "timeout":
		return Transientf("%s", orDefault(result.Message, "stage script timed out"))
	default:
		return Transientf("%s", orDefault(result.Message, "stage script failed"))
	}
}

const browserCloseTimeout = 15 * time.Second

func classifyErr(ctx context.Context, err error) Outcome {
	if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		return Transientf("cancelled: %v", err)
	}
	return Transientf("browser api: %v", err)
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

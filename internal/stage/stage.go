// Package stage defines the pipeline stages and the executor capability
// the orchestrator drives. Executors are opaque: they run one attempt
// against an account with its assigned resources and classify the result.
// They must honor the context promptly and never retry internally.
package stage

import (
	"context"
	"fmt"

	"autoqual/internal/models"
)

type Kind string

const (
	KindExtractLink       Kind = "extract_link"
	KindVerifyEligibility Kind = "verify_eligibility"
	KindBindAndSubscribe  Kind = "bind_and_subscribe"
)

func (k Kind) Valid() bool {
	switch k {
	case KindExtractLink, KindVerifyEligibility, KindBindAndSubscribe:
		return true
	}
	return false
}

// NeedsCard reports whether the stage requires a virtual card.
func (k Kind) NeedsCard() bool {
	return k == KindBindAndSubscribe
}

// ExpectedStatus is the account status a stage normally starts from.
func (k Kind) ExpectedStatus() models.AccountStatus {
	switch k {
	case KindExtractLink:
		return models.StatusPending
	case KindVerifyEligibility:
		return models.StatusLinkReady
	case KindBindAndSubscribe:
		return models.StatusVerified
	}
	return ""
}

// SuccessStatus is the status a successful attempt lands on.
func (k Kind) SuccessStatus() models.AccountStatus {
	switch k {
	case KindExtractLink:
		return models.StatusLinkReady
	case KindVerifyEligibility:
		return models.StatusVerified
	case KindBindAndSubscribe:
		return models.StatusSubscribed
	}
	return ""
}

type Class int

const (
	// Success carries the stage payload (the extracted link for
	// extract_link).
	Success Class = iota
	// Ineligible is terminal: the account does not qualify.
	Ineligible
	// Transient is retryable: network, timeout, flaky page.
	Transient
	// Fatal is not retryable: malformed credentials and the like.
	Fatal
)

func (c Class) String() string {
	switch c {
	case Success:
		return "success"
	case Ineligible:
		return "ineligible"
	case Transient:
		return "transient"
	case Fatal:
		return "fatal"
	}
	return "unknown"
}

// Outcome is the tagged result of one stage attempt.
type Outcome struct {
	Class  Class
	Reason string
	Link   string
}

func Succeed(link string) Outcome { return Outcome{Class: Success, Link: link} }

func Ineligiblef(format string, args ...any) Outcome {
	return Outcome{Class: Ineligible, Reason: fmt.Sprintf(format, args...)}
}

func Transientf(format string, args ...any) Outcome {
	return Outcome{Class: Transient, Reason: fmt.Sprintf(format, args...)}
}

func Fatalf(format string, args ...any) Outcome {
	return Outcome{Class: Fatal, Reason: fmt.Sprintf(format, args...)}
}

// Resources are the pool assignments for one attempt. Proxy is always
// set; Card only for bind_and_subscribe.
type Resources struct {
	Proxy *models.Proxy
	Card  *models.Card
}

type Executor interface {
	Execute(ctx context.Context, account models.Account, res Resources) Outcome
}

type ExecutorFunc func(ctx context.Context, account models.Account, res Resources) Outcome

func (f ExecutorFunc) Execute(ctx context.Context, account models.Account, res Resources) Outcome {
	return f(ctx, account, res)
}

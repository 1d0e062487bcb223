// Package policy decides how the console reacts to unauthorized responses.
//
// The session is only torn down once the same logical operation has been
// rejected repeatedly. The caller owns the retry counter through an
// Operation; the policy itself keeps no state between calls.
package policy

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/ashureev/hacienda-console/internal/domain"
)

// TeardownThreshold is the retry count at which the session is destroyed.
const TeardownThreshold = 2

// Action is the escalation tier chosen for a response.
type Action int

const (
	// ActionNone applies to any status other than 401.
	ActionNone Action = iota
	// ActionRecord logs a first unauthorized response.
	ActionRecord
	// ActionWarn logs a second one and recommends a manual logout.
	ActionWarn
	// ActionTeardown clears the realm's durable session.
	ActionTeardown
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionRecord:
		return "record"
	case ActionWarn:
		return "warn"
	case ActionTeardown:
		return "teardown"
	default:
		return "unknown"
	}
}

// Decide maps (status, retryCount) to an action and whether the caller must
// redirect to the login surface. It has no side effects.
func Decide(status, retryCount int) (Action, bool) {
	if status != http.StatusUnauthorized {
		return ActionNone, false
	}
	switch {
	case retryCount >= TeardownThreshold:
		return ActionTeardown, true
	case retryCount == 1:
		return ActionWarn, false
	default:
		return ActionRecord, false
	}
}

// Tearer destroys a realm's persisted session.
type Tearer interface {
	Teardown(ctx context.Context) error
}

// Policy applies Decide for one realm.
type Policy struct {
	tearer Tearer
	logger *slog.Logger
}

// New returns the policy for d. tearer is normally the realm's session store.
func New(d domain.Domain, tearer Tearer, logger *slog.Logger) *Policy {
	if logger == nil {
		logger = slog.Default()
	}
	return &Policy{
		tearer: tearer,
		logger: logger.With("realm", string(d.Realm)),
	}
}

// Handle logs at the severity of the tier and, at the teardown tier, clears
// the session. It returns true when the caller must redirect to login.
func (p *Policy) Handle(ctx context.Context, status, retryCount int) bool {
	action, redirect := Decide(status, retryCount)
	switch action {
	case ActionNone:
		return false
	case ActionRecord:
		p.logger.Info("Unauthorized response, token may be expired", "attempt", retryCount+1)
	case ActionWarn:
		p.logger.Warn("Repeated unauthorized response, manual logout recommended", "attempt", retryCount+1)
	case ActionTeardown:
		p.logger.Error("Persistent unauthorized responses, forcing logout", "attempt", retryCount+1)
		if err := p.tearer.Teardown(ctx); err != nil {
			p.logger.Error("Failed to tear down session", "error", err)
		}
	}
	return redirect
}

// Operation is the retry counter of one logical user action (for example a
// single dashboard refresh). Start a new Operation for each fresh action.
// Once an Operation has triggered a teardown it keeps reporting a redirect.
type Operation struct {
	mu      sync.Mutex
	retries int
	torn    bool
}

// NewOperation returns an Operation starting at retry count zero.
func NewOperation() *Operation {
	return &Operation{}
}

// ResumeOperation returns an Operation whose counter starts at retries,
// for callers that carry the counter across process boundaries.
func ResumeOperation(retries int) *Operation {
	if retries < 0 {
		retries = 0
	}
	return &Operation{retries: retries}
}

// RetryCount returns the number of unauthorized responses observed so far.
func (o *Operation) RetryCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.retries
}

// Observe feeds a response status through p using the operation's counter,
// advancing the counter on 401. It returns true when the caller must
// redirect to login.
func (o *Operation) Observe(ctx context.Context, p *Policy, status int) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if status != http.StatusUnauthorized {
		return o.torn
	}
	if p.Handle(ctx, status, o.retries) {
		o.torn = true
	}
	o.retries++
	return o.torn
}

// Reset starts the operation over.
func (o *Operation) Reset() {
	o.mu.Lock()
	o.retries = 0
	o.torn = false
	o.mu.Unlock()
}

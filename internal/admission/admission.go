// Package admission decides whether a caller may start a turn.
package admission

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/suPer8Hu/turn-gateway/internal/apperr"
	"github.com/suPer8Hu/turn-gateway/internal/auth"
	"github.com/suPer8Hu/turn-gateway/internal/ratelimit"
)

type Tier string

const (
	TierGuest   Tier = "guest"
	TierRegular Tier = "regular"
	TierBYOK    Tier = "byok"
)

// Entitlement is the quota of one tier.
type Entitlement struct {
	MaxMessagesPerDay    int
	MaxMessagesPerMinute int
}

// MessageCounter counts user-authored messages of a user since a point in time.
type MessageCounter interface {
	CountUserMessagesSince(ctx context.Context, userID string, since time.Time) (int64, error)
}

// CredentialChecker reports whether a user has stored their own upstream key.
type CredentialChecker interface {
	Has(ctx context.Context, userID string) (bool, error)
}

// Decision is the outcome of a successful admission.
type Decision struct {
	Tier        Tier
	Entitlement Entitlement
	Remaining   int
}

type Controller struct {
	counter      MessageCounter
	creds        CredentialChecker
	entitlements map[Tier]Entitlement
	limiters     map[Tier]ratelimit.Limiter
	now          func() time.Time

	// OnDenied observes every rejection; used for metrics.
	OnDenied func(tier Tier, reason string)
}

// NewController builds a controller. limiters must hold one per-minute limiter
// per tier, configured with that tier's MaxMessagesPerMinute.
func NewController(counter MessageCounter, creds CredentialChecker, entitlements map[Tier]Entitlement, limiters map[Tier]ratelimit.Limiter) *Controller {
	return &Controller{
		counter:      counter,
		creds:        creds,
		entitlements: entitlements,
		limiters:     limiters,
		now:          time.Now,
	}
}

// TierOf resolves the tier of an identity.
func (c *Controller) TierOf(ctx context.Context, id auth.Identity) (Tier, error) {
	if id.Type == auth.Guest {
		return TierGuest, nil
	}
	if c.creds != nil {
		ok, err := c.creds.Has(ctx, id.UserID)
		if err != nil {
			return "", apperr.Wrap(apperr.Offline, err, "load credentials")
		}
		if ok {
			return TierBYOK, nil
		}
	}
	return TierRegular, nil
}

// Admit checks the daily cap first, then the per-minute sliding window.
// A request rejected by the daily cap never touches the minute window.
func (c *Controller) Admit(ctx context.Context, id auth.Identity) (Decision, error) {
	if id.UserID == "" {
		return Decision{}, apperr.New(apperr.Unauthorized, "sign in to continue")
	}

	tier, err := c.TierOf(ctx, id)
	if err != nil {
		return Decision{}, err
	}
	ent, ok := c.entitlements[tier]
	if !ok {
		return Decision{}, apperr.New(apperr.Offline, fmt.Sprintf("no entitlement for tier %s", tier))
	}
	d := Decision{Tier: tier, Entitlement: ent}

	count, err := c.counter.CountUserMessagesSince(ctx, id.UserID, c.now().Add(-24*time.Hour))
	if err != nil {
		return Decision{}, apperr.Wrap(apperr.Offline, err, "count messages")
	}
	if count >= int64(ent.MaxMessagesPerDay) {
		c.denied(tier, apperr.ReasonDaily)
		return Decision{}, apperr.New(apperr.RateLimit, "you have reached your daily message limit").
			WithReason(apperr.ReasonDaily)
	}

	limiter, ok := c.limiters[tier]
	if !ok {
		return Decision{}, apperr.New(apperr.Offline, fmt.Sprintf("no rate limiter for tier %s", tier))
	}
	res, err := limiter.Check(ctx, ratelimit.CompositeKey("minute", string(tier), id.UserID))
	if err != nil {
		return Decision{}, apperr.Wrap(apperr.Offline, err, "rate limit")
	}
	if !res.Allowed {
		c.denied(tier, apperr.ReasonPerMinute)
		return Decision{}, apperr.New(apperr.RateLimit,
			fmt.Sprintf("Rate limit exceeded, try again in %d seconds", int(math.Ceil(res.ResetIn.Seconds())))).
			WithReason(apperr.ReasonPerMinute)
	}
	d.Remaining = res.Remaining
	return d, nil
}

func (c *Controller) denied(tier Tier, reason string) {
	if c.OnDenied != nil {
		c.OnDenied(tier, reason)
	}
}

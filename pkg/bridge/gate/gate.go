// Package gate decides whether a tenant may open a voice session.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/stripe/stripe-go/v84"
)

// ErrNoSubscription is returned when a tenant has no usable subscription.
var ErrNoSubscription = errors.New("no active subscription")

// Tenant identifies the billing owner of an assistant.
type Tenant struct {
	ID               string
	StripeCustomerID string
}

// Gate is consulted once per session, before the client is upgraded.
type Gate interface {
	Check(ctx context.Context, t Tenant) error
}

// AllowAll admits every tenant.
type AllowAll struct{}

func (AllowAll) Check(context.Context, Tenant) error { return nil }

// StatusLister returns the statuses of a customer's subscriptions.
type StatusLister func(ctx context.Context, customerID string) ([]stripe.SubscriptionStatus, error)

const defaultCacheTTL = 5 * time.Minute

type StripeConfig struct {
	SecretKey string
	// Backends overrides the Stripe API endpoint.
	Backends *stripe.Backends
	// CacheTTL bounds how long an admitted tenant skips the API; 5 m when
	// zero. Rejections are never cached.
	CacheTTL time.Duration
	Logger   *slog.Logger
	Now      func() time.Time
}

// StripeGate admits tenants whose Stripe customer has an active or trialing
// subscription.
type StripeGate struct {
	list StatusLister
	ttl  time.Duration
	log  *slog.Logger
	now  func() time.Time

	mu      sync.Mutex
	granted map[string]time.Time
}

// NewStripe builds a gate backed by the Stripe subscriptions API.
func NewStripe(cfg StripeConfig) (*StripeGate, error) {
	key := strings.TrimSpace(cfg.SecretKey)
	if key == "" {
		return nil, fmt.Errorf("stripe secret key is required")
	}
	var opts []stripe.ClientOption
	if cfg.Backends != nil {
		opts = append(opts, stripe.WithBackends(cfg.Backends))
	}
	sc := stripe.NewClient(key, opts...)
	list := func(ctx context.Context, customerID string) ([]stripe.SubscriptionStatus, error) {
		params := &stripe.SubscriptionListParams{
			Customer: stripe.String(customerID),
			Status:   stripe.String("all"),
		}
		params.Limit = stripe.Int64(20)
		var out []stripe.SubscriptionStatus
		for sub, err := range sc.V1Subscriptions.List(ctx, params) {
			if err != nil {
				return nil, err
			}
			out = append(out, sub.Status)
		}
		return out, nil
	}
	return newStripeGate(list, cfg), nil
}

func newStripeGate(list StatusLister, cfg StripeConfig) *StripeGate {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &StripeGate{
		list:    list,
		ttl:     cfg.CacheTTL,
		log:     cfg.Logger,
		now:     cfg.Now,
		granted: make(map[string]time.Time),
	}
}

func (g *StripeGate) Check(ctx context.Context, t Tenant) error {
	customer := strings.TrimSpace(t.StripeCustomerID)
	if customer == "" {
		return fmt.Errorf("tenant %q: %w", t.ID, ErrNoSubscription)
	}

	now := g.now()
	g.mu.Lock()
	until, ok := g.granted[customer]
	g.mu.Unlock()
	if ok && now.Before(until) {
		return nil
	}

	statuses, err := g.list(ctx, customer)
	if err != nil {
		g.log.Warn("subscription lookup failed", "tenant_id", t.ID, "error", err)
		return fmt.Errorf("subscription lookup: %w", err)
	}
	for _, st := range statuses {
		if st == stripe.SubscriptionStatusActive || st == stripe.SubscriptionStatusTrialing {
			g.mu.Lock()
			g.granted[customer] = now.Add(g.ttl)
			g.mu.Unlock()
			return nil
		}
	}
	g.mu.Lock()
	delete(g.granted, customer)
	g.mu.Unlock()
	return fmt.Errorf("tenant %q: %w", t.ID, ErrNoSubscription)
}

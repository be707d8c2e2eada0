// Package budget meters provider spend against a daily token budget backed
// by the call ledger. Spend is derived from ledger rows rather than a
// counter, so concurrent writers and restarts cannot lose or double-count
// usage.
package budget

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/signalbrief/briefd/internal/store"
)

// Ledger is the slice of the store the gateway needs.
type Ledger interface {
	SpentSince(ctx context.Context, since time.Time) (int64, float64, error)
	SectionSpentSince(ctx context.Context, section string, since time.Time) (int64, error)
	RecordCall(ctx context.Context, e store.LedgerEntry) (int64, error)
}

// Config defines the daily budget and its per-section split.
type Config struct {
	DailyTokens      int64
	DailyCostUSD     float64
	SectionFractions map[string]float64
}

// Validate ensures the budget values are sane before use.
func (c Config) Validate() error {
	if c.DailyTokens < 0 {
		return fmt.Errorf("daily_tokens cannot be negative")
	}
	for section, frac := range c.SectionFractions {
		if frac < 0 || frac > 1 {
			return fmt.Errorf("section fraction for %q out of range: %v", section, frac)
		}
	}
	return nil
}

const (
	// DefaultDailyTokens is the budget applied when none is configured.
	DefaultDailyTokens = 100_000

	// DefaultRequestTokens caps a call that does not name its own max.
	DefaultRequestTokens = 2000

	// MinGrantTokens is the floor for a grant: even a nearly exhausted
	// budget yields a small usable allowance rather than a useless one.
	MinGrantTokens = 100

	// DefaultSectionFraction is the budget share of a section with no
	// configured fraction.
	DefaultSectionFraction = 0.1
)

// Grant is an authorization to spend up to MaxTokens on one call.
type Grant struct {
	Section     string
	MaxTokens   int64
	Remaining   int64
	Degradation int
}

// Gateway authorizes provider calls against the ledger-backed daily budget.
type Gateway struct {
	ledger Ledger
	now    func() time.Time

	mu  sync.RWMutex
	cfg Config

	tokensSettled otelmetric.Int64Counter
	callsDenied   otelmetric.Int64Counter
}

// NewGateway builds a gateway over the given ledger.
func NewGateway(ledger Ledger, cfg Config) (*Gateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.DailyTokens == 0 {
		cfg.DailyTokens = DefaultDailyTokens
	}
	return &Gateway{ledger: ledger, cfg: cfg, now: time.Now}, nil
}

// InstrumentWith registers the gateway's counters on meter. Safe to skip;
// an uninstrumented gateway records nothing.
func (g *Gateway) InstrumentWith(meter otelmetric.Meter) error {
	settled, err := meter.Int64Counter("briefd.budget.tokens_settled",
		otelmetric.WithDescription("Tokens recorded against the daily budget."))
	if err != nil {
		return err
	}
	denied, err := meter.Int64Counter("briefd.budget.calls_denied",
		otelmetric.WithDescription("Provider calls denied because a budget was exhausted."))
	if err != nil {
		return err
	}
	g.tokensSettled = settled
	g.callsDenied = denied
	return nil
}

// Reconfigure swaps the section fractions at runtime. The daily ceiling and
// cost cap are operator settings and stay as constructed.
func (g *Gateway) Reconfigure(fractions map[string]float64) error {
	for section, frac := range fractions {
		if frac < 0 || frac > 1 {
			return fmt.Errorf("section fraction for %q out of range: %v", section, frac)
		}
	}
	g.mu.Lock()
	g.cfg.SectionFractions = fractions
	g.mu.Unlock()
	return nil
}

// config returns a snapshot of the current configuration.
func (g *Gateway) config() Config {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.cfg
}

// dayStart is the UTC midnight opening the current budget window.
func (g *Gateway) dayStart() time.Time {
	now := g.now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

// Remaining returns tokens left in today's budget. Never negative.
func (g *Gateway) Remaining(ctx context.Context) (int64, error) {
	cfg := g.config()
	spent, _, err := g.ledger.SpentSince(ctx, g.dayStart())
	if err != nil {
		return 0, fmt.Errorf("budget spend lookup: %w", err)
	}
	remaining := cfg.DailyTokens - spent
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// sectionBudget is section's slice of the daily budget. Sections without a
// configured fraction get DefaultSectionFraction.
func (g *Gateway) sectionBudget(cfg Config, section string) int64 {
	frac, ok := cfg.SectionFractions[section]
	if !ok {
		frac = DefaultSectionFraction
	}
	return int64(frac * float64(cfg.DailyTokens))
}

// Authorize grants up to requestedMax tokens for a call attributed to
// section. The grant never exceeds what remains of the day's budget or the
// section's slice of it, and a nearly drained budget still yields
// MinGrantTokens so the caller can emit a minimal result. A fully spent
// daily or section budget is an error. The grant's degradation level is
// scoped to the section: it reflects section remaining over section budget.
func (g *Gateway) Authorize(ctx context.Context, section string, requestedMax int64) (Grant, error) {
	cfg := g.config()
	since := g.dayStart()
	spent, _, err := g.ledger.SpentSince(ctx, since)
	if err != nil {
		return Grant{}, fmt.Errorf("budget spend lookup: %w", err)
	}
	remaining := cfg.DailyTokens - spent
	if remaining <= 0 {
		g.countDenied(ctx, section)
		return Grant{}, ErrExhausted{Spent: spent, Limit: cfg.DailyTokens}
	}

	sectionLimit := g.sectionBudget(cfg, section)
	sectionSpent, err := g.ledger.SectionSpentSince(ctx, section, since)
	if err != nil {
		return Grant{}, fmt.Errorf("section spend lookup: %w", err)
	}
	sectionRemaining := sectionLimit - sectionSpent
	if sectionRemaining <= 0 {
		g.countDenied(ctx, section)
		return Grant{}, ErrSectionExhausted{Section: section, Spent: sectionSpent, Limit: sectionLimit}
	}

	if requestedMax <= 0 {
		requestedMax = DefaultRequestTokens
	}
	ceiling := remaining
	if sectionRemaining < ceiling {
		ceiling = sectionRemaining
	}
	if ceiling < MinGrantTokens {
		ceiling = MinGrantTokens
	}
	max := requestedMax
	if max > ceiling {
		max = ceiling
	}
	return Grant{
		Section:     section,
		MaxTokens:   max,
		Remaining:   sectionRemaining,
		Degradation: LevelFor(sectionRemaining, sectionLimit),
	}, nil
}

// Settle appends the actual usage of a call to the ledger. Failed calls
// that consumed tokens are settled too.
func (g *Gateway) Settle(ctx context.Context, e store.LedgerEntry) error {
	if _, err := g.ledger.RecordCall(ctx, e); err != nil {
		return fmt.Errorf("record call: %w", err)
	}
	if g.tokensSettled != nil {
		g.tokensSettled.Add(ctx, e.TotalTokens,
			otelmetric.WithAttributes(attribute.String("section", e.Section), attribute.String("purpose", e.Purpose)))
	}
	return nil
}

// Level returns the current degradation level from remaining daily budget.
func (g *Gateway) Level(ctx context.Context) (int, error) {
	remaining, err := g.Remaining(ctx)
	if err != nil {
		return 0, err
	}
	return LevelFor(remaining, g.config().DailyTokens), nil
}

// SectionLevel returns the degradation level for one section: remaining
// section budget over the section's slice of the daily budget, so a drained
// market section degrades alone while ai_news still runs at full service.
func (g *Gateway) SectionLevel(ctx context.Context, section string) (int, error) {
	cfg := g.config()
	sectionLimit := g.sectionBudget(cfg, section)
	sectionSpent, err := g.ledger.SectionSpentSince(ctx, section, g.dayStart())
	if err != nil {
		return 0, fmt.Errorf("section spend lookup: %w", err)
	}
	remaining := sectionLimit - sectionSpent
	if remaining < 0 {
		remaining = 0
	}
	return LevelFor(remaining, sectionLimit), nil
}

func (g *Gateway) countDenied(ctx context.Context, section string) {
	if g.callsDenied != nil {
		g.callsDenied.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("section", section)))
	}
}

// LevelFor maps the remaining budget fraction to a degradation level:
// 0 full service, 4 extractive-only.
func LevelFor(remaining, budget int64) int {
	if budget <= 0 {
		return 4
	}
	frac := float64(remaining) / float64(budget)
	switch {
	case frac > 0.60:
		return 0
	case frac > 0.30:
		return 1
	case frac > 0.15:
		return 2
	case frac > 0.05:
		return 3
	default:
		return 4
	}
}

// SynthesisTokensForLevel returns the per-section completion cap at a
// degradation level. Level 4 gets 0: sections go extractive, no calls.
func SynthesisTokensForLevel(level int) int64 {
	switch level {
	case 0:
		return 400
	case 1:
		return 250
	case 2:
		return 150
	case 3:
		return 80
	default:
		return 0
	}
}

// MaxClustersForLevel returns how many ranked clusters a section includes
// at a degradation level.
func MaxClustersForLevel(level int) int {
	switch level {
	case 0:
		return 10
	case 1:
		return 8
	case 2:
		return 6
	case 3:
		return 3
	default:
		return 5
	}
}

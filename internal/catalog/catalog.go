// Package catalog holds the fixed list of purchasable plans. Plans are defined
// at build time and are never persisted; the price identifier doubles as the
// foreign key into Stripe.
package catalog

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Mode mirrors the Stripe Checkout mode a plan is sold with.
type Mode string

const (
	ModeSubscription Mode = "subscription"
	ModePayment      Mode = "payment"
)

// Interval is the billing interval of a recurring plan.
type Interval string

const (
	IntervalMonth Interval = "month"
	IntervalYear  Interval = "year"
)

// Tier groups the monthly and yearly variants of the same offering.
type Tier string

const (
	TierPersonal     Tier = "personal"
	TierPersonalPlus Tier = "personal_plus"
)

var coreFeatures = []string{
	"Core learning tools",
	"Flashcards & study materials",
	"Progress tracking",
}

var plusFeatures = []string{
	"Advanced features",
	"Extra mini-games",
	"Premium study tools",
}

// Plan is a purchasable tier/interval combination.
type Plan struct {
	PriceID     string          `json:"price_id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Price       decimal.Decimal `json:"price"`
	Currency    string          `json:"currency"`
	Mode        Mode            `json:"mode"`
	Interval    Interval        `json:"interval"`
	Tier        Tier            `json:"tier"`
}

// IsYearly reports whether the plan is billed annually.
func (p Plan) IsYearly() bool {
	return p.Interval == IntervalYear
}

// IsPersonalPlus reports whether the plan unlocks the Personal+ extras.
func (p Plan) IsPersonalPlus() bool {
	return p.Tier == TierPersonalPlus
}

// ShortName is the tier label shown on pricing cards.
func (p Plan) ShortName() string {
	if p.IsPersonalPlus() {
		return "Personal+"
	}
	return "Personal"
}

// Features lists what the plan includes, core features first.
func (p Plan) Features() []string {
	features := append([]string(nil), coreFeatures...)
	if p.IsPersonalPlus() {
		features = append(features, plusFeatures...)
	}
	return features
}

// Catalog is an immutable, ordered list of plans.
type Catalog struct {
	plans []Plan
}

// ErrDuplicatePriceID is returned by Validate when two plans share an identifier.
var ErrDuplicatePriceID = errors.New("catalog: duplicate price id")

// New builds a catalog from the given plans. The slice is copied.
func New(plans ...Plan) *Catalog {
	return &Catalog{plans: append([]Plan(nil), plans...)}
}

// Default returns the production catalog: two plans in two billing intervals.
func Default() *Catalog {
	return New(
		Plan{
			PriceID:     "price_1SIevcHw9Rfrc8Pb6ZhYBByT",
			Name:        "ADA Education Personal Plan (Yearly)",
			Description: "Save with annual billing. Get a full year of ADA's core learning tools, flashcards, and progress tracking at a discounted rate.",
			Price:       decimal.RequireFromString("59.99"),
			Currency:    "usd",
			Mode:        ModeSubscription,
			Interval:    IntervalYear,
			Tier:        TierPersonal,
		},
		Plan{
			PriceID:     "price_1SIev3Hw9Rfrc8Pby8tJWGfe",
			Name:        "ADA Education Personal Plan (Monthly)",
			Description: "Access ADA's learning tools with a flat monthly rate. Includes core study features, flashcards, and progress tracking.",
			Price:       decimal.RequireFromString("5.99"),
			Currency:    "usd",
			Mode:        ModeSubscription,
			Interval:    IntervalMonth,
			Tier:        TierPersonal,
		},
		Plan{
			PriceID:     "price_1SIeuDHw9Rfrc8PbHCQgeuJ2",
			Name:        "ADA Education Personal+ Plan (Yearly)",
			Description: "Best value. Enjoy years of ADA Personal+ premium learning features, advanced tools, and extra mini-games at a reduced annual price.",
			Price:       decimal.RequireFromString("99.99"),
			Currency:    "usd",
			Mode:        ModeSubscription,
			Interval:    IntervalYear,
			Tier:        TierPersonalPlus,
		},
		Plan{
			PriceID:     "price_1S37LuHw9Rfrc8PbrwuDrUyJ",
			Name:        "ADA Education Personal+ Plan (Monthly)",
			Description: "Unlock everything ADA offers with Personal+. Includes advanced features, extra mini-games, and premium study tools. Billed monthly.",
			Price:       decimal.RequireFromString("9.99"),
			Currency:    "usd",
			Mode:        ModeSubscription,
			Interval:    IntervalMonth,
			Tier:        TierPersonalPlus,
		},
	)
}

// Plans returns a copy of every plan in catalog order.
func (c *Catalog) Plans() []Plan {
	return append([]Plan(nil), c.plans...)
}

// Len returns the number of plans.
func (c *Catalog) Len() int {
	return len(c.plans)
}

// Find returns the plan with the given price identifier.
func (c *Catalog) Find(priceID string) (Plan, bool) {
	for _, p := range c.plans {
		if p.PriceID == priceID {
			return p, true
		}
	}
	return Plan{}, false
}

// Filter returns the plans whose display name contains substr, in catalog order.
func (c *Catalog) Filter(substr string) []Plan {
	var out []Plan
	for _, p := range c.plans {
		if strings.Contains(p.Name, substr) {
			out = append(out, p)
		}
	}
	return out
}

// Yearly returns the annually billed plans.
func (c *Catalog) Yearly() []Plan {
	return c.byInterval(IntervalYear)
}

// Monthly returns the monthly billed plans.
func (c *Catalog) Monthly() []Plan {
	return c.byInterval(IntervalMonth)
}

func (c *Catalog) byInterval(interval Interval) []Plan {
	var out []Plan
	for _, p := range c.plans {
		if p.Interval == interval {
			out = append(out, p)
		}
	}
	return out
}

// IsPopular reports whether the plan is highlighted as the recommended choice.
func (c *Catalog) IsPopular(p Plan) bool {
	return p.IsYearly() && p.IsPersonalPlus()
}

// AnnualSavings returns how much a yearly plan saves over twelve months of the
// same tier's monthly plan, rounded to whole currency units. ok is false for
// monthly plans or when no monthly counterpart exists.
func (c *Catalog) AnnualSavings(p Plan) (decimal.Decimal, bool) {
	if !p.IsYearly() {
		return decimal.Zero, false
	}
	for _, m := range c.plans {
		if m.Tier == p.Tier && m.Interval == IntervalMonth && m.Currency == p.Currency {
			savings := m.Price.Mul(decimal.NewFromInt(12)).Sub(p.Price).Round(0)
			if savings.IsNegative() {
				return decimal.Zero, false
			}
			return savings, true
		}
	}
	return decimal.Zero, false
}

// Validate checks that every price identifier is unique and non-empty.
func (c *Catalog) Validate() error {
	seen := make(map[string]struct{}, len(c.plans))
	for _, p := range c.plans {
		if p.PriceID == "" {
			return fmt.Errorf("catalog: plan %q has no price id", p.Name)
		}
		if _, ok := seen[p.PriceID]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicatePriceID, p.PriceID)
		}
		seen[p.PriceID] = struct{}{}
	}
	return nil
}

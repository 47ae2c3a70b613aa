package billing

import (
	"fmt"
	"sort"
	"strings"
)

// Plan identifies a subscription tier.
type Plan string

const (
	PlanBasic      Plan = "basic"
	PlanPro        Plan = "pro"
	PlanEnterprise Plan = "enterprise"
)

var planRank = map[Plan]int{
	PlanBasic:      1,
	PlanPro:        2,
	PlanEnterprise: 3,
}

// ParsePlan normalizes s into a known Plan.
func ParsePlan(s string) (Plan, error) {
	p := Plan(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := planRank[p]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownPlan, s)
	}
	return p, nil
}

// Rank orders plans basic < pro < enterprise. Unknown plans rank 0.
func (p Plan) Rank() int {
	return planRank[p]
}

// Catalog maps plans to provider price ids. It is immutable after construction.
type Catalog struct {
	prices map[Plan]string
	plans  map[string]Plan
}

// NewCatalog builds a catalog from plan -> price id. Plans with an empty price id are
// left out; unknown plans and prices shared by two plans are rejected.
func NewCatalog(prices map[Plan]string) (*Catalog, error) {
	c := &Catalog{
		prices: make(map[Plan]string, len(prices)),
		plans:  make(map[string]Plan, len(prices)),
	}
	for plan, priceID := range prices {
		if _, ok := planRank[plan]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownPlan, plan)
		}
		priceID = strings.TrimSpace(priceID)
		if priceID == "" {
			continue
		}
		if other, dup := c.plans[priceID]; dup {
			return nil, fmt.Errorf("price %q mapped to both %q and %q", priceID, other, plan)
		}
		c.prices[plan] = priceID
		c.plans[priceID] = plan
	}
	if len(c.prices) == 0 {
		return nil, fmt.Errorf("catalog has no priced plans")
	}
	return c, nil
}

// PriceID returns the provider price id for plan.
func (c *Catalog) PriceID(plan Plan) (string, error) {
	priceID, ok := c.prices[plan]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownPlan, plan)
	}
	return priceID, nil
}

// Lookup parses a raw plan identifier and resolves its price id.
func (c *Catalog) Lookup(raw string) (Plan, string, error) {
	plan, err := ParsePlan(raw)
	if err != nil {
		return "", "", err
	}
	priceID, err := c.PriceID(plan)
	if err != nil {
		return "", "", err
	}
	return plan, priceID, nil
}

// PlanForPrice is the reverse lookup of PriceID.
func (c *Catalog) PlanForPrice(priceID string) (Plan, bool) {
	plan, ok := c.plans[priceID]
	return plan, ok
}

// Plans lists the configured plans ordered by rank.
func (c *Catalog) Plans() []Plan {
	out := make([]Plan, 0, len(c.prices))
	for plan := range c.prices {
		out = append(out, plan)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Rank() < out[j].Rank() })
	return out
}

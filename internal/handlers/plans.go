package handlers

import (
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/PortNumber53/ada-education/backend/internal/catalog"
)

// PlanView is a catalog plan as presented on the pricing page.
type PlanView struct {
	PriceID     string           `json:"price_id"`
	Name        string           `json:"name"`
	ShortName   string           `json:"short_name"`
	Description string           `json:"description"`
	Price       decimal.Decimal  `json:"price"`
	Currency    string           `json:"currency"`
	Interval    catalog.Interval `json:"interval"`
	Popular     bool             `json:"popular"`
	Savings     *decimal.Decimal `json:"savings,omitempty"`
	Features    []string         `json:"features"`
}

// PlansResponse groups the catalog by billing interval.
type PlansResponse struct {
	Yearly  []PlanView `json:"yearly"`
	Monthly []PlanView `json:"monthly"`
}

// Plans lists the catalog grouped into yearly and monthly plans.
func Plans(cat *catalog.Catalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := PlansResponse{
			Yearly:  planViews(cat, cat.Yearly()),
			Monthly: planViews(cat, cat.Monthly()),
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func planViews(cat *catalog.Catalog, plans []catalog.Plan) []PlanView {
	views := make([]PlanView, 0, len(plans))
	for _, p := range plans {
		v := PlanView{
			PriceID:     p.PriceID,
			Name:        p.Name,
			ShortName:   p.ShortName(),
			Description: p.Description,
			Price:       p.Price,
			Currency:    p.Currency,
			Interval:    p.Interval,
			Popular:     cat.IsPopular(p),
			Features:    p.Features(),
		}
		if savings, ok := cat.AnnualSavings(p); ok {
			v.Savings = &savings
		}
		views = append(views, v)
	}
	return views
}

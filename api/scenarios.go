/*
scenarios.go - Demo scenario loaders for demonstrations and manual testing

PURPOSE:

	Populates the ledger with realistic data through the same services the
	API uses, so every demo row went through the real invariants. Each load
	works on freshly named entities ("DEMO-xxxxxx"), so loading twice never
	collides with earlier data and nothing has to be reset.

AVAILABLE SCENARIOS:

	fefo-dispatch:        Three lots (expired, near expiry, undated) and an order
	audit-variance:       A submitted audit with a SHORT and an EXCESS line
	retailer-collections: Invoices and collections in every payment mode

USAGE VIA API:

	GET  /api/scenarios
	POST /api/scenarios/load
	{"scenario_id": "audit-variance"}

NOTE:

	Routes are mounted only when RouterOptions.Scenarios is set
	(server.demo_scenarios in config).

SEE ALSO:
  - server.go: route mounting
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/stock-ledger/audit"
	"github.com/warp/stock-ledger/generic"
	"github.com/warp/stock-ledger/inventory"
	"github.com/warp/stock-ledger/money"
)

// ScenarioDTO describes one loadable scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

// ScenarioResult names what a load created.
type ScenarioResult struct {
	Scenario   string            `json:"scenario"`
	Entity     generic.EntityRef `json:"entity,omitempty"`
	RetailerID string            `json:"retailer_id,omitempty"`
	AuditID    string            `json:"audit_id,omitempty"`
	OrderID    string            `json:"order_id,omitempty"`
}

var scenarios = []ScenarioDTO{
	{
		ID:          "fefo-dispatch",
		Name:        "FEFO Dispatch",
		Description: "Warehouse with an expired, a near-expiry and an undated lot; one order dispatched",
		Category:    "stock",
	},
	{
		ID:          "audit-variance",
		Name:        "Audit Variance",
		Description: "Distributor audit counted short on one lot and over on another, waiting for approval",
		Category:    "audit",
	},
	{
		ID:          "retailer-collections",
		Name:        "Retailer Collections",
		Description: "Two invoices, cash/UPI/cheque collections and the incentive points they earned",
		Category:    "money",
	},
}

type scenarioLoader func(ctx context.Context, actor generic.Actor, suffix string) (ScenarioResult, error)

func (h *Handler) loaders() map[string]scenarioLoader {
	return map[string]scenarioLoader{
		"fefo-dispatch":        h.loadFEFODispatch,
		"audit-variance":       h.loadAuditVariance,
		"retailer-collections": h.loadRetailerCollections,
	}
}

// ListScenarios handles GET /api/scenarios
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// LoadScenario handles POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScenarioID string `json:"scenario_id"`
	}
	if !decode(w, r, &req) {
		return
	}
	load, ok := h.loaders()[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	suffix := strings.ToUpper(uuid.NewString()[:6])
	res, err := load(r.Context(), actorFrom(r), suffix)
	if err != nil {
		h.fail(w, r, fmt.Errorf("scenario %s: %w", req.ScenarioID, err))
		return
	}
	res.Scenario = req.ScenarioID
	h.requestLog(r).WithField("scenario", req.ScenarioID).Info("demo scenario loaded")
	writeJSON(w, http.StatusCreated, res)
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadFEFODispatch(ctx context.Context, actor generic.Actor, suffix string) (ScenarioResult, error) {
	entity := generic.Warehouse("DEMO-" + suffix)
	today := generic.DayOf(h.now())

	lots := []inventory.ReceiveInput{
		{ProductID: "SKU-TEA-250", ProductName: "Tea 250g", BatchCode: "T-OLD", ExpiryDate: generic.DayPtr(today.AddDays(-3)), Quantity: 12},
		{ProductID: "SKU-TEA-250", ProductName: "Tea 250g", BatchCode: "T-SOON", ExpiryDate: generic.DayPtr(today.AddDays(20)), Quantity: 40},
		{ProductID: "SKU-TEA-250", ProductName: "Tea 250g", BatchCode: "T-NODATE", Quantity: 60},
		{ProductID: "SKU-SUGAR-1K", ProductName: "Sugar 1kg", BatchCode: "S-01", ExpiryDate: generic.DayPtr(today.AddMonths(6)), Quantity: 100},
	}
	for _, in := range lots {
		in.Actor, in.Entity = actor, entity
		if _, err := h.stock.Receive(ctx, in); err != nil {
			return ScenarioResult{}, err
		}
	}

	// The expired lot must be written off before an order can go out.
	expired, err := h.stock.ResolveBatch(ctx, entity, "SKU-TEA-250", "T-OLD")
	if err != nil {
		return ScenarioResult{}, err
	}
	if _, err := h.stock.Adjust(ctx, inventory.AdjustInput{
		Actor: actor, BatchID: expired.ID, Delta: -expired.QuantityOnHand, Reason: "expired write-off",
	}); err != nil {
		return ScenarioResult{}, err
	}

	orderID := "ORD-" + suffix
	if _, err := h.stock.DispatchOrder(ctx, inventory.DispatchInput{
		Actor:   actor,
		OrderID: orderID,
		Entity:  entity,
		Lines: []inventory.DispatchLine{
			{ProductID: "SKU-TEA-250", Quantity: 55},
			{ProductID: "SKU-SUGAR-1K", Quantity: 25},
		},
		BlockExpired: true,
	}); err != nil {
		return ScenarioResult{}, err
	}
	return ScenarioResult{Entity: entity, OrderID: orderID}, nil
}

func (h *Handler) loadAuditVariance(ctx context.Context, actor generic.Actor, suffix string) (ScenarioResult, error) {
	entity := generic.Distributor("DEMO-" + suffix)
	for _, in := range []inventory.ReceiveInput{
		{ProductID: "SKU-SOAP", ProductName: "Soap bar", BatchCode: "SP-1", Quantity: 100},
		{ProductID: "SKU-OIL-1L", ProductName: "Oil 1L", BatchCode: "OL-7", Quantity: 24},
		{ProductID: "SKU-RICE-5K", ProductName: "Rice 5kg", BatchCode: "RC-2", Quantity: 10},
	} {
		in.Actor, in.Entity = actor, entity
		if _, err := h.stock.Receive(ctx, in); err != nil {
			return ScenarioResult{}, err
		}
	}

	doc, _, err := h.audits.Ensure(ctx, audit.EnsureInput{Actor: actor, Entity: entity})
	if err != nil {
		return ScenarioResult{}, err
	}
	counted := map[string]audit.Count{
		"SKU-SOAP":    {PhysicalQty: 70, Reason: "damage", RootCause: "roof leak", Remarks: "carton soaked"},
		"SKU-OIL-1L":  {PhysicalQty: 26, Reason: "receiving error", Remarks: "extra units in last delivery"},
		"SKU-RICE-5K": {PhysicalQty: 10},
	}
	var counts []audit.Count
	for _, l := range doc.Lines {
		c := counted[l.ProductID]
		c.LineID = l.ID
		counts = append(counts, c)
	}
	if _, err := h.audits.RecordCounts(ctx, audit.RecordInput{Actor: actor, AuditID: doc.ID, Counts: counts}); err != nil {
		return ScenarioResult{}, err
	}
	if _, err := h.audits.Submit(ctx, actor, doc.ID); err != nil {
		return ScenarioResult{}, err
	}
	return ScenarioResult{Entity: entity, AuditID: doc.ID}, nil
}

func (h *Handler) loadRetailerCollections(ctx context.Context, actor generic.Actor, suffix string) (ScenarioResult, error) {
	retailer := "RET-" + suffix
	today := generic.DayOf(h.now())

	for i, amt := range []string{"12500.00", "4780.50"} {
		if _, err := h.money.RecordDebit(ctx, money.DebitInput{
			Actor:         actor,
			RetailerID:    retailer,
			DistributorID: "DEMO-DIST",
			Amount:        decimal.RequireFromString(amt),
			Reference:     fmt.Sprintf("INV-%s-%d", suffix, i+1),
			BusinessDate:  today.AddDays(-10 + i*3),
		}); err != nil {
			return ScenarioResult{}, err
		}
	}

	payments := []money.PaymentInput{
		{Amount: decimal.RequireFromString("5000"), Mode: money.ModeCash},
		{Amount: decimal.RequireFromString("3250.25"), Mode: money.ModeUPI, Reference: "UTR" + suffix},
		{Amount: decimal.RequireFromString("4000"), Mode: money.ModeCheque, Reference: "CHQ-" + suffix},
	}
	for i, p := range payments {
		p.Actor = actor
		p.RetailerID = retailer
		p.DistributorID = "DEMO-DIST"
		p.BusinessDate = today.AddDays(-2 + i)
		p.IdempotencyKey = fmt.Sprintf("demo-%s-%d", suffix, i)
		entry, _, err := h.money.RecordPayment(ctx, p)
		if err != nil {
			return ScenarioResult{}, err
		}
		h.earnFor(ctx, h.log, entry)
	}
	return ScenarioResult{RetailerID: retailer}, nil
}

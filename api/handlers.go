/*
handlers.go - HTTP API handlers for the stock ledger

PURPOSE:
  Exposes stock movements, audits, retailer money and incentives over REST.
  Handlers decode the request, build the domain input with the calling
  actor, delegate to the service and map the outcome to JSON.

ENDPOINTS:
  Stock:
    POST   /api/stock/receipts                                   Receive stock into a lot
    POST   /api/stock/adjustments                                Manual signed correction
    POST   /api/stock/allocations                                FEFO allocation
    POST   /api/orders/{orderID}/dispatch                        Dispatch a whole order
    GET    /api/stock/{entityType}/{entityID}/products/{productID}          Availability
    GET    /api/stock/{entityType}/{entityID}/products/{productID}/ledger   Ledger entries
    POST   /api/stock/{entityType}/{entityID}/products/{productID}/rebuild  Rebuild and verify snapshot

  Audits:
    POST   /api/audits                   Ensure the period's audit
    GET    /api/audits                   List audits
    GET    /api/audits/{id}              Audit document
    POST   /api/audits/{id}/counts       Record physical counts
    POST   /api/audits/{id}/lines        Add a line
    POST   /api/audits/{id}/submit       Submit
    POST   /api/audits/{id}/approve      Approve and post corrections

  Retailers:
    POST   /api/retailers/{id}/debits       Record a billed amount
    POST   /api/retailers/{id}/collections  Record a payment and earn its incentive
    GET    /api/retailers/{id}/balance      Outstanding
    GET    /api/retailers/{id}/statement    Statement with running balance

  Incentives:
    GET    /api/incentives/{actorID}         Balance and entries
    POST   /api/incentives/{actorID}/events  Earn for a business event

  Demo (opt-in, see scenarios.go):
    GET    /api/scenarios        List loadable scenarios
    POST   /api/scenarios/load   Load one

ACTOR:
  The gateway authenticates the caller and forwards X-Actor-ID and
  X-Actor-Role. Write routes reject requests without an actor.

ERROR HANDLING:
  Every domain error carries a stable code (generic.Code) which decides
  the HTTP status:
  - 400: malformed input (INVALID_*, REFERENCE_REQUIRED)
  - 404: NOT_FOUND
  - 409: state conflicts (INVALID_TRANSITION, AUDIT_IMMUTABLE, DUPLICATE_*,
         STOCK_CHANGED_RETRY)
  - 422: business rule refusals (INSUFFICIENT_STOCK, MISMATCH_REASON_REQUIRED, ...)
  - 503: UNIT_TIMEOUT
  - 500: INTERNAL

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/warp/stock-ledger/audit"
	"github.com/warp/stock-ledger/generic"
	"github.com/warp/stock-ledger/incentive"
	"github.com/warp/stock-ledger/inventory"
	"github.com/warp/stock-ledger/metrics"
	"github.com/warp/stock-ledger/money"
)

const (
	HeaderActorID        = "X-Actor-ID"
	HeaderActorRole      = "X-Actor-Role"
	HeaderIdempotencyKey = "Idempotency-Key"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Deps are the services behind the API.
type Deps struct {
	Stock      *inventory.Service
	Audits     *audit.Workflow
	Money      *money.Ledger
	Incentives *incentive.Ledger
	Rules      incentive.Rules
	Metrics    *metrics.Metrics
	Logger     logrus.FieldLogger
	Clock      generic.Clock

	// BlockExpired is the allocation default when a request does not say.
	BlockExpired bool
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	stock        *inventory.Service
	audits       *audit.Workflow
	money        *money.Ledger
	incentives   *incentive.Ledger
	rules        incentive.Rules
	metrics      *metrics.Metrics
	log          logrus.FieldLogger
	clock        generic.Clock
	blockExpired bool
}

func NewHandler(d Deps) *Handler {
	h := &Handler{
		stock:        d.Stock,
		audits:       d.Audits,
		money:        d.Money,
		incentives:   d.Incentives,
		rules:        d.Rules,
		metrics:      d.Metrics,
		log:          d.Logger,
		clock:        d.Clock,
		blockExpired: d.BlockExpired,
	}
	if h.rules == nil {
		h.rules = incentive.DefaultRules()
	}
	if h.metrics == nil {
		h.metrics = metrics.New(prometheus.NewRegistry())
	}
	if h.log == nil {
		h.log = logrus.StandardLogger()
	}
	return h
}

// Metrics returns the instruments the handler records into.
func (h *Handler) Metrics() *metrics.Metrics { return h.metrics }

func (h *Handler) now() time.Time { return h.clock.Now() }

// =============================================================================
// STOCK ENDPOINTS
// =============================================================================

// Receive handles POST /api/stock/receipts
func (h *Handler) Receive(w http.ResponseWriter, r *http.Request) {
	var req ReceiveRequest
	if !decode(w, r, &req) {
		return
	}
	entity, err := req.ref()
	if err != nil {
		h.fail(w, r, err)
		return
	}

	done := h.metrics.Start("receive")
	entry, err := h.stock.Receive(r.Context(), inventory.ReceiveInput{
		Actor:       actorFrom(r),
		Entity:      entity,
		ProductID:   req.ProductID,
		ProductName: req.ProductName,
		BatchCode:   req.BatchCode,
		MfgDate:     req.MfgDate,
		ExpiryDate:  req.ExpiryDate,
		Quantity:    req.Quantity,
		RefType:     req.RefType,
		RefID:       req.RefID,
	})
	done(err)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.moved(entry)
	writeJSON(w, http.StatusCreated, entry)
}

// Adjust handles POST /api/stock/adjustments
func (h *Handler) Adjust(w http.ResponseWriter, r *http.Request) {
	var req AdjustRequest
	if !decode(w, r, &req) {
		return
	}

	done := h.metrics.Start("adjust")
	entry, err := h.stock.Adjust(r.Context(), inventory.AdjustInput{
		Actor:   actorFrom(r),
		BatchID: req.BatchID,
		Delta:   req.Delta,
		Reason:  req.Reason,
	})
	done(err)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.moved(entry)
	writeJSON(w, http.StatusCreated, entry)
}

// Allocate handles POST /api/stock/allocations
func (h *Handler) Allocate(w http.ResponseWriter, r *http.Request) {
	var req AllocateRequest
	if !decode(w, r, &req) {
		return
	}
	entity, err := req.ref()
	if err != nil {
		h.fail(w, r, err)
		return
	}

	done := h.metrics.Start("allocate")
	alloc, err := h.stock.Allocate(r.Context(), inventory.AllocateInput{
		Actor:        actorFrom(r),
		Entity:       entity,
		ProductID:    req.ProductID,
		ProductName:  req.ProductName,
		Quantity:     req.Quantity,
		RefType:      req.RefType,
		RefID:        req.RefID,
		BlockExpired: h.blockExpiredOr(req.BlockExpired),
	})
	done(err)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.metrics.PiecesMoved.WithLabelValues(string(inventory.KindDispatch)).Add(float64(alloc.Quantity))
	writeJSON(w, http.StatusCreated, alloc)
}

// DispatchOrder handles POST /api/orders/{orderID}/dispatch
func (h *Handler) DispatchOrder(w http.ResponseWriter, r *http.Request) {
	var req DispatchRequest
	if !decode(w, r, &req) {
		return
	}
	entity, err := req.ref()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	key := req.IdempotencyKey
	if key == "" {
		key = r.Header.Get(HeaderIdempotencyKey)
	}

	done := h.metrics.Start("dispatch")
	res, err := h.stock.DispatchOrder(r.Context(), inventory.DispatchInput{
		Actor:          actorFrom(r),
		OrderID:        chi.URLParam(r, "orderID"),
		IdempotencyKey: key,
		Entity:         entity,
		Lines:          req.Lines,
		BlockExpired:   h.blockExpiredOr(req.BlockExpired),
	})
	done(err)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	for _, l := range res.Lines {
		h.metrics.PiecesMoved.WithLabelValues(string(inventory.KindDispatch)).Add(float64(l.Quantity))
	}
	writeJSON(w, http.StatusCreated, res)
}

// GetAvailability handles GET /api/stock/{entityType}/{entityID}/products/{productID}
func (h *Handler) GetAvailability(w http.ResponseWriter, r *http.Request) {
	entity, productID, err := stockPath(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out, err := h.stock.Availability(r.Context(), entity, productID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// GetLedger handles GET /api/stock/{entityType}/{entityID}/products/{productID}/ledger
// Query: kind, ref_type, ref_id, limit
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	entity, productID, err := stockPath(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	q := r.URL.Query()
	entries, err := h.stock.Entries(r.Context(), inventory.EntryFilter{
		Entity:    entity,
		ProductID: productID,
		Kind:      inventory.Kind(strings.ToUpper(q.Get("kind"))),
		RefType:   q.Get("ref_type"),
		RefID:     q.Get("ref_id"),
		Limit:     limit,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if entries == nil {
		entries = []inventory.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// RebuildSnapshot handles POST /api/stock/{entityType}/{entityID}/products/{productID}/rebuild
func (h *Handler) RebuildSnapshot(w http.ResponseWriter, r *http.Request) {
	entity, productID, err := stockPath(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	done := h.metrics.Start("rebuild_snapshot")
	snap, err := h.stock.RebuildSnapshot(r.Context(), entity, productID)
	done(err)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	rec, err := h.stock.Verify(r.Context(), entity, productID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RebuildResponse{Snapshot: snap, Reconciliation: rec})
}

// =============================================================================
// AUDIT ENDPOINTS
// =============================================================================

// EnsureAudit handles POST /api/audits
func (h *Handler) EnsureAudit(w http.ResponseWriter, r *http.Request) {
	var req EnsureAuditRequest
	if !decode(w, r, &req) {
		return
	}
	entity, err := req.ref()
	if err != nil {
		h.fail(w, r, err)
		return
	}

	done := h.metrics.Start("audit_ensure")
	doc, created, err := h.audits.Ensure(r.Context(), audit.EnsureInput{
		Actor:     actorFrom(r),
		Entity:    entity,
		PeriodKey: req.PeriodKey,
		AuditDate: req.AuditDate,
	})
	done(err)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, EnsureAuditResponse{Document: doc, Created: created})
}

// ListAudits handles GET /api/audits
// Query: entity_type, entity_id, status, limit
func (h *Handler) ListAudits(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter audit.Filter
	if q.Get("entity_type") != "" || q.Get("entity_id") != "" {
		entity, err := parseEntity(q.Get("entity_type"), q.Get("entity_id"))
		if err != nil {
			h.fail(w, r, err)
			return
		}
		filter.Entity = entity
	}
	filter.Status = audit.Status(strings.ToUpper(q.Get("status")))
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	filter.Limit = limit

	audits, err := h.audits.List(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if audits == nil {
		audits = []audit.Audit{}
	}
	writeJSON(w, http.StatusOK, audits)
}

// GetAudit handles GET /api/audits/{id}
func (h *Handler) GetAudit(w http.ResponseWriter, r *http.Request) {
	doc, err := h.audits.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, auditResponse(doc))
}

// RecordCounts handles POST /api/audits/{id}/counts
func (h *Handler) RecordCounts(w http.ResponseWriter, r *http.Request) {
	var req RecordCountsRequest
	if !decode(w, r, &req) {
		return
	}

	done := h.metrics.Start("audit_counts")
	doc, err := h.audits.RecordCounts(r.Context(), audit.RecordInput{
		Actor:   actorFrom(r),
		AuditID: chi.URLParam(r, "id"),
		Counts:  req.Counts,
	})
	done(err)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, auditResponse(doc))
}

// AddAuditLine handles POST /api/audits/{id}/lines
func (h *Handler) AddAuditLine(w http.ResponseWriter, r *http.Request) {
	var req AddLineRequest
	if !decode(w, r, &req) {
		return
	}

	done := h.metrics.Start("audit_add_line")
	line, err := h.audits.AddLine(r.Context(), audit.AddLineInput{
		Actor:       actorFrom(r),
		AuditID:     chi.URLParam(r, "id"),
		ProductID:   req.ProductID,
		ProductName: req.ProductName,
		BatchCode:   req.BatchCode,
		SystemQty:   req.SystemQty,
		Count:       req.Count,
	})
	done(err)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, line)
}

// SubmitAudit handles POST /api/audits/{id}/submit
func (h *Handler) SubmitAudit(w http.ResponseWriter, r *http.Request) {
	done := h.metrics.Start("audit_submit")
	doc, err := h.audits.Submit(r.Context(), actorFrom(r), chi.URLParam(r, "id"))
	done(err)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, auditResponse(doc))
}

// ApproveAudit handles POST /api/audits/{id}/approve
// The submitter earns AUDIT_APPROVED points once the corrections are posted.
func (h *Handler) ApproveAudit(w http.ResponseWriter, r *http.Request) {
	done := h.metrics.Start("audit_approve")
	doc, err := h.audits.Approve(r.Context(), actorFrom(r), chi.URLParam(r, "id"))
	done(err)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	for _, l := range doc.Lines {
		if l.DiffQty != 0 {
			h.metrics.PiecesMoved.WithLabelValues(string(inventory.KindAuditCorrection)).Add(float64(absInt(l.DiffQty)))
		}
	}
	if doc.SubmittedBy != "" {
		h.earn(r.Context(), h.requestLog(r), doc.SubmittedBy, incentive.ReasonAuditApproved, incentive.RefAudit, doc.ID, decimal.Zero,
			map[string]string{"period": doc.PeriodKey, "entity": doc.Entity.String()})
	}
	writeJSON(w, http.StatusOK, auditResponse(doc))
}

// =============================================================================
// RETAILER MONEY ENDPOINTS
// =============================================================================

// RecordDebit handles POST /api/retailers/{id}/debits
func (h *Handler) RecordDebit(w http.ResponseWriter, r *http.Request) {
	var req DebitRequest
	if !decode(w, r, &req) {
		return
	}

	done := h.metrics.Start("retailer_debit")
	entry, err := h.money.RecordDebit(r.Context(), money.DebitInput{
		Actor:         actorFrom(r),
		RetailerID:    chi.URLParam(r, "id"),
		DistributorID: req.DistributorID,
		Amount:        req.Amount,
		Reference:     req.Reference,
		Narration:     req.Narration,
		BusinessDate:  req.BusinessDate,
	})
	done(err)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

// RecordCollection handles POST /api/retailers/{id}/collections
// A replayed idempotency key returns the original entry with 200.
func (h *Handler) RecordCollection(w http.ResponseWriter, r *http.Request) {
	var req CollectionRequest
	if !decode(w, r, &req) {
		return
	}
	mode, err := money.ParseMode(req.Mode)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	key := req.IdempotencyKey
	if key == "" {
		key = r.Header.Get(HeaderIdempotencyKey)
	}
	actor := actorFrom(r)

	done := h.metrics.Start("retailer_collection")
	entry, replayed, err := h.money.RecordPayment(r.Context(), money.PaymentInput{
		Actor:          actor,
		RetailerID:     chi.URLParam(r, "id"),
		DistributorID:  req.DistributorID,
		Amount:         req.Amount,
		Mode:           mode,
		Reference:      req.Reference,
		Narration:      req.Narration,
		BusinessDate:   req.BusinessDate,
		IdempotencyKey: key,
	})
	done(err)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	// The collector of the original entry earns, even on replay.
	earned := h.earnFor(r.Context(), h.requestLog(r), entry)

	status := http.StatusCreated
	if replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, CollectionResponse{Entry: entry, Replayed: replayed, Incentive: earned})
}

// GetRetailerBalance handles GET /api/retailers/{id}/balance
// Query: from, to (optional business-date bounds)
func (h *Handler) GetRetailerBalance(w http.ResponseWriter, r *http.Request) {
	retailerID := chi.URLParam(r, "id")
	rng, err := queryRange(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var bounds *generic.DateRange
	if !rng.From.IsZero() || !rng.To.IsZero() {
		bounds = &rng
	}
	bal, err := h.money.Outstanding(r.Context(), retailerID, bounds)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{
		Balance: bal,
		Display: decimal.Max(bal.Outstanding, decimal.Zero),
	})
}

// GetRetailerStatement handles GET /api/retailers/{id}/statement
// Query: from, to; or month=YYYY-MM
func (h *Handler) GetRetailerStatement(w http.ResponseWriter, r *http.Request) {
	rng, err := queryRange(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	stmt, err := h.money.Statement(r.Context(), chi.URLParam(r, "id"), rng)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if stmt.Lines == nil {
		stmt.Lines = []money.StatementLine{}
	}
	writeJSON(w, http.StatusOK, stmt)
}

// =============================================================================
// INCENTIVE ENDPOINTS
// =============================================================================

// GetIncentives handles GET /api/incentives/{actorID}
func (h *Handler) GetIncentives(w http.ResponseWriter, r *http.Request) {
	actorID := chi.URLParam(r, "actorID")
	balance, err := h.incentives.Balance(r.Context(), actorID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	entries, err := h.incentives.Entries(r.Context(), actorID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if entries == nil {
		entries = []incentive.Entry{}
	}
	writeJSON(w, http.StatusOK, IncentivesResponse{ActorID: actorID, Balance: balance, Entries: entries})
}

// EarnIncentive handles POST /api/incentives/{actorID}/events
func (h *Handler) EarnIncentive(w http.ResponseWriter, r *http.Request) {
	var req EarnRequest
	if !decode(w, r, &req) {
		return
	}
	reason := strings.ToUpper(req.Reason)
	points, err := h.rules.Points(reason, req.Amount)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	done := h.metrics.Start("incentive_earn")
	res, err := h.incentives.EarnOnce(r.Context(), incentive.EarnInput{
		ActorID: chi.URLParam(r, "actorID"),
		Points:  points,
		Reason:  reason,
		RefType: req.RefType,
		RefID:   req.RefID,
		Meta:    req.Meta,
	})
	done(err)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Skipped {
		status = http.StatusOK
	} else {
		h.metrics.PointsEarned.Add(float64(res.Entry.Points))
	}
	writeJSON(w, status, res)
}

// earnFor awards the collection incentive for a recorded payment.
func (h *Handler) earnFor(ctx context.Context, log logrus.FieldLogger, entry *money.Entry) *incentive.EarnResult {
	return h.earn(ctx, log, entry.ActorID, incentive.ReasonCollection, incentive.RefMoneyEntry, entry.ID, entry.Amount,
		map[string]string{"retailer_id": entry.RetailerID, "mode": string(entry.Mode)})
}

// earn awards points as a side effect of another operation. Failure is
// logged and reported as nil; the business event itself already stands.
func (h *Handler) earn(ctx context.Context, log logrus.FieldLogger, actorID, reason, refType, refID string, amount decimal.Decimal, meta map[string]string) *incentive.EarnResult {
	points, err := h.rules.Points(reason, amount)
	if err != nil || points <= 0 {
		return nil
	}
	done := h.metrics.Start("incentive_earn")
	res, err := h.incentives.EarnOnce(ctx, incentive.EarnInput{
		ActorID: actorID,
		Points:  points,
		Reason:  reason,
		RefType: refType,
		RefID:   refID,
		Meta:    meta,
	})
	done(err)
	if err != nil {
		log.WithError(err).WithFields(logrus.Fields{
			"actor":  actorID,
			"reason": reason,
			"ref":    refType + ":" + refID,
		}).Warn("incentive award failed")
		return nil
	}
	if !res.Skipped {
		h.metrics.PointsEarned.Add(float64(res.Entry.Points))
	}
	return res
}

// =============================================================================
// HELPERS
// =============================================================================

// actorFrom reads the gateway-supplied actor headers.
func actorFrom(r *http.Request) generic.Actor {
	return generic.Actor{
		ID:   strings.TrimSpace(r.Header.Get(HeaderActorID)),
		Role: generic.Role(strings.TrimSpace(r.Header.Get(HeaderActorRole))),
	}
}

// requireActor rejects write requests that arrive without an actor.
func requireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead && r.Method != http.MethodOptions &&
			actorFrom(r).ID == "" {
			writeJSON(w, http.StatusUnauthorized, ErrorResponse{
				Error: "missing " + HeaderActorID + " header",
				Code:  "ACTOR_REQUIRED",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func parseEntity(entityType, entityID string) (generic.EntityRef, error) {
	t, err := generic.ParseEntityType(entityType)
	if err != nil {
		return generic.EntityRef{}, err
	}
	if strings.TrimSpace(entityID) == "" {
		return generic.EntityRef{}, fmt.Errorf("%w: entity id is required", generic.ErrInvalidInput)
	}
	return generic.EntityRef{Type: t, ID: entityID}, nil
}

func stockPath(r *http.Request) (generic.EntityRef, string, error) {
	entity, err := parseEntity(chi.URLParam(r, "entityType"), chi.URLParam(r, "entityID"))
	if err != nil {
		return generic.EntityRef{}, "", err
	}
	return entity, chi.URLParam(r, "productID"), nil
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", generic.ErrInvalidInput, name)
	}
	return n, nil
}

// queryRange reads from/to, or month=YYYY-MM as a shorthand for a whole month.
func queryRange(r *http.Request) (generic.DateRange, error) {
	q := r.URL.Query()
	if month := q.Get("month"); month != "" {
		first, err := generic.ParseDay(month + "-01")
		if err != nil {
			return generic.DateRange{}, err
		}
		return generic.MonthRange(first), nil
	}
	var rng generic.DateRange
	var err error
	if from := q.Get("from"); from != "" {
		if rng.From, err = generic.ParseDay(from); err != nil {
			return rng, err
		}
	}
	if to := q.Get("to"); to != "" {
		if rng.To, err = generic.ParseDay(to); err != nil {
			return rng, err
		}
	}
	return rng, nil
}

func auditResponse(doc *audit.Document) AuditResponse {
	inv := doc.Investigations()
	if inv == nil {
		inv = []audit.Line{}
	}
	if doc.Lines == nil {
		doc.Lines = []audit.Line{}
	}
	return AuditResponse{Document: doc, Investigations: inv}
}

func (h *Handler) moved(e *inventory.LedgerEntry) {
	h.metrics.PiecesMoved.WithLabelValues(string(e.Kind)).Add(float64(absInt(e.Delta)))
}

func (h *Handler) blockExpiredOr(v *bool) bool {
	if v == nil {
		return h.blockExpired
	}
	return *v
}

func absInt(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message, Code: "INVALID_INPUT"}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// fail maps a domain error to its status and body.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := generic.Code(err)
	status := statusFor(code)
	resp := ErrorResponse{
		Error:     err.Error(),
		Code:      code,
		Retryable: generic.IsRetryable(err),
		Details:   errorDetails(err),
	}

	log := h.requestLog(r).WithFields(logrus.Fields{"code": code, "status": status})
	if status >= http.StatusInternalServerError {
		log.WithError(err).Error("request failed")
		resp.Error = "internal error"
	} else {
		log.WithError(err).Info("request rejected")
	}
	writeJSON(w, status, resp)
}

func (h *Handler) requestLog(r *http.Request) logrus.FieldLogger {
	return h.log.WithFields(logrus.Fields{
		"request_id": middleware.GetReqID(r.Context()),
		"method":     r.Method,
		"path":       r.URL.Path,
	})
}

func statusFor(code string) int {
	switch code {
	case "INVALID_QUANTITY", "INVALID_AMOUNT", "INVALID_INPUT", "INVALID_PAYMENT_MODE", "REFERENCE_REQUIRED":
		return http.StatusBadRequest
	case "NOT_FOUND":
		return http.StatusNotFound
	case "INVALID_TRANSITION", "AUDIT_IMMUTABLE", "DUPLICATE_EVENT", "DUPLICATE_KEY", "STOCK_CHANGED_RETRY":
		return http.StatusConflict
	case "INSUFFICIENT_STOCK", "EXPIRED_BATCH_BLOCKED", "NEGATIVE_STOCK_BLOCKED",
		"MISMATCH_REASON_REQUIRED", "INCOMPLETE_PHYSICAL_COUNT", "MISSING_BATCH_FOR_SHORT", "AMBIGUOUS_BATCH":
		return http.StatusUnprocessableEntity
	case "UNIT_TIMEOUT":
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// errorDetails exposes the structured fields of typed errors.
func errorDetails(err error) any {
	var (
		stockErr *generic.StockError
		batchErr *generic.BatchError
		lineErr  *generic.LineError
		fieldErr *generic.FieldError
	)
	switch {
	case errors.As(err, &stockErr):
		return map[string]any{
			"entity":     stockErr.Entity.String(),
			"product_id": stockErr.ProductID,
			"batch_id":   stockErr.BatchID,
			"requested":  stockErr.Requested,
			"available":  stockErr.Available,
		}
	case errors.As(err, &batchErr):
		return map[string]any{
			"batch_id":   batchErr.BatchID,
			"product_id": batchErr.ProductID,
			"batch_code": batchErr.BatchCode,
			"on_hand":    batchErr.OnHand,
			"delta":      batchErr.Delta,
		}
	case errors.As(err, &lineErr):
		return map[string]any{
			"audit_id":   lineErr.AuditID,
			"line_ids":   lineErr.LineIDs,
			"product_id": lineErr.ProductID,
			"batch_code": lineErr.BatchCode,
		}
	case errors.As(err, &fieldErr):
		return map[string]any{"fields": fieldErr.Fields}
	}
	return nil
}

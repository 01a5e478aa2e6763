/*
handlers.go - HTTP API handlers for the compensation engine

PURPOSE:
  Exposes the engine to the back office. Handles HTTP request/response
  and JSON serialization and delegates every calculation to
  compensation.Engine; nothing here computes a bonus.

ENDPOINTS:
  Members:
    GET    /api/members                        List members
    POST   /api/members                        Enroll a member
    GET    /api/members/{id}                   Member details
    POST   /api/members/{id}/placements        Place a member under {id}
    GET    /api/members/{id}/cycles            Completed cycles per level
    POST   /api/members/{id}/cycles            Import externally produced cycle records
    GET    /api/members/{id}/depth-bonus       Depth bonus table
    GET    /api/members/{id}/fidelity-bonus    Fidelity bonus table
    GET    /api/members/{id}/career            Current / next pin and progress
    GET    /api/members/{id}/statement         Evaluation for ?period=YYYY-MM
    POST   /api/members/{id}/close             Credit one member for ?period=
    GET    /api/members/{id}/ledger            Credited ledger entries

  Ledger:
    POST   /api/ledger/{entryID}/status        Payout status move

  Periods:
    GET    /api/periods/{period}/top-rank      Ranking and amounts
    POST   /api/periods/{period}/close         Close every member, then top rank

  Plans:
    GET    /api/plans                          Published versions
    POST   /api/plans                          Publish a version (JSON, YAML or TOML body)
    GET    /api/plans/current                  Plan in force now
    GET    /api/plans/{version}                One version

  Runs:
    GET    /api/runs                           Closing runs, ?period= filter

ERROR HANDLING:
  Errors are returned as JSON with the HTTP status derived from the
  engine's sentinel errors:
  - 400: Invalid input, invalid plan, open period, bad transition
  - 404: Unknown member, entry or plan version
  - 409: Already closed, duplicate idempotency key, member exists
  - 503: Placement tree unavailable ({"status":"unavailable"})
  - 500: Anything else

SECURITY NOTE:
  No authentication. The API is meant to sit behind the back-office
  gateway.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo network loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rsprolipsi/sigma-engine/compensation"
	"github.com/rsprolipsi/sigma-engine/generic"
	"github.com/rsprolipsi/sigma-engine/network"
	"github.com/rsprolipsi/sigma-engine/plan"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds the API dependencies.
type Handler struct {
	Engine    *compensation.Engine
	Network   network.Store
	Plans     *plan.VersionedProvider
	PlanStore plan.VersionStore // nil keeps published plans in memory only
	Presenter *Presenter
	Logger    *slog.Logger
}

// NewHandler creates a handler. planStore may be nil.
func NewHandler(engine *compensation.Engine, net network.Store, plans *plan.VersionedProvider, planStore plan.VersionStore, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Engine:    engine,
		Network:   net,
		Plans:     plans,
		PlanStore: planStore,
		Presenter: DefaultPresenter(),
		Logger:    logger,
	}
}

// =============================================================================
// MEMBERS
// =============================================================================

func (h *Handler) ListMembers(w http.ResponseWriter, r *http.Request) {
	members, err := h.Network.Members(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	out := make([]MemberDTO, 0, len(members))
	for _, m := range members {
		out = append(out, toMemberDTO(m))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) GetMember(w http.ResponseWriter, r *http.Request) {
	m, err := h.Network.Member(r.Context(), memberParam(r))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMemberDTO(m))
}

func (h *Handler) EnrollMember(w http.ResponseWriter, r *http.Request) {
	var req EnrollRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if strings.TrimSpace(req.ID) == "" {
		writeError(w, http.StatusBadRequest, "id is required", nil)
		return
	}
	m := network.Member{
		ID:        generic.MemberID(req.ID),
		Name:      req.Name,
		SponsorID: generic.MemberID(req.SponsorID),
		Status:    network.Status(req.Status),
	}
	if req.EnrolledAt != nil {
		m.EnrolledAt = req.EnrolledAt.UTC()
	} else {
		m.EnrolledAt = h.Engine.Now().Time
	}

	ctx := r.Context()
	if err := h.Network.Enroll(ctx, m); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if req.CumulativeCycles > 0 {
		if err := h.Network.SetCumulativeCycles(ctx, m.ID, req.CumulativeCycles); err != nil {
			h.writeDomainError(w, r, err)
			return
		}
	}
	created, err := h.Network.Member(ctx, m.ID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.Logger.Info("member enrolled", "member", m.ID, "sponsor", m.SponsorID)
	writeJSON(w, http.StatusCreated, toMemberDTO(created))
}

func (h *Handler) PlaceMember(w http.ResponseWriter, r *http.Request) {
	var req PlaceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.OccupantID == "" {
		writeError(w, http.StatusBadRequest, "occupant_id is required", nil)
		return
	}
	at := h.Engine.Now().Time
	if req.PlacedAt != nil {
		at = req.PlacedAt.UTC()
	}

	owner := memberParam(r)
	matrix, slot, err := h.Network.Place(r.Context(), owner, generic.MemberID(req.OccupantID), at)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, PlacementDTO{
		Owner:    string(owner),
		Occupant: req.OccupantID,
		Matrix:   matrix,
		Depth:    slot.Depth,
		Index:    slot.Index,
	})
}

// =============================================================================
// CALCULATIONS
// =============================================================================

func (h *Handler) GetCycles(w http.ResponseWriter, r *http.Request) {
	s, err := h.Engine.ComputeCycles(r.Context(), memberParam(r))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCyclesDTO(s))
}

func (h *Handler) ImportCycles(w http.ResponseWriter, r *http.Request) {
	var req ImportCyclesRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	ctx := r.Context()
	member := memberParam(r)
	if _, err := h.Network.Member(ctx, member); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	p, err := h.Engine.PlanNow(ctx)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	records := fromCycleRecordDTOs(member, req.Records)
	if err := h.Engine.Accountant().Import(ctx, member, p, records); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.Logger.Info("cycle records imported", "member", member, "records", len(records))
	writeJSON(w, http.StatusCreated, map[string]int{"imported": len(records)})
}

func (h *Handler) GetDepthBonus(w http.ResponseWriter, r *http.Request) {
	member := memberParam(r)
	res, err := h.Engine.ComputeDepthBonus(r.Context(), member)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.Presenter.depthDTO(member, res))
}

func (h *Handler) GetFidelityBonus(w http.ResponseWriter, r *http.Request) {
	member := memberParam(r)
	res, err := h.Engine.ComputeFidelityBonus(r.Context(), member)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.Presenter.fidelityDTO(member, res))
}

func (h *Handler) GetCareer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	member := memberParam(r)
	p, err := h.Engine.PlanNow(ctx)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	status, err := h.Engine.ComputeCareerStatus(ctx, member)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.Presenter.careerDTO(member, status, p.Currency))
}

// GetStatement returns 200 for partial statements too; the failed
// components are listed with their status.
func (h *Handler) GetStatement(w http.ResponseWriter, r *http.Request) {
	period := h.periodQuery(r, false)
	st, err := h.Engine.Evaluate(r.Context(), memberParam(r), period)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.Presenter.statementDTO(st, st.Total.Unit))
}

func (h *Handler) GetTopRank(w http.ResponseWriter, r *http.Request) {
	res, err := h.Engine.ComputeTopRank(r.Context(), generic.PeriodID(chi.URLParam(r, "period")))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.Presenter.topRankDTO(res))
}

// =============================================================================
// CLOSING
// =============================================================================

// CloseMember credits one member. Without ?period= it closes the period
// before the current one.
func (h *Handler) CloseMember(w http.ResponseWriter, r *http.Request) {
	period := h.periodQuery(r, true)
	res, err := h.Engine.Close(r.Context(), memberParam(r), period)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, CloseMemberDTO{
		Run:     toRunDTO(res.Run),
		Entries: h.Presenter.entryDTOs(res.Entries),
	})
}

func (h *Handler) ClosePeriod(w http.ResponseWriter, r *http.Request) {
	res, err := h.Engine.ClosePeriod(r.Context(), generic.PeriodID(chi.URLParam(r, "period")))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toClosePeriodDTO(res))
}

func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.Engine.Runs(r.Context(), generic.PeriodID(r.URL.Query().Get("period")))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	out := make([]ClosingRunDTO, 0, len(runs))
	for _, run := range runs {
		out = append(out, toRunDTO(run))
	}
	writeJSON(w, http.StatusOK, out)
}

// =============================================================================
// LEDGER
// =============================================================================

func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	member := memberParam(r)
	if _, err := h.Network.Member(ctx, member); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	entries, err := h.Engine.Entries(ctx, member)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, LedgerDTO{
		MemberID: string(member),
		Entries:  h.Presenter.entryDTOs(entries),
		Total:    h.Presenter.Money(generic.SumEntries(entries)),
	})
}

func (h *Handler) TransitionEntry(w http.ResponseWriter, r *http.Request) {
	var req TransitionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	id := generic.EntryID(chi.URLParam(r, "entryID"))
	if err := h.Engine.Transition(r.Context(), id, generic.EntryStatus(req.Status)); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": string(id), "status": req.Status})
}

// =============================================================================
// PLANS
// =============================================================================

func (h *Handler) ListPlans(w http.ResponseWriter, r *http.Request) {
	versions := h.Plans.Versions()
	out := make([]PlanSummaryDTO, 0, len(versions))
	for _, p := range versions {
		out = append(out, h.Presenter.planSummary(p))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) GetCurrentPlan(w http.ResponseWriter, r *http.Request) {
	p, err := h.Engine.PlanNow(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) GetPlan(w http.ResponseWriter, r *http.Request) {
	p, err := h.Plans.Version(generic.PlanVersion(chi.URLParam(r, "version")))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// PublishPlan accepts a plan body in the format named by Content-Type
// (application/json, application/yaml, application/toml).
func (h *Handler) PublishPlan(w http.ResponseWriter, r *http.Request) {
	format, err := planFormat(r.Header.Get("Content-Type"))
	if err != nil {
		writeError(w, http.StatusUnsupportedMediaType, "unsupported plan format", err)
		return
	}
	p, err := plan.Decode(format, io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid plan", err)
		return
	}

	if h.PlanStore != nil {
		err = h.Plans.PublishAndSave(r.Context(), h.PlanStore, p)
	} else {
		err = h.Plans.Publish(p)
	}
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.Logger.Info("plan published", "version", p.Version, "effective_from", p.EffectiveFrom)
	writeJSON(w, http.StatusCreated, h.Presenter.planSummary(p))
}

func planFormat(contentType string) (plan.Format, error) {
	if contentType == "" {
		return plan.FormatJSON, nil
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", err
	}
	switch mt {
	case "application/json":
		return plan.FormatJSON, nil
	case "application/yaml", "application/x-yaml", "text/yaml":
		return plan.FormatYAML, nil
	case "application/toml", "text/toml":
		return plan.FormatTOML, nil
	default:
		return "", fmt.Errorf("content type %q", mt)
	}
}

// =============================================================================
// HEALTH
// =============================================================================

// Health answers 200 once a plan is in force; without one, no calculation
// can run.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	p, err := h.Engine.PlanNow(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "no plan in force"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "plan_version": string(p.Version)})
}

// =============================================================================
// HELPERS
// =============================================================================

func memberParam(r *http.Request) generic.MemberID {
	return generic.MemberID(chi.URLParam(r, "id"))
}

// periodQuery reads ?period=. When absent it is the current period, or
// the previous one for closing.
func (h *Handler) periodQuery(r *http.Request, closing bool) generic.PeriodID {
	if p := r.URL.Query().Get("period"); p != "" {
		return generic.PeriodID(p)
	}
	current := generic.PeriodFor(h.Engine.Now())
	if closing {
		return current.Previous().ID
	}
	return current.ID
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps engine errors to statuses. An unavailable tree is
// never answered with zeros.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case generic.IsUnavailable(err):
		writeJSON(w, http.StatusServiceUnavailable, UnavailableResponse{
			Status:  "unavailable",
			Member:  chi.URLParam(r, "id"),
			Details: err.Error(),
		})
	case generic.IsNotFound(err):
		writeError(w, http.StatusNotFound, "not found", err)
	case generic.IsConflict(err):
		writeError(w, http.StatusConflict, "conflict", err)
	case generic.IsClientError(err):
		writeError(w, http.StatusBadRequest, "invalid request", err)
	case r.Context().Err() != nil && errors.Is(err, r.Context().Err()):
		writeError(w, http.StatusServiceUnavailable, "request canceled", err)
	default:
		h.Logger.Error("request failed",
			"method", r.Method, "path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()), "error", err)
		writeError(w, http.StatusInternalServerError, "internal error", err)
	}
}

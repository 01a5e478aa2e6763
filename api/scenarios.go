/*
scenarios.go - Demo networks for testing and demonstrations

PURPOSE:
	Seeds the network repository with small, recognizable networks so the
	back office can be explored without importing production data. Each
	scenario enrolls members and places them; every bonus shown afterwards
	is computed by the engine as usual.

AVAILABLE SCENARIOS:
	first-cycle:  One owner whose first level of six fills once
	career:       A member with enough history to hold bronze, with two
	              active lines toward prata
	top-rank:     Three owners competing for the period's ranking, one of
	              them after a reentry

HOW SCENARIOS WORK:
 1. Enroll members (IDs are prefixed per scenario)
 2. Place members in breadth-first order, a minute apart, ending now
 3. Optionally open reentry matrices

	Loading the same scenario twice answers 409: members already exist.

USAGE VIA API:
	POST /api/scenarios/load
	{"scenario_id": "first-cycle"}

SEE ALSO:
  - handlers.go: Calculation endpoints to look at the result
  - network/repository.go: Writer
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rsprolipsi/sigma-engine/generic"
	"github.com/rsprolipsi/sigma-engine/network"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var errUnknownScenario = errors.New("unknown scenario")

type scenario struct {
	ScenarioDTO
	load func(ctx context.Context, s *seeder) error
}

var scenarios = []scenario{
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "first-cycle",
			Name:        "First Cycle",
			Description: "One owner with six active members placed: one completed cycle",
		},
		load: loadFirstCycle,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "career",
			Name:        "Career Progress",
			Description: "Bronze member with two active lines working toward prata",
		},
		load: loadCareer,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "top-rank",
			Name:        "Top Rank",
			Description: "Three owners with 2, 1 and 1 cycles in the current period",
		},
		load: loadTopRank,
	},
}

func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	out := make([]ScenarioDTO, 0, len(scenarios))
	for _, s := range scenarios {
		out = append(out, s.ScenarioDTO)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	err := h.LoadScenarioByID(r.Context(), req.ScenarioID)
	if errors.Is(err, errUnknownScenario) {
		writeError(w, http.StatusNotFound, "unknown scenario", err)
		return
	}
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"loaded": req.ScenarioID})
}

// LoadScenarioByID seeds one scenario; also used by -seed at startup.
func (h *Handler) LoadScenarioByID(ctx context.Context, id string) error {
	for _, s := range scenarios {
		if s.ID != id {
			continue
		}
		seed := &seeder{net: h.Network, now: h.Engine.Now().Time}
		if err := s.load(ctx, seed); err != nil {
			return fmt.Errorf("scenario %s: %w", id, err)
		}
		h.Logger.Info("scenario loaded", "scenario", id, "members", seed.enrolled)
		return nil
	}
	return fmt.Errorf("%w: %q", errUnknownScenario, id)
}

// =============================================================================
// SEEDING
// =============================================================================

// reenterer is implemented by the repositories that can open reentry
// matrices on demand.
type reenterer interface {
	Reenter(ctx context.Context, owner generic.MemberID) (int, error)
}

type seeder struct {
	net      network.Writer
	now      time.Time
	enrolled int
}

func (s *seeder) enroll(ctx context.Context, id, sponsor string, cumulative int) error {
	err := s.net.Enroll(ctx, network.Member{
		ID:         generic.MemberID(id),
		Name:       id,
		SponsorID:  generic.MemberID(sponsor),
		EnrolledAt: s.now.Add(-24 * time.Hour),
		Status:     network.StatusActive,
	})
	if err != nil {
		return err
	}
	s.enrolled++
	if cumulative > 0 {
		return s.net.SetCumulativeCycles(ctx, generic.MemberID(id), cumulative)
	}
	return nil
}

// fill enrolls count members sponsored by owner and places them a minute
// apart so the last placement lands at now.
func (s *seeder) fill(ctx context.Context, owner, prefix string, count int) error {
	start := s.now.Add(-time.Duration(count) * time.Minute)
	for i := 1; i <= count; i++ {
		id := fmt.Sprintf("%s-%02d", prefix, i)
		if err := s.enroll(ctx, id, owner, 0); err != nil {
			return err
		}
		at := start.Add(time.Duration(i) * time.Minute)
		if _, _, err := s.net.Place(ctx, generic.MemberID(owner), generic.MemberID(id), at); err != nil {
			return err
		}
	}
	return nil
}

func (s *seeder) reenter(ctx context.Context, owner string) error {
	re, ok := s.net.(reenterer)
	if !ok {
		return fmt.Errorf("network store cannot open reentry matrices")
	}
	_, err := re.Reenter(ctx, generic.MemberID(owner))
	return err
}

// =============================================================================
// LOADERS
// =============================================================================

func loadFirstCycle(ctx context.Context, s *seeder) error {
	if err := s.enroll(ctx, "fc-owner", "", 0); err != nil {
		return err
	}
	return s.fill(ctx, "fc-owner", "fc-member", 6)
}

func loadCareer(ctx context.Context, s *seeder) error {
	if err := s.enroll(ctx, "cr-leader", "", 7); err != nil {
		return err
	}
	if err := s.enroll(ctx, "cr-line-a", "cr-leader", 6); err != nil {
		return err
	}
	if err := s.enroll(ctx, "cr-line-b", "cr-leader", 3); err != nil {
		return err
	}
	return s.fill(ctx, "cr-leader", "cr-member", 6)
}

func loadTopRank(ctx context.Context, s *seeder) error {
	for _, owner := range []string{"tr-alpha", "tr-beta", "tr-gamma"} {
		if err := s.enroll(ctx, owner, "", 0); err != nil {
			return err
		}
	}
	if err := s.fill(ctx, "tr-alpha", "tr-alpha-a", 6); err != nil {
		return err
	}
	if err := s.reenter(ctx, "tr-alpha"); err != nil {
		return err
	}
	if err := s.fill(ctx, "tr-alpha", "tr-alpha-b", 6); err != nil {
		return err
	}
	if err := s.fill(ctx, "tr-beta", "tr-beta", 6); err != nil {
		return err
	}
	return s.fill(ctx, "tr-gamma", "tr-gamma", 6)
}

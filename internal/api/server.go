// Package api exposes an engine over HTTP.
package api

import (
	"context"
	"net/http"
	"slices"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/latentmesh/internal/config"
	"github.com/samcharles93/latentmesh/internal/engine"
	"github.com/samcharles93/latentmesh/internal/faults"
	"github.com/samcharles93/latentmesh/internal/logger"
	"github.com/samcharles93/latentmesh/internal/model"
	"github.com/samcharles93/latentmesh/internal/padding"
	"github.com/samcharles93/latentmesh/internal/parallel"
	"github.com/samcharles93/latentmesh/internal/tensor"
	"github.com/samcharles93/latentmesh/internal/version"
)

// Engine is the part of *engine.Engine the server drives.
type Engine interface {
	Step(ctx context.Context, req engine.Request) (*engine.Result, error)
	Plan(lengths []int) (*padding.Plan, error)
	Reset()
	Mesh() parallel.Mesh
	Model() config.Model
	Runtime() config.Runtime
	Options() model.Options
}

type Server struct {
	engine Engine
	log    logger.Logger
}

func NewServer(e Engine, log logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	return &Server{engine: e, log: log}
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", s.handleHealth)
	e.GET("/v1/config", s.handleConfig)
	e.POST("/v1/plan", s.handlePlan)
	e.POST("/v1/step", s.handleStep)
	e.POST("/v1/reset", s.handleReset)
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":  "ok",
		"version": version.Resolve(),
	})
}

func (s *Server) handleConfig(c *echo.Context) error {
	mesh := s.engine.Mesh()
	opts := s.engine.Options()
	return c.JSON(http.StatusOK, ConfigResponse{
		Model:   s.engine.Model(),
		Runtime: s.engine.Runtime(),
		Mesh: MeshInfo{
			PP:    mesh.PP,
			DP:    mesh.DP,
			TP:    mesh.TP,
			WP:    mesh.Size(parallel.WP),
			World: mesh.World(),
		},
		DType:     opts.DType.String(),
		FP16Guard: opts.FP16Guard,
	})
}

// maxPlanRanks caps the number of DP ranks a plan request may describe.
const maxPlanRanks = 4096

// planTokenLimit is the largest per-rank length or tp a plan request may
// use: max_position_embeddings times the largest graph batch size.
func (s *Server) planTokenLimit() int {
	graph := slices.Max(append([]int{1}, s.engine.Runtime().GraphBatchSizes...))
	return max(s.engine.Model().MaxPositionEmbeddings, 1) * graph
}

// checkPlanRequest bounds the plan size before any mask is allocated.
func (s *Server) checkPlanRequest(req PlanRequest) error {
	if len(req.Lengths) > maxPlanRanks {
		return faults.Configuration("plan: %d ranks, at most %d allowed", len(req.Lengths), maxPlanRanks)
	}
	limit := s.planTokenLimit()
	if req.TP > limit {
		return faults.Configuration("plan: tp %d exceeds %d", req.TP, limit)
	}
	for i, n := range req.Lengths {
		if n > limit {
			return faults.Configuration("plan: rank %d length %d exceeds %d", i, n, limit)
		}
	}
	return nil
}

func (s *Server) handlePlan(c *echo.Context) error {
	req, err := decodeJSON[PlanRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if err := s.checkPlanRequest(req); err != nil {
		return writeFault(c, err)
	}
	var plan *padding.Plan
	if req.TP == 0 {
		plan, err = s.engine.Plan(req.Lengths)
	} else {
		plan, err = padding.NewPlan(req.Lengths, req.TP)
	}
	if err != nil {
		return writeFault(c, err)
	}
	return c.JSON(http.StatusOK, planResponse(plan))
}

func (s *Server) handleStep(c *echo.Context) error {
	req, err := decodeJSON[StepRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	phase, err := model.ParsePhase(req.Phase)
	if err != nil {
		return writeFault(c, err)
	}
	if len(req.Batches) == 0 {
		return writeBadRequest(c, "batches must not be empty")
	}

	id := newStepID()
	batches := make([]engine.Batch, len(req.Batches))
	for i, b := range req.Batches {
		batches[i] = engine.Batch{Tokens: b.Tokens, Seqs: b.Seqs, Positions: b.Positions}
	}
	ctx := logger.WithContext(c.Request().Context(), s.log.With("request_id", id))
	res, err := s.engine.Step(ctx, engine.Request{Phase: phase, Batches: batches})
	if err != nil {
		s.log.Warn("step failed", "request_id", id, "error", err)
		return writeFault(c, err)
	}

	out := StepResponse{
		ID:           id,
		PassID:       res.PassID,
		Phase:        res.Phase.String(),
		Mode:         res.Mode.String(),
		CombinedComm: res.CombinedComm,
		Lengths:      res.Lengths,
		Ranks:        make([]RankOutput, len(res.Hidden)),
	}
	if res.Plan != nil {
		out.Plan = planResponse(res.Plan)
	}
	for dp, h := range res.Hidden {
		r := RankOutput{
			DP:     dp,
			Rows:   h.R,
			Cols:   h.C,
			L2Norm: tensor.FrobeniusNorm(h),
			MaxAbs: tensor.MaxAbs(h),
			Finite: tensor.AllFinite(h),
		}
		if req.IncludeHidden {
			r.Hidden = make([][]float32, h.R)
			for i := range r.Hidden {
				r.Hidden[i] = append([]float32(nil), h.Row(i)...)
			}
		}
		out.Ranks[dp] = r
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleReset(c *echo.Context) error {
	s.engine.Reset()
	return c.NoContent(http.StatusNoContent)
}

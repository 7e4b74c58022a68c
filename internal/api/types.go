package api

import (
	"github.com/samcharles93/latentmesh/internal/config"
	"github.com/samcharles93/latentmesh/internal/padding"
)

type ResponseError struct {
	Message string `json:"message,omitempty"`
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Param   string `json:"param,omitempty"`
}

type MeshInfo struct {
	PP    int `json:"pp"`
	DP    int `json:"dp"`
	TP    int `json:"tp"`
	WP    int `json:"wp"`
	World int `json:"world"`
}

type ConfigResponse struct {
	Model     config.Model   `json:"model"`
	Runtime   config.Runtime `json:"runtime"`
	Mesh      MeshInfo       `json:"mesh"`
	DType     string         `json:"dtype"`
	FP16Guard bool           `json:"fp16_guard"`
}

type PlanRequest struct {
	Lengths []int `json:"lengths"`
	// TP defaults to the engine's tensor-parallel size.
	TP int `json:"tp,omitempty"`
}

type PlanResponse struct {
	Lengths   []int  `json:"lengths"`
	TP        int    `json:"tp"`
	MaxLength int    `json:"max_length"`
	PadSize   []int  `json:"pad_size"`
	KeepMask  []bool `json:"keep_mask"`
	Kept      int    `json:"kept"`
}

func planResponse(p *padding.Plan) *PlanResponse {
	return &PlanResponse{
		Lengths:   p.Lengths,
		TP:        p.TP,
		MaxLength: p.MaxLength,
		PadSize:   p.PadSize,
		KeepMask:  p.KeepMask,
		Kept:      p.Kept(),
	}
}

type StepBatch struct {
	Tokens    []int `json:"tokens"`
	Seqs      []int `json:"seqs,omitempty"`
	Positions []int `json:"positions,omitempty"`
}

type StepRequest struct {
	Phase         string      `json:"phase"`
	Batches       []StepBatch `json:"batches"`
	IncludeHidden bool        `json:"include_hidden,omitempty"`
}

// RankOutput summarises the final hidden states of one DP rank.
type RankOutput struct {
	DP     int         `json:"dp"`
	Rows   int         `json:"rows"`
	Cols   int         `json:"cols"`
	L2Norm float64     `json:"l2_norm"`
	MaxAbs float32     `json:"max_abs"`
	Finite bool        `json:"finite"`
	Hidden [][]float32 `json:"hidden,omitempty"`
}

type StepResponse struct {
	ID           string        `json:"id"`
	PassID       string        `json:"pass_id"`
	Phase        string        `json:"phase"`
	Mode         string        `json:"mode"`
	CombinedComm bool          `json:"combined_comm"`
	Lengths      []int         `json:"lengths"`
	Plan         *PlanResponse `json:"plan,omitempty"`
	Ranks        []RankOutput  `json:"ranks"`
}

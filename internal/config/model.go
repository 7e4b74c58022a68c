// Package config holds the model hyper-parameters (HF config.json layout) and
// the runtime parallel settings, with the validation both need before any
// component is built.
package config

import (
	"math"
	"os"
	"strings"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"

	"github.com/samcharles93/latentmesh/internal/faults"
)

// Routing methods accepted in topk_method.
const (
	TopKGreedy       = "greedy"
	TopKGroupLimited = "group_limited_greedy"
	TopKNoAuxTC      = "noaux_tc"
)

// Scoring functions accepted in scoring_func.
const (
	ScoringSoftmax = "softmax"
	ScoringSigmoid = "sigmoid"
)

// RopeScaling is the rope_scaling block of a DeepSeek config.
type RopeScaling struct {
	Type                          string  `json:"type,omitempty"`
	RopeType                      string  `json:"rope_type,omitempty"`
	Factor                        float64 `json:"factor"`
	OriginalMaxPositionEmbeddings int     `json:"original_max_position_embeddings"`
	BetaFast                      float64 `json:"beta_fast,omitempty"`
	BetaSlow                      float64 `json:"beta_slow,omitempty"`
	MScale                        float64 `json:"mscale,omitempty"`
	MScaleAllDim                  float64 `json:"mscale_all_dim,omitempty"`
}

// Kind returns the lower-cased scaling type.
func (r *RopeScaling) Kind() string {
	if r == nil {
		return ""
	}
	t := strings.TrimSpace(r.RopeType)
	if t == "" {
		t = strings.TrimSpace(r.Type)
	}
	return strings.ToLower(t)
}

// Model mirrors the fields of a DeepSeek-V2/V3 config.json that decoder
// layers consume.
type Model struct {
	HiddenSize            int     `json:"hidden_size"`
	NumHiddenLayers       int     `json:"num_hidden_layers"`
	NumAttentionHeads     int     `json:"num_attention_heads"`
	VocabSize             int     `json:"vocab_size"`
	IntermediateSize      int     `json:"intermediate_size"`
	MoEIntermediateSize   int     `json:"moe_intermediate_size"`
	HiddenAct             string  `json:"hidden_act"`
	RMSNormEps            float64 `json:"rms_norm_eps"`
	RopeTheta             float64 `json:"rope_theta"`
	MaxPositionEmbeddings int     `json:"max_position_embeddings"`

	QLoraRank     int   `json:"q_lora_rank"`
	KVLoraRank    int   `json:"kv_lora_rank"`
	QKNopeHeadDim int   `json:"qk_nope_head_dim"`
	QKRopeHeadDim int   `json:"qk_rope_head_dim"`
	VHeadDim      int   `json:"v_head_dim"`
	UseMLA        *bool `json:"use_mla,omitempty"`

	NRoutedExperts      int     `json:"n_routed_experts"`
	NSharedExperts      int     `json:"n_shared_experts"`
	NumExpertsPerTok    int     `json:"num_experts_per_tok"`
	NGroup              int     `json:"n_group"`
	TopKGroup           int     `json:"topk_group"`
	TopKMethod          string  `json:"topk_method"`
	ScoringFunc         string  `json:"scoring_func"`
	NormTopKProb        bool    `json:"norm_topk_prob"`
	RoutedScalingFactor float64 `json:"routed_scaling_factor"`
	FirstKDenseReplace  int     `json:"first_k_dense_replace"`
	MoELayerFreq        int     `json:"moe_layer_freq"`

	RopeScaling *RopeScaling `json:"rope_scaling,omitempty"`
}

// Default returns a small DeepSeek-shaped model used by tests and demos.
func Default() Model {
	return Model{
		HiddenSize:            32,
		NumHiddenLayers:       3,
		NumAttentionHeads:     4,
		VocabSize:             64,
		IntermediateSize:      48,
		MoEIntermediateSize:   16,
		HiddenAct:             "silu",
		RMSNormEps:            1e-6,
		RopeTheta:             10000,
		MaxPositionEmbeddings: 256,

		QLoraRank:     24,
		KVLoraRank:    16,
		QKNopeHeadDim: 8,
		QKRopeHeadDim: 4,
		VHeadDim:      8,

		NRoutedExperts:      8,
		NSharedExperts:      1,
		NumExpertsPerTok:    2,
		NGroup:              4,
		TopKGroup:           2,
		TopKMethod:          TopKNoAuxTC,
		ScoringFunc:         ScoringSigmoid,
		NormTopKProb:        true,
		RoutedScalingFactor: 2.5,
		FirstKDenseReplace:  1,
		MoELayerFreq:        1,

		RopeScaling: &RopeScaling{
			Type:                          "yarn",
			Factor:                        4,
			OriginalMaxPositionEmbeddings: 64,
			BetaFast:                      32,
			BetaSlow:                      1,
			MScale:                        1,
			MScaleAllDim:                  1,
		},
	}
}

// LoadModel reads an HF config.json.
func LoadModel(path string) (Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Model{}, errors.Wrapf(err, "read model config %s", path)
	}
	return ParseModel(data)
}

// ParseModel decodes config.json bytes and fills DeepSeek defaults for
// omitted optional keys.
func ParseModel(data []byte) (Model, error) {
	var m Model
	if err := json.Unmarshal(data, &m); err != nil {
		return Model{}, faults.Configuration("decode model config: %v", err)
	}
	m.applyDefaults()
	return m, nil
}

func (m *Model) applyDefaults() {
	if m.HiddenAct == "" {
		m.HiddenAct = "silu"
	}
	if m.RMSNormEps == 0 {
		m.RMSNormEps = 1e-6
	}
	if m.RopeTheta == 0 {
		m.RopeTheta = 10000
	}
	if m.TopKMethod == "" {
		m.TopKMethod = TopKGreedy
	}
	if m.ScoringFunc == "" {
		m.ScoringFunc = ScoringSoftmax
	}
	if m.RoutedScalingFactor == 0 {
		m.RoutedScalingFactor = 1
	}
	if m.MoELayerFreq == 0 {
		m.MoELayerFreq = 1
	}
	if m.NGroup == 0 {
		m.NGroup = 1
	}
	if m.TopKGroup == 0 {
		m.TopKGroup = m.NGroup
	}
}

// MLA reports whether attention caches the compressed latent.
func (m Model) MLA() bool {
	return m.UseMLA == nil || *m.UseMLA
}

// QKHeadDim is the per-head query/key width.
func (m Model) QKHeadDim() int {
	return m.QKNopeHeadDim + m.QKRopeHeadDim
}

// MoELayer reports whether layer i routes through experts.
func (m Model) MoELayer(i int) bool {
	return m.NRoutedExperts > 0 && i >= m.FirstKDenseReplace && i%max(m.MoELayerFreq, 1) == 0
}

// FirstMoELayer is the first layer index whose FFN reduces over the
// weight-parallel group.
func (m Model) FirstMoELayer() int {
	return m.FirstKDenseReplace
}

// SharedIntermediate is the width of the fused shared-expert MLP.
func (m Model) SharedIntermediate() int {
	return m.NSharedExperts * m.MoEIntermediateSize
}

// YarnMScale is the DeepSeek yarn_get_mscale.
func YarnMScale(scale, mscale float64) float64 {
	if scale <= 1 {
		return 1
	}
	return 0.1*mscale*math.Log(scale) + 1
}

// AttentionScale is qk_head_dim^-0.5, multiplied by mscale² under YaRN.
func (m Model) AttentionScale() float32 {
	scale := 1 / math.Sqrt(float64(m.QKHeadDim()))
	if rs := m.RopeScaling; rs != nil {
		ms := YarnMScale(rs.Factor, rs.MScaleAllDim)
		scale *= ms * ms
	}
	return float32(scale)
}

// Validate checks the hyper-parameters on their own.
func (m Model) Validate() error {
	positive := []struct {
		name string
		v    int
	}{
		{"hidden_size", m.HiddenSize},
		{"num_hidden_layers", m.NumHiddenLayers},
		{"num_attention_heads", m.NumAttentionHeads},
		{"vocab_size", m.VocabSize},
		{"qk_rope_head_dim", m.QKRopeHeadDim},
		{"v_head_dim", m.VHeadDim},
		{"kv_lora_rank", m.KVLoraRank},
	}
	for _, p := range positive {
		if p.v <= 0 {
			return faults.Configuration("%s must be > 0, got %d", p.name, p.v)
		}
	}
	if m.HiddenAct != "silu" {
		return faults.Configuration("unsupported activation %q; only silu is supported", m.HiddenAct)
	}
	if m.QKNopeHeadDim < 0 || m.QLoraRank < 0 {
		return faults.Configuration("qk_nope_head_dim and q_lora_rank must be >= 0")
	}
	if m.QKRopeHeadDim%2 != 0 {
		return faults.Configuration("qk_rope_head_dim must be even, got %d", m.QKRopeHeadDim)
	}
	for i := 0; i < m.NumHiddenLayers; i++ {
		if !m.MoELayer(i) && m.IntermediateSize <= 0 {
			return faults.Configuration("intermediate_size must be > 0, layer %d is dense", i)
		}
	}
	if err := m.validateRouting(); err != nil {
		return err
	}
	if rs := m.RopeScaling; rs != nil {
		switch rs.Kind() {
		case "yarn", "deepseek_yarn":
		default:
			return faults.Configuration("unsupported rope_scaling type %q", rs.Kind())
		}
		if rs.Factor <= 0 || rs.OriginalMaxPositionEmbeddings <= 0 {
			return faults.Configuration("rope_scaling needs factor and original_max_position_embeddings")
		}
	}
	return nil
}

func (m Model) validateRouting() error {
	if m.NRoutedExperts == 0 {
		return nil
	}
	if m.NRoutedExperts < 0 || m.MoEIntermediateSize <= 0 {
		return faults.Configuration("n_routed_experts and moe_intermediate_size must be > 0")
	}
	if m.NumExpertsPerTok <= 0 || m.NumExpertsPerTok > m.NRoutedExperts {
		return faults.Configuration("num_experts_per_tok %d outside [1,%d]", m.NumExpertsPerTok, m.NRoutedExperts)
	}
	switch m.ScoringFunc {
	case ScoringSoftmax, ScoringSigmoid:
	default:
		return faults.Configuration("unsupported scoring_func %q", m.ScoringFunc)
	}
	switch m.TopKMethod {
	case TopKGreedy, TopKGroupLimited, TopKNoAuxTC:
	default:
		return faults.Configuration("unsupported topk_method %q", m.TopKMethod)
	}
	if m.NGroup < 1 || m.NRoutedExperts%m.NGroup != 0 {
		return faults.Configuration("n_routed_experts %d not divisible by n_group %d", m.NRoutedExperts, m.NGroup)
	}
	if m.TopKGroup < 1 || m.TopKGroup > m.NGroup {
		return faults.Configuration("topk_group %d outside [1,%d]", m.TopKGroup, m.NGroup)
	}
	if m.TopKMethod != TopKGreedy {
		if reach := m.TopKGroup * (m.NRoutedExperts / m.NGroup); m.NumExpertsPerTok > reach {
			return faults.Configuration("num_experts_per_tok %d exceeds the %d experts of %d kept groups", m.NumExpertsPerTok, reach, m.TopKGroup)
		}
	}
	if m.RoutedScalingFactor <= 0 {
		return faults.Configuration("routed_scaling_factor must be > 0")
	}
	return nil
}

package config

import (
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/latentmesh/internal/faults"
	"github.com/samcharles93/latentmesh/internal/tensor"
)

// Parallel is the pp×dp×tp layout of one deployment.
type Parallel struct {
	TP int `yaml:"tp" json:"tp"`
	DP int `yaml:"dp" json:"dp"`
	PP int `yaml:"pp" json:"pp"`
}

// Runtime holds the settings that are not part of the checkpoint.
type Runtime struct {
	Parallel  Parallel `yaml:"parallel" json:"parallel"`
	GraphMode bool     `yaml:"graph_mode" json:"graph_mode"`
	EnableMC2 bool     `yaml:"enable_mc2" json:"enable_mc2"`
	// DType is the activation storage dtype: f32, f16 or bf16.
	DType string `yaml:"dtype" json:"dtype"`
	// GraphBatchSizes are the decode batch sizes captured up front in
	// graph mode.
	GraphBatchSizes []int `yaml:"graph_batch_sizes" json:"graph_batch_sizes"`
	Seed            int64 `yaml:"seed" json:"seed"`
}

// DefaultRuntime is a single-rank eager f32 setup.
func DefaultRuntime() Runtime {
	return Runtime{
		Parallel:        Parallel{TP: 1, DP: 1, PP: 1},
		DType:           "f32",
		GraphBatchSizes: []int{1, 2, 4, 8},
		Seed:            1,
	}
}

// ParseRuntime decodes a YAML runtime block over DefaultRuntime.
func ParseRuntime(data []byte) (Runtime, error) {
	rt := DefaultRuntime()
	if err := yaml.Unmarshal(data, &rt); err != nil {
		return Runtime{}, faults.Configuration("decode runtime config: %v", err)
	}
	return rt, nil
}

// ActivationDType parses DType.
func (r Runtime) ActivationDType() (tensor.DType, error) {
	return tensor.ParseDType(r.DType)
}

// Validate checks the runtime settings against the model they will run.
func (r Runtime) Validate(m Model) error {
	p := r.Parallel
	if p.TP < 1 || p.DP < 1 || p.PP < 1 {
		return faults.Configuration("parallel sizes must be >= 1, got tp=%d dp=%d pp=%d", p.TP, p.DP, p.PP)
	}
	if m.NumAttentionHeads%p.TP != 0 {
		return faults.Configuration("num_attention_heads %d not divisible by tp %d", m.NumAttentionHeads, p.TP)
	}
	if m.NRoutedExperts > 0 && p.TP > m.NRoutedExperts {
		return faults.Configuration("tensor parallel size %d exceeds %d routed experts", p.TP, m.NRoutedExperts)
	}
	if m.NumHiddenLayers < p.PP {
		return faults.Configuration("num_hidden_layers %d smaller than pp %d", m.NumHiddenLayers, p.PP)
	}
	if _, err := r.ActivationDType(); err != nil {
		return err
	}
	if r.GraphMode {
		if len(r.GraphBatchSizes) == 0 {
			return faults.Configuration("graph mode needs at least one graph batch size")
		}
		for _, n := range r.GraphBatchSizes {
			if n < 1 {
				return faults.Configuration("graph batch size %d must be >= 1", n)
			}
			if r.EnableMC2 && n%p.TP != 0 {
				return faults.Configuration("graph batch size %d not divisible by tp %d with mc2 enabled", n, p.TP)
			}
		}
	}
	return nil
}

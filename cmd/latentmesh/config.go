package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/latentmesh/internal/envconfig"
)

// Config represents the latentmesh configuration file
// (~/.config/latentmesh/config.yaml). Pointer fields distinguish "not set"
// from zero values.
type Config struct {
	Model string `yaml:"model"`

	TP              *int   `yaml:"tp"`
	DP              *int   `yaml:"dp"`
	PP              *int   `yaml:"pp"`
	GraphMode       *bool  `yaml:"graph_mode"`
	EnableMC2       *bool  `yaml:"enable_mc2"`
	DType           string `yaml:"dtype"`
	GraphBatchSizes []int  `yaml:"graph_batch_sizes"`
	Seed            *int64 `yaml:"seed"`
	FP16Guard       string `yaml:"fp16_guard"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	ServerAddress string `yaml:"server_address"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "latentmesh", "config.yaml")
}

// LoadConfig reads the config file. Returns a zero Config if the file doesn't exist.
func LoadConfig() Config {
	path := configPath()
	if path == "" {
		return Config{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}
	}
	cfg, err := parseConfig(data)
	if err != nil {
		return Config{}
	}
	return cfg
}

func parseConfig(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEngineConfig fills engine flag variables that were not set on the
// command line, first from LATENTMESH_* variables and then from cfg.
func applyEngineConfig(c *cli.Command, cfg Config) {
	if cfg.Model != "" && !c.IsSet("model") {
		modelPath = cfg.Model
	}
	if cfg.TP != nil && !c.IsSet("tp") {
		tp = *cfg.TP
	}
	if cfg.DP != nil && !c.IsSet("dp") {
		dp = *cfg.DP
	}
	if cfg.PP != nil && !c.IsSet("pp") {
		pp = *cfg.PP
	}
	if !c.IsSet("graph") {
		def := graphMode
		if cfg.GraphMode != nil {
			def = *cfg.GraphMode
		}
		graphMode = envconfig.GraphMode(def)
	}
	if !c.IsSet("mc2") {
		def := enableMC2
		if cfg.EnableMC2 != nil {
			def = *cfg.EnableMC2
		}
		enableMC2 = envconfig.EnableMC2(def)
	}
	if !c.IsSet("dtype") {
		if env := envconfig.DType(); env != "" {
			dtype = env
		} else if cfg.DType != "" {
			dtype = cfg.DType
		}
	}
	if !c.IsSet("seed") {
		if envconfig.Set("LATENTMESH_SEED") {
			seed = envconfig.Seed()
		} else if cfg.Seed != nil {
			seed = *cfg.Seed
		}
	}
	if cfg.FP16Guard != "" && !c.IsSet("fp16-guard") {
		fp16Guard = cfg.FP16Guard
	}
}

// applyServeConfig resolves the listen address.
func applyServeConfig(c *cli.Command, cfg Config, addr *string) {
	if c.IsSet("addr") {
		return
	}
	if env := envconfig.Listen(); env != "" {
		*addr = env
	} else if cfg.ServerAddress != "" {
		*addr = cfg.ServerAddress
	}
}

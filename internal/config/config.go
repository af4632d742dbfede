// Package config loads the bot's YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"singularitytrainer.ai/internal/codec"
	"singularitytrainer.ai/internal/protocol"
	"singularitytrainer.ai/internal/trainer"
)

type Config struct {
	Trainer     TrainerSection     `yaml:"trainer"`
	Session     SessionSection     `yaml:"session"`
	Stats       StatsSection       `yaml:"stats"`
	Arena       ArenaSection       `yaml:"arena"`
	Persistence PersistenceSection `yaml:"persistence"`
}

type TrainerSection struct {
	URL                   string  `yaml:"url"`
	Codec                 string  `yaml:"codec"`
	WaitTimeMS            int     `yaml:"wait_time_ms"`
	HandshakeTimeoutMS    int     `yaml:"handshake_timeout_ms"`
	GreetingAck           string  `yaml:"greeting_ack"`
	Batching              string  `yaml:"batching"`
	AwaitRewardAck        bool    `yaml:"await_reward_ack"`
	NormalizeObservations bool    `yaml:"normalize_observations"`
	ObservationClip       float64 `yaml:"observation_clip"`
}

type SessionSection struct {
	SessionID   int                  `yaml:"session_id"`
	Training    bool                 `yaml:"training"`
	AutoTrain   bool                 `yaml:"auto_train"`
	Contexts    int                  `yaml:"contexts"`
	ModelPath   string               `yaml:"model_path"`
	Model       ModelSection         `yaml:"model"`
	HyperParams protocol.HyperParams `yaml:"hyperparams"`
}

type ModelSection struct {
	Inputs            []int    `yaml:"inputs"`
	Outputs           []int    `yaml:"outputs"`
	FeatureExtractors []string `yaml:"feature_extractors"`
	Recurrent         bool     `yaml:"recurrent"`
	NormalizeInputs   bool     `yaml:"normalize_inputs"`
	NormalizeRewards  bool     `yaml:"normalize_rewards"`
}

type StatsSection struct {
	EMAAlpha       float64 `yaml:"ema_alpha"`
	RewardHistory  int     `yaml:"reward_history"`
	EpisodeHistory int     `yaml:"episode_history"`
	ValueHistory   int     `yaml:"value_history"`
}

type ArenaSection struct {
	Environments      int     `yaml:"environments"`
	MaxSteps          int     `yaml:"max_steps"`
	MaxEpisodeSeconds float64 `yaml:"max_episode_seconds"`
	TickHz            int     `yaml:"tick_hz"`
	SimStepsPerTick   int     `yaml:"sim_steps_per_tick"`
	Seed              int64   `yaml:"seed"`
	RetreatPenalty    float64 `yaml:"retreat_penalty"`
}

type PersistenceSection struct {
	DataDir     string `yaml:"data_dir"`
	DisableLogs bool   `yaml:"disable_logs"`
	DisableDB   bool   `yaml:"disable_db"`

	// NormalizerCheckpoint defaults to <data_dir>/checkpoints/normalizer.ckpt.zst.
	NormalizerCheckpoint string `yaml:"normalizer_checkpoint"`
}

// Load reads path on top of the defaults. An empty path yields the defaults.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) == "" {
		cfg.Normalize()
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	return Parse(b)
}

func Parse(b []byte) (Config, error) {
	cfg := Defaults()
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("trainer.yaml: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("trainer.yaml: %w", err)
	}
	return cfg, nil
}

func Defaults() Config {
	return Config{
		Trainer: TrainerSection{
			URL:                "ws://127.0.0.1:10201",
			Codec:              "json",
			WaitTimeMS:         1000,
			HandshakeTimeoutMS: 10000,
			GreetingAck:        protocol.HandshakeAck,
			Batching:           string(trainer.PolicyBatched),
			ObservationClip:    10,
		},
		Session: SessionSection{
			Training:  true,
			AutoTrain: true,
			Model: ModelSection{
				Inputs:            []int{7},
				Outputs:           []int{5},
				FeatureExtractors: []string{"mlp"},
			},
			HyperParams: protocol.HyperParams{
				LearningRate:    0.0007,
				BatchSize:       250,
				MinibatchLength: 5,
				NumMinibatch:    60,
				Epochs:          10,
				DiscountFactor:  0.98,
				GAE:             0.6,
				CriticCoef:      0.5,
				EntropyCoef:     0.0001,
				MaxGradNorm:     0.5,
			},
		},
		Stats: StatsSection{
			EMAAlpha:       0.01,
			RewardHistory:  1000,
			EpisodeHistory: 100,
			ValueHistory:   100,
		},
		Arena: ArenaSection{
			Environments:      14,
			MaxSteps:          500,
			MaxEpisodeSeconds: 60,
			TickHz:            10,
			SimStepsPerTick:   4,
			Seed:              1,
			RetreatPenalty:    -0.1,
		},
		Persistence: PersistenceSection{
			DataDir: "./data",
		},
	}
}

func (c *Config) Normalize() {
	if c == nil {
		return
	}
	c.Trainer.URL = strings.TrimSpace(c.Trainer.URL)
	c.Trainer.Codec = strings.ToLower(strings.TrimSpace(c.Trainer.Codec))
	c.Trainer.Batching = strings.ToLower(strings.TrimSpace(c.Trainer.Batching))
	if c.Trainer.Batching == "per-env" || c.Trainer.Batching == "perenv" {
		c.Trainer.Batching = string(trainer.PolicyPerEnv)
	}
	if c.Trainer.ObservationClip <= 0 {
		c.Trainer.ObservationClip = 10
	}
	if c.Stats.ValueHistory <= 0 {
		c.Stats.ValueHistory = 100
	}
	c.Persistence.DataDir = strings.TrimSpace(c.Persistence.DataDir)
	if c.Persistence.DataDir == "" {
		c.Persistence.DataDir = "./data"
	}
	c.Persistence.NormalizerCheckpoint = strings.TrimSpace(c.Persistence.NormalizerCheckpoint)
	if c.Arena.SimStepsPerTick <= 0 {
		c.Arena.SimStepsPerTick = 1
	}
	// The trainer sizes its buffers from contexts; it always matches the
	// number of environments the bot registers.
	c.Session.Contexts = c.Arena.Environments
}

func (c Config) Validate() error {
	if c.Trainer.URL == "" {
		return fmt.Errorf("trainer.url is required")
	}
	if !strings.HasPrefix(c.Trainer.URL, "ws://") && !strings.HasPrefix(c.Trainer.URL, "wss://") {
		return fmt.Errorf("trainer.url must be a ws:// or wss:// url: %q", c.Trainer.URL)
	}
	if _, err := codec.New(c.Trainer.Codec); err != nil {
		return fmt.Errorf("trainer.codec: %w", err)
	}
	switch trainer.Policy(c.Trainer.Batching) {
	case trainer.PolicyBatched, trainer.PolicyPerEnv:
	default:
		return fmt.Errorf("trainer.batching must be %q or %q: %q", trainer.PolicyBatched, trainer.PolicyPerEnv, c.Trainer.Batching)
	}
	if c.Trainer.WaitTimeMS <= 0 {
		return fmt.Errorf("trainer.wait_time_ms must be > 0")
	}
	if c.Trainer.HandshakeTimeoutMS <= 0 {
		return fmt.Errorf("trainer.handshake_timeout_ms must be > 0")
	}
	if c.Arena.Environments <= 0 {
		return fmt.Errorf("arena.environments must be > 0")
	}
	if c.Arena.TickHz <= 0 {
		return fmt.Errorf("arena.tick_hz must be > 0")
	}
	if len(c.Session.Model.Inputs) == 0 || len(c.Session.Model.Outputs) == 0 {
		return fmt.Errorf("session.model inputs and outputs are required")
	}
	if !c.Session.Training && strings.TrimSpace(c.Session.ModelPath) == "" {
		return fmt.Errorf("session.model_path is required when training is false")
	}
	if c.Stats.EMAAlpha < 0 || c.Stats.EMAAlpha > 1 {
		return fmt.Errorf("stats.ema_alpha must be in [0,1]")
	}
	return nil
}

// BeginSession builds the begin_session parameters. Inference sessions
// carry model_path and no hyperparameters.
func (c Config) BeginSession() protocol.BeginSessionParam {
	p := protocol.BeginSessionParam{
		Model: protocol.Model{
			Inputs:            append([]int(nil), c.Session.Model.Inputs...),
			Outputs:           append([]int(nil), c.Session.Model.Outputs...),
			FeatureExtractors: append([]string(nil), c.Session.Model.FeatureExtractors...),
			Recurrent:         c.Session.Model.Recurrent,
			NormalizeInputs:   c.Session.Model.NormalizeInputs,
			NormalizeRewards:  c.Session.Model.NormalizeRewards,
		},
		SessionID: c.Session.SessionID,
		Training:  c.Session.Training,
		Contexts:  c.Session.Contexts,
		AutoTrain: c.Session.AutoTrain,
	}
	if c.Session.Training {
		hp := c.Session.HyperParams
		p.HyperParams = &hp
	} else {
		p.ModelPath = c.Session.ModelPath
	}
	return p
}

func (c Config) TrainerConfig() trainer.Config {
	return trainer.Config{
		URL:                   c.Trainer.URL,
		WaitTime:              time.Duration(c.Trainer.WaitTimeMS) * time.Millisecond,
		HandshakeTimeout:      time.Duration(c.Trainer.HandshakeTimeoutMS) * time.Millisecond,
		GreetingAck:           c.Trainer.GreetingAck,
		Policy:                trainer.Policy(c.Trainer.Batching),
		AwaitRewardAck:        c.Trainer.AwaitRewardAck,
		NormalizeObservations: c.Trainer.NormalizeObservations,
		ObservationClip:       c.Trainer.ObservationClip,
		Session:               c.BeginSession(),
		EMAAlpha:              c.Stats.EMAAlpha,
		RewardHistory:         c.Stats.RewardHistory,
		EpisodeHistory:        c.Stats.EpisodeHistory,
	}
}

// NormalizerCheckpointPath is where observation statistics are kept
// between runs.
func (c Config) NormalizerCheckpointPath() string {
	if c.Persistence.NormalizerCheckpoint != "" {
		return c.Persistence.NormalizerCheckpoint
	}
	return filepath.Join(c.Persistence.DataDir, "checkpoints", "normalizer.ckpt.zst")
}

// TickInterval is the wall-clock period between control ticks.
func (c Config) TickInterval() time.Duration {
	return time.Second / time.Duration(c.Arena.TickHz)
}

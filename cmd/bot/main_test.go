package main

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"singularitytrainer.ai/internal/arena"
	"singularitytrainer.ai/internal/config"
	"singularitytrainer.ai/internal/env"
	"singularitytrainer.ai/internal/protocol"
	"singularitytrainer.ai/internal/trainer"
	"singularitytrainer.ai/internal/trainertest"
	"singularitytrainer.ai/internal/transport/observer"
)

func newBot(t *testing.T, url string, n int) (*trainer.Client, []*arena.Env) {
	t.Helper()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("defaults: %v", err)
	}
	applyOverrides(&cfg, overrides{URL: url, Envs: n})
	envs, err := buildArena(cfg)
	if err != nil {
		t.Fatalf("arena: %v", err)
	}
	client := trainer.New(cfg.TrainerConfig(), trainer.Options{})
	members := make([]env.Environment, len(envs))
	for i, e := range envs {
		members[i] = e
	}
	if _, err := client.Register(members...); err != nil {
		t.Fatalf("register: %v", err)
	}
	return client, envs
}

func TestApplyOverrides(t *testing.T) {
	cfg, _ := config.Load("")
	applyOverrides(&cfg, overrides{URL: " ws://x:1 ", Codec: "msgpack", Batching: "per_env", Envs: 2, DisableDB: true})
	if cfg.Trainer.URL != "ws://x:1" || cfg.Trainer.Codec != "msgpack" || cfg.Trainer.Batching != "per_env" {
		t.Fatalf("trainer=%+v", cfg.Trainer)
	}
	if cfg.Arena.Environments != 2 || cfg.Session.Contexts != 2 || !cfg.Persistence.DisableDB {
		t.Fatalf("arena=%+v session.contexts=%d", cfg.Arena, cfg.Session.Contexts)
	}
}

func TestRun_DrivesArenaAgainstTrainer(t *testing.T) {
	srv := trainertest.NewServer(trainertest.Options{Outputs: 5})
	defer srv.Close()

	client, envs := newBot(t, srv.URL(), 3)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.BeginTraining(ctx); err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer client.EndTraining(context.Background())

	logger := log.New(io.Discard, "", 0)
	if err := run(ctx, client, envs, 5*time.Millisecond, 3, logger); err != nil {
		t.Fatalf("run: %v", err)
	}

	calls := srv.Calls(protocol.MethodGetActions)
	if len(calls) != 3 {
		t.Fatalf("get_actions calls=%d want=3", len(calls))
	}
	var p protocol.GetActionsParam
	if err := srv.Decode(calls[0], &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(p.Inputs) != 3 || len(p.Inputs[0]) != 7 {
		t.Fatalf("inputs rows=%d width=%d", len(p.Inputs), len(p.Inputs[0]))
	}
	if c := client.Counters(); c.OK != 3 {
		t.Fatalf("counters=%+v", c)
	}
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	client, envs := newBot(t, "ws://127.0.0.1:1", 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := run(ctx, client, envs, time.Millisecond, 0, log.New(io.Discard, "", 0)); err != context.Canceled {
		t.Fatalf("err=%v want=%v", err, context.Canceled)
	}
}

func TestStatusEndpoints(t *testing.T) {
	client, envs := newBot(t, "ws://127.0.0.1:1", 2)
	h := httptest.NewServer(newStatusServer(client, envs, nil, observer.NewServer(client, nil)).routes())
	defer h.Close()

	resp, err := http.Get(h.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.HasPrefix(string(body), "ok uninitialized") {
		t.Fatalf("healthz status=%d body=%q", resp.StatusCode, body)
	}

	resp, err = http.Get(h.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	for _, want := range []string{
		"singularity_trainer_ticks_total 0\n",
		`singularity_trainer_tick_outcomes_total{outcome="timeout"} 0`,
		`singularity_trainer_tick_outcomes_total{outcome="encode_error"} 0`,
		`singularity_trainer_tick_outcomes_total{outcome="canceled"} 0`,
		`singularity_trainer_tick_outcomes_total{outcome="transport_error"} 0`,
		"singularity_trainer_late_acks_total 0\n",
		"singularity_trainer_session_active 0\n",
		"singularity_trainer_observers 0\n",
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics missing %q:\n%s", want, body)
		}
	}

	resp, err = http.Get(h.URL + "/v1/status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	defer resp.Body.Close()
	var st statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.State != "uninitialized" || len(st.Envs) != 2 {
		t.Fatalf("status=%+v", st)
	}
}

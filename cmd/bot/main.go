package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"singularitytrainer.ai/internal/arena"
	"singularitytrainer.ai/internal/codec"
	"singularitytrainer.ai/internal/config"
	"singularitytrainer.ai/internal/env"
	"singularitytrainer.ai/internal/persistence/checkpoint"
	"singularitytrainer.ai/internal/persistence/indexdb"
	tlog "singularitytrainer.ai/internal/persistence/log"
	"singularitytrainer.ai/internal/trainer"
	"singularitytrainer.ai/internal/transport/observer"
)

func main() {
	var (
		configPath   = flag.String("config", envString("ST_CONFIG", "./configs/trainer.yaml"), "trainer.yaml path (empty for defaults)")
		url          = flag.String("url", envString("ST_TRAINER_URL", ""), "trainer ws url (overrides trainer.url)")
		codecName    = flag.String("codec", envString("ST_CODEC", ""), "wire codec json|msgpack (overrides trainer.codec)")
		batching     = flag.String("batching", envString("ST_BATCHING", ""), "batched|per_env (overrides trainer.batching)")
		envCount     = flag.Int("envs", envInt("ST_ENVS", 0), "number of arena environments (overrides arena.environments)")
		dataDir      = flag.String("data", envString("ST_DATA_DIR", ""), "runtime data directory (overrides persistence.data_dir)")
		disableDB    = flag.Bool("disable_db", envBool("ST_DISABLE_DB", false), "disable the sqlite run index")
		disableLogs  = flag.Bool("disable_logs", envBool("ST_DISABLE_LOGS", false), "disable the zstd tick log")
		statusListen = flag.String("status_listen", envString("ST_STATUS_LISTEN", "127.0.0.1:10202"), "status http listen address (empty to disable)")
		saveModel    = flag.String("save_model", "", "ask the trainer to save its model here before ending the session")
		maxTicks     = flag.Int("max_ticks", 0, "stop after this many dispatched ticks (0 runs until interrupted)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := config.Load(*configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fatalf("load config: %v", err)
		}
		logger.Printf("config not found (%s); using defaults", *configPath)
		cfg, _ = config.Load("")
	}
	applyOverrides(&cfg, overrides{
		URL:         *url,
		Codec:       *codecName,
		Batching:    *batching,
		Envs:        *envCount,
		DataDir:     *dataDir,
		DisableDB:   *disableDB,
		DisableLogs: *disableLogs,
	})
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("config: %v", err)
	}

	cdc, err := codec.New(cfg.Trainer.Codec)
	if err != nil {
		logger.Fatalf("codec: %v", err)
	}

	envs, err := buildArena(cfg)
	if err != nil {
		logger.Fatalf("arena: %v", err)
	}
	if got, want := envs[0].Inputs(), cfg.Session.Model.Inputs; !equalInts(got, want) {
		logger.Printf("warning: arena observation shape %v differs from session.model.inputs %v", got, want)
	}
	if got, want := envs[0].Outputs(), cfg.Session.Model.Outputs; !equalInts(got, want) {
		logger.Printf("warning: arena action shape %v differs from session.model.outputs %v", got, want)
	}

	var sinks []trainer.Sink
	if !cfg.Persistence.DisableLogs {
		tl := tlog.NewTickLogger(cfg.Persistence.DataDir)
		defer tl.Close()
		sinks = append(sinks, tl)
	}
	var idx *indexdb.SQLiteIndex
	if !cfg.Persistence.DisableDB {
		idx, err = indexdb.OpenSQLite(filepath.Join(cfg.Persistence.DataDir, "index", "runs.sqlite"))
		if err != nil {
			logger.Fatalf("open run index: %v", err)
		}
		defer idx.Close()
		sinks = append(sinks, idx)
	}

	src := &clientSource{}
	obs := observer.NewServer(src, logger)
	sinks = append(sinks, obs)

	opts := trainer.Options{
		Codec:  cdc,
		Logger: logger,
		Sinks:  sinks,
	}
	ckptPath := cfg.NormalizerCheckpointPath()
	if cfg.Trainer.NormalizeObservations {
		n, h, err := checkpoint.LoadNormalizer(ckptPath)
		switch {
		case err == nil:
			opts.Normalizer = n
			logger.Printf("normalizer restored path=%s run=%s steps=%d", ckptPath, h.RunID, n.Steps())
		case os.IsNotExist(err):
		default:
			logger.Printf("normalizer checkpoint ignored path=%s: %v", ckptPath, err)
		}
	}
	client := trainer.New(cfg.TrainerConfig(), opts)
	src.Client = client
	members := make([]env.Environment, len(envs))
	for i, e := range envs {
		members[i] = e
	}
	if _, err := client.Register(members...); err != nil {
		logger.Fatalf("register: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	if *statusListen != "" {
		srv := &http.Server{
			Addr:              *statusListen,
			Handler:           newStatusServer(client, envs, idx, obs).routes(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			<-ctx.Done()
			ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel2()
			_ = srv.Shutdown(ctx2)
		}()
		go func() {
			logger.Printf("status listening on %s", *statusListen)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Printf("status server: %v", err)
			}
		}()
	}

	if err := client.BeginTraining(ctx); err != nil {
		logger.Fatalf("begin training: %v", err)
	}
	defer func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		if p := strings.TrimSpace(*saveModel); p != "" && client.State().Active() {
			if err := client.SaveModel(ctx2, p); err != nil {
				logger.Printf("save model path=%s: %v", p, err)
			} else {
				logger.Printf("model saved path=%s", p)
			}
		}
		client.EndTraining(ctx2)
		if st, ok := client.NormalizerState(); ok && cfg.Session.Training {
			if err := checkpoint.WriteNormalizer(ckptPath, client.RunID(), st); err != nil {
				logger.Printf("save normalizer path=%s: %v", ckptPath, err)
			}
		}
		c := client.Counters()
		logger.Printf("session ended run=%s ticks=%d ok=%d timeouts=%d decode_errors=%d rpc_errors=%d transport_errors=%d stale=%d",
			client.RunID(), c.Ticks, c.OK, c.Timeouts, c.DecodeErrors, c.RPCErrors, c.TransportErrs, c.StaleResponses)
	}()

	if err := run(ctx, client, envs, cfg.TickInterval(), *maxTicks, logger); err != nil {
		logger.Printf("stopped: %v", err)
	}
}

// run drives the control loop: every tick all environments advance and
// submit concurrently, then the batch is exchanged for actions.
func run(ctx context.Context, client *trainer.Client, envs []*arena.Env, every time.Duration, maxTicks int, logger *log.Logger) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	dispatched := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		var wg sync.WaitGroup
		for _, e := range envs {
			wg.Add(1)
			go func(e *arena.Env) {
				defer wg.Done()
				if err := e.Tick(); err != nil {
					logger.Printf("env ctx=%d tick: %v", e.ContextID(), err)
				}
			}(e)
		}
		wg.Wait()

		_, err := client.Step(ctx)
		switch {
		case err == nil:
		case errors.Is(err, trainer.ErrBatchPending):
			continue
		case trainer.IsRecoverable(err):
			// Logged by the client; the next tick retries with fresh observations.
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			return fmt.Errorf("step: %w", err)
		}
		dispatched++
		if maxTicks > 0 && dispatched >= maxTicks {
			return nil
		}
	}
}

func buildArena(cfg config.Config) ([]*arena.Env, error) {
	envs := make([]*arena.Env, cfg.Arena.Environments)
	for i := range envs {
		e, err := arena.New(arena.Config{
			MaxSteps:        cfg.Arena.MaxSteps,
			MaxEpisode:      time.Duration(cfg.Arena.MaxEpisodeSeconds * float64(time.Second)),
			SimStepsPerTick: cfg.Arena.SimStepsPerTick,
			Seed:            cfg.Arena.Seed + int64(i),
			RetreatPenalty:  cfg.Arena.RetreatPenalty,
			ValueHistory:    cfg.Stats.ValueHistory,
		})
		if err != nil {
			return nil, err
		}
		envs[i] = e
	}
	return envs, nil
}

// clientSource lets the observer stream be registered as a sink before
// the client it describes exists.
type clientSource struct {
	*trainer.Client
}

type overrides struct {
	URL         string
	Codec       string
	Batching    string
	Envs        int
	DataDir     string
	DisableDB   bool
	DisableLogs bool
}

func applyOverrides(cfg *config.Config, o overrides) {
	if s := strings.TrimSpace(o.URL); s != "" {
		cfg.Trainer.URL = s
	}
	if s := strings.TrimSpace(o.Codec); s != "" {
		cfg.Trainer.Codec = s
	}
	if s := strings.TrimSpace(o.Batching); s != "" {
		cfg.Trainer.Batching = s
	}
	if o.Envs > 0 {
		cfg.Arena.Environments = o.Envs
	}
	if s := strings.TrimSpace(o.DataDir); s != "" {
		cfg.Persistence.DataDir = s
	}
	cfg.Persistence.DisableDB = cfg.Persistence.DisableDB || o.DisableDB
	cfg.Persistence.DisableLogs = cfg.Persistence.DisableLogs || o.DisableLogs
	cfg.Normalize()
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"singularitytrainer.ai/internal/arena"
	"singularitytrainer.ai/internal/persistence/indexdb"
	"singularitytrainer.ai/internal/stats"
	"singularitytrainer.ai/internal/trainer"
	"singularitytrainer.ai/internal/transport/observer"
)

const chartPoints = 200

type statusServer struct {
	client  *trainer.Client
	envs    []*arena.Env
	idx     *indexdb.SQLiteIndex
	obs     *observer.Server
	started time.Time
}

func newStatusServer(client *trainer.Client, envs []*arena.Env, idx *indexdb.SQLiteIndex, obs *observer.Server) *statusServer {
	return &statusServer{client: client, envs: envs, idx: idx, obs: obs, started: time.Now()}
}

func (s *statusServer) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.healthz)
	mux.HandleFunc("/metrics", s.metrics)
	mux.HandleFunc("/v1/status", s.status)
	if s.obs != nil {
		mux.HandleFunc("/v1/observer/bootstrap", s.obs.BootstrapHandler())
		mux.HandleFunc("/v1/observer/ws", s.obs.WSHandler())
	}
	return mux
}

func (s *statusServer) healthz(rw http.ResponseWriter, _ *http.Request) {
	st := s.client.State()
	if st == trainer.StateClosed {
		rw.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprintf(rw, "%s\n", st)
		return
	}
	_, _ = fmt.Fprintf(rw, "ok %s\n", st)
}

func (s *statusServer) metrics(rw http.ResponseWriter, _ *http.Request) {
	rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
	c := s.client.Counters()
	snap := s.client.Stats()

	fmt.Fprintf(rw, "# HELP singularity_trainer_ticks_total Dispatched control ticks.\n")
	fmt.Fprintf(rw, "# TYPE singularity_trainer_ticks_total counter\n")
	fmt.Fprintf(rw, "singularity_trainer_ticks_total %d\n", c.Ticks)

	fmt.Fprintf(rw, "# HELP singularity_trainer_tick_outcomes_total Dispatched ticks by outcome.\n")
	fmt.Fprintf(rw, "# TYPE singularity_trainer_tick_outcomes_total counter\n")
	fmt.Fprintf(rw, "singularity_trainer_tick_outcomes_total{outcome=%q} %d\n", trainer.OutcomeOK, c.OK)
	fmt.Fprintf(rw, "singularity_trainer_tick_outcomes_total{outcome=%q} %d\n", trainer.OutcomeTimeout, c.Timeouts)
	fmt.Fprintf(rw, "singularity_trainer_tick_outcomes_total{outcome=%q} %d\n", trainer.OutcomeDecode, c.DecodeErrors)
	fmt.Fprintf(rw, "singularity_trainer_tick_outcomes_total{outcome=%q} %d\n", trainer.OutcomeRPC, c.RPCErrors)
	fmt.Fprintf(rw, "singularity_trainer_tick_outcomes_total{outcome=%q} %d\n", trainer.OutcomeEncode, c.EncodeErrors)
	fmt.Fprintf(rw, "singularity_trainer_tick_outcomes_total{outcome=%q} %d\n", trainer.OutcomeCanceled, c.Canceled)
	fmt.Fprintf(rw, "singularity_trainer_tick_outcomes_total{outcome=%q} %d\n", trainer.OutcomeTransport, c.TransportErrs)

	fmt.Fprintf(rw, "# HELP singularity_trainer_stale_responses_total Responses discarded for a mismatched id.\n")
	fmt.Fprintf(rw, "# TYPE singularity_trainer_stale_responses_total counter\n")
	fmt.Fprintf(rw, "singularity_trainer_stale_responses_total %d\n", c.StaleResponses)

	fmt.Fprintf(rw, "# HELP singularity_trainer_late_acks_total Acknowledgements of requests sent without waiting.\n")
	fmt.Fprintf(rw, "# TYPE singularity_trainer_late_acks_total counter\n")
	fmt.Fprintf(rw, "singularity_trainer_late_acks_total %d\n", c.LateAcks)

	fmt.Fprintf(rw, "# HELP singularity_trainer_reward_ema Exponential moving average of reported rewards.\n")
	fmt.Fprintf(rw, "# TYPE singularity_trainer_reward_ema gauge\n")
	fmt.Fprintf(rw, "singularity_trainer_reward_ema %g\n", snap.RewardEMA)

	fmt.Fprintf(rw, "# HELP singularity_trainer_reward_mean Mean of the recent reward window.\n")
	fmt.Fprintf(rw, "# TYPE singularity_trainer_reward_mean gauge\n")
	fmt.Fprintf(rw, "singularity_trainer_reward_mean %g\n", snap.RewardMean)

	fmt.Fprintf(rw, "# HELP singularity_trainer_episodes_total Completed episodes.\n")
	fmt.Fprintf(rw, "# TYPE singularity_trainer_episodes_total counter\n")
	fmt.Fprintf(rw, "singularity_trainer_episodes_total %d\n", snap.Episodes)

	fmt.Fprintf(rw, "# HELP singularity_trainer_session_active Whether a trainer session is active.\n")
	fmt.Fprintf(rw, "# TYPE singularity_trainer_session_active gauge\n")
	active := 0
	if s.client.State().Active() {
		active = 1
	}
	fmt.Fprintf(rw, "singularity_trainer_session_active %d\n", active)

	if s.obs != nil {
		fmt.Fprintf(rw, "# HELP singularity_trainer_observers Connected tick stream observers.\n")
		fmt.Fprintf(rw, "# TYPE singularity_trainer_observers gauge\n")
		fmt.Fprintf(rw, "singularity_trainer_observers %d\n", s.obs.Subscribers())

		fmt.Fprintf(rw, "# HELP singularity_trainer_observer_dropped_total Tick messages dropped for slow observers.\n")
		fmt.Fprintf(rw, "# TYPE singularity_trainer_observer_dropped_total counter\n")
		fmt.Fprintf(rw, "singularity_trainer_observer_dropped_total %d\n", s.obs.Dropped())
	}

	if s.idx != nil {
		q := s.idx.Stats()
		fmt.Fprintf(rw, "# HELP singularity_trainer_index_queue_depth Run index writer backlog.\n")
		fmt.Fprintf(rw, "# TYPE singularity_trainer_index_queue_depth gauge\n")
		fmt.Fprintf(rw, "singularity_trainer_index_queue_depth %d\n", q.QueueDepth)

		fmt.Fprintf(rw, "# HELP singularity_trainer_index_dropped_total Index writes dropped under backpressure.\n")
		fmt.Fprintf(rw, "# TYPE singularity_trainer_index_dropped_total counter\n")
		fmt.Fprintf(rw, "singularity_trainer_index_dropped_total{kind=\"tick\"} %d\n", q.DropTickTotal)
		fmt.Fprintf(rw, "singularity_trainer_index_dropped_total{kind=\"run\"} %d\n", q.DropRunTotal)
	}
}

type statusResponse struct {
	RunID        string           `json:"run_id"`
	State        string           `json:"state"`
	UptimeS      float64          `json:"uptime_s"`
	Counters     trainer.Counters `json:"counters"`
	RewardEMA    float64          `json:"reward_ema"`
	RewardMean   float64          `json:"reward_mean"`
	Episodes     uint64           `json:"episodes"`
	MeanReturn   float64          `json:"mean_return"`
	RewardChart  []float64        `json:"reward_chart"`
	ReturnsChart []float64        `json:"returns_chart"`
	Envs         []arena.Status   `json:"envs"`
}

func (s *statusServer) status(rw http.ResponseWriter, _ *http.Request) {
	snap := s.client.Stats()
	resp := statusResponse{
		RunID:        s.client.RunID(),
		State:        s.client.State().String(),
		UptimeS:      time.Since(s.started).Seconds(),
		Counters:     s.client.Counters(),
		RewardEMA:    snap.RewardEMA,
		RewardMean:   snap.RewardMean,
		Episodes:     snap.Episodes,
		MeanReturn:   snap.MeanReturn,
		RewardChart:  stats.Downsample(snap.RecentReward, chartPoints),
		ReturnsChart: stats.Downsample(snap.Returns, chartPoints),
		Envs:         make([]arena.Status, len(s.envs)),
	}
	for i, e := range s.envs {
		resp.Envs[i] = e.Status()
	}
	rw.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(rw).Encode(resp)
}

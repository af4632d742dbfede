package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"

	"singularitytrainer.ai/internal/persistence/indexdb"
	"singularitytrainer.ai/internal/trainer"
)

func main() {
	var (
		ticksDir = flag.String("dir", "./data/ticks", "dir containing ticks-*.jsonl.zst")
		runID    = flag.String("run", "", "only summarise this run id (optional)")
		dbPath   = flag.String("db", "", "list runs from a sqlite run index instead of scanning tick logs (optional)")
		limit    = flag.Int("limit", 20, "max runs listed with -db")
	)
	flag.Parse()

	if *dbPath != "" {
		if err := listIndexedRuns(os.Stdout, *dbPath, *limit); err != nil {
			fmt.Fprintln(os.Stderr, "index:", err)
			os.Exit(1)
		}
		return
	}

	files, err := listTickFiles(*ticksDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "list ticks:", err)
		os.Exit(1)
	}
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "no tick files found in", *ticksDir)
		os.Exit(1)
	}

	sums := newSummaries()
	for _, path := range files {
		if err := scanFile(path, strings.TrimSpace(*runID), sums); err != nil {
			fmt.Fprintln(os.Stderr, "replay:", err)
			os.Exit(1)
		}
	}
	sums.write(os.Stdout)
}

func listTickFiles(dir string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(ents))
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, "ticks-") && strings.HasSuffix(name, ".jsonl.zst") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	out := make([]string, 0, len(names))
	for _, name := range names {
		out = append(out, filepath.Join(dir, name))
	}
	return out, nil
}

func scanFile(path, runID string, sums *summaries) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)

	for sc.Scan() {
		var r trainer.TickReport
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			return fmt.Errorf("%s: unmarshal: %w", filepath.Base(path), err)
		}
		if runID != "" && r.RunID != runID {
			continue
		}
		sums.add(r)
	}
	return sc.Err()
}

// summary aggregates the tick reports of one run.
type summary struct {
	RunID    string
	Ticks    int
	Outcomes map[trainer.Outcome]int
	Rewards  int
	Reward   float64
	Episodes int
	Return   float64
	Latency  float64
	LastTick uint64
}

type summaries struct {
	byRun map[string]*summary
	order []string
}

func newSummaries() *summaries {
	return &summaries{byRun: make(map[string]*summary)}
}

func (s *summaries) add(r trainer.TickReport) {
	sum, ok := s.byRun[r.RunID]
	if !ok {
		sum = &summary{RunID: r.RunID, Outcomes: make(map[trainer.Outcome]int)}
		s.byRun[r.RunID] = sum
		s.order = append(s.order, r.RunID)
	}
	sum.Ticks++
	sum.Outcomes[r.Outcome]++
	sum.Latency += r.LatencyMS
	for _, v := range r.Rewards {
		sum.Reward += v
		sum.Rewards++
	}
	for _, ep := range r.Episodes {
		sum.Episodes++
		sum.Return += ep.Return
	}
	if r.Tick > sum.LastTick {
		sum.LastTick = r.Tick
	}
}

func (s *summaries) write(w io.Writer) {
	for _, id := range s.order {
		sum := s.byRun[id]
		fmt.Fprintf(w, "run=%s ticks=%d last_tick=%d ok=%d timeout=%d decode_error=%d rpc_error=%d mean_reward=%.4f episodes=%d mean_return=%.4f mean_latency_ms=%.2f\n",
			sum.RunID, sum.Ticks, sum.LastTick,
			sum.Outcomes[trainer.OutcomeOK], sum.Outcomes[trainer.OutcomeTimeout],
			sum.Outcomes[trainer.OutcomeDecode], sum.Outcomes[trainer.OutcomeRPC],
			mean(sum.Reward, sum.Rewards), sum.Episodes, mean(sum.Return, sum.Episodes),
			mean(sum.Latency, sum.Ticks))
	}
}

func mean(total float64, n int) float64 {
	if n == 0 {
		return 0
	}
	return total / float64(n)
}

func listIndexedRuns(w io.Writer, path string, limit int) error {
	idx, err := indexdb.OpenSQLite(path)
	if err != nil {
		return err
	}
	defer idx.Close()
	runs, err := idx.ListRuns(context.Background(), limit)
	if err != nil {
		return err
	}
	for _, r := range runs {
		ended := r.EndedAt
		if ended == "" {
			ended = "-"
		}
		fmt.Fprintf(w, "run=%s started=%s ended=%s codec=%s policy=%s contexts=%d training=%v ticks=%d ok=%d timeout=%d reward_sum=%.4f episodes=%d mean_return=%.4f\n",
			r.RunID, r.StartedAt, ended, r.Codec, r.Policy, r.Contexts, r.Training,
			r.Ticks, r.OKTicks, r.Timeouts, r.RewardSum, r.Episodes, r.MeanReturn)
	}
	return nil
}

package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	tlog "singularitytrainer.ai/internal/persistence/log"
	"singularitytrainer.ai/internal/stats"
	"singularitytrainer.ai/internal/trainer"
)

func TestScan_SummarisesPerRun(t *testing.T) {
	dir := t.TempDir()
	tl := tlog.NewTickLogger(dir)
	at := time.Now().UTC()
	reports := []trainer.TickReport{
		{RunID: "a", Tick: 1, At: at, Outcome: trainer.OutcomeOK, Rewards: []float64{1, 3}, LatencyMS: 2},
		{RunID: "a", Tick: 2, At: at, Outcome: trainer.OutcomeTimeout, LatencyMS: 4},
		{RunID: "b", Tick: 1, At: at, Outcome: trainer.OutcomeOK, Rewards: []float64{-1}, Episodes: []stats.Episode{{ContextID: 0, Return: 6, Steps: 3}}},
	}
	for _, r := range reports {
		if err := tl.RecordTick(r); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	if err := tl.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	files, err := listTickFiles(dir + "/ticks")
	if err != nil || len(files) == 0 {
		t.Fatalf("files=%v err=%v", files, err)
	}
	sums := newSummaries()
	for _, f := range files {
		if err := scanFile(f, "", sums); err != nil {
			t.Fatalf("scan: %v", err)
		}
	}
	a, b := sums.byRun["a"], sums.byRun["b"]
	if a == nil || b == nil {
		t.Fatalf("runs=%v", sums.order)
	}
	if a.Ticks != 2 || a.Outcomes[trainer.OutcomeOK] != 1 || a.Outcomes[trainer.OutcomeTimeout] != 1 || mean(a.Reward, a.Rewards) != 2 {
		t.Fatalf("run a=%+v", a)
	}
	if b.Episodes != 1 || mean(b.Return, b.Episodes) != 6 {
		t.Fatalf("run b=%+v", b)
	}

	var out bytes.Buffer
	sums.write(&out)
	if !strings.Contains(out.String(), "run=a ticks=2 last_tick=2 ok=1 timeout=1") {
		t.Fatalf("output=%q", out.String())
	}
}

func TestScan_FiltersRun(t *testing.T) {
	dir := t.TempDir()
	tl := tlog.NewTickLogger(dir)
	_ = tl.RecordTick(trainer.TickReport{RunID: "a", Tick: 1, Outcome: trainer.OutcomeOK})
	_ = tl.RecordTick(trainer.TickReport{RunID: "b", Tick: 1, Outcome: trainer.OutcomeOK})
	_ = tl.Close()

	files, _ := listTickFiles(dir + "/ticks")
	sums := newSummaries()
	for _, f := range files {
		if err := scanFile(f, "b", sums); err != nil {
			t.Fatalf("scan: %v", err)
		}
	}
	if len(sums.order) != 1 || sums.order[0] != "b" {
		t.Fatalf("runs=%v want=[b]", sums.order)
	}
}

package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"reviewline/internal/codec"
	"reviewline/internal/config"
	"reviewline/internal/domain"
	"reviewline/internal/topics"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Runtime.BlockMS = 20
	cfg.Runtime.Backoff.InitialMS = 10
	cfg.Runtime.Backoff.MaxMS = 50
	cfg.Broker.SQLite.PollIntervalMS = 5
	cfg.Specialists.MinLatencyMS = 0
	cfg.Specialists.MaxLatencyMS = 0
	return cfg
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestPipelineFansOutAndBackIn(t *testing.T) {
	cfg := testConfig()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b, err := OpenBroker(ctx, t.TempDir(), cfg)
	if err != nil {
		t.Fatalf("open broker: %v", err)
	}
	defer b.Close()

	runtimes, err := AllRoles(b, cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(runtimes) != 6 {
		t.Fatalf("expected 6 roles, got %d", len(runtimes))
	}
	done := make(chan error, 1)
	go func() { done <- Run(ctx, runtimes...) }()

	intakeID, err := b.Append(ctx, topics.Tasks, codec.EncodeTask(domain.Task{DocID: "d1", ChunkID: "c1", Text: "Hello world"}))
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "four summaries", func() bool {
		n, _ := b.Len(ctx, topics.Summary)
		return n == 4
	})

	for _, sp := range domain.Specialties {
		routed, err := b.Latest(ctx, topics.Review(sp), 10)
		if err != nil || len(routed) != 1 {
			t.Fatalf("%s: expected one routed task: %v %d", sp, err, len(routed))
		}
		rt, err := codec.DecodeRoutedTask(routed[0].Fields)
		if err != nil {
			t.Fatal(err)
		}
		if rt.TaskType != sp || rt.ParentMsgID != intakeID || rt.DocID != "d1" || rt.ChunkID != "c1" {
			t.Fatalf("%s: unexpected routed task %+v", sp, rt)
		}
	}

	items, err := Summaries(ctx, b, 10, "d1")
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 4 {
		t.Fatalf("expected 4 summary items, got %d", len(items))
	}
	streams := map[string]bool{}
	for _, it := range items {
		streams[it.OriginalStream] = true
		if it.Finding.DocID != "d1" || it.Finding.ChunkID != "c1" {
			t.Fatalf("unexpected finding %+v", it.Finding)
		}
		if it.OriginalStream != topics.Suggestions(it.Finding.Type) {
			t.Fatalf("finding of type %s arrived via %s", it.Finding.Type, it.OriginalStream)
		}
	}
	for _, s := range topics.AllSuggestions() {
		if !streams[s] {
			t.Fatalf("no envelope from %s", s)
		}
	}

	waitFor(t, "all acknowledged", func() bool {
		status, err := PipelineStatus(ctx, b)
		if err != nil {
			return false
		}
		for _, st := range status {
			if st.Missing || st.Pending != 0 {
				return false
			}
		}
		return true
	})

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("roles did not stop")
	}
}

func TestOpenBrokerRejectsUnknownDriver(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.Driver = "kafka"
	if _, err := OpenBroker(context.Background(), t.TempDir(), cfg); err == nil {
		t.Fatalf("expected error")
	}
}

func TestRuntimeConfigCarriesReclaimPolicy(t *testing.T) {
	cfg := testConfig()
	rc := RuntimeConfig(cfg, []string{topics.Tasks}, topics.CoordinatorGroup, "coordinator-1")
	if rc.Block != 20*time.Millisecond || rc.BatchSize != 10 {
		t.Fatalf("unexpected runtime config %+v", rc)
	}
	if rc.Reclaim.MaxDeliveries != 5 || rc.Reclaim.DeadLetterTopic != topics.DeadLetter || rc.Reclaim.MinIdle != time.Minute {
		t.Fatalf("unexpected reclaim policy %+v", rc.Reclaim)
	}
}

func TestProcessConsumerNameIsPerProcess(t *testing.T) {
	name := ProcessConsumerName("grammar")
	if !strings.HasPrefix(name, "grammar-") || !strings.HasSuffix(name, fmt.Sprintf("-%d", os.Getpid())) {
		t.Fatalf("unexpected consumer name %q", name)
	}
	if name == ConsumerName("grammar", 1) {
		t.Fatalf("process consumer name must differ from the in-process default")
	}
}

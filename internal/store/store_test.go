package store_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"reviewline/internal/broker"
	"reviewline/internal/db"
	"reviewline/internal/events"
	"reviewline/internal/migrate"
	"reviewline/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	s := store.New(conn)
	s.PollInterval = 10 * time.Millisecond
	t.Cleanup(func() { s.Close() })
	return s
}

func TestEnsureGroupIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.EnsureGroup(ctx, "t1", "g"); err != nil {
		t.Fatalf("create group: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := s.Append(ctx, "t1", map[string]string{"n": "x"}); err != nil {
			t.Fatal(err)
		}
	}
	msgs, err := s.ReadGroup(ctx, broker.ReadGroupArgs{Group: "g", Consumer: "c1", Topics: []string{"t1"}, Start: broker.NewEntries, Count: 2})
	if err != nil || len(msgs) != 2 {
		t.Fatalf("read group: %v (%d msgs)", err, len(msgs))
	}
	before, err := s.GroupInfo(ctx, "t1", "g")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.EnsureGroup(ctx, "t1", "g"); err != nil {
		t.Fatalf("second ensure should be a no-op: %v", err)
	}
	after, err := s.GroupInfo(ctx, "t1", "g")
	if err != nil {
		t.Fatal(err)
	}
	if before != after {
		t.Fatalf("group state changed: %+v -> %+v", before, after)
	}
	if after.LastDeliveredID != msgs[1].ID || after.Pending != 2 {
		t.Fatalf("unexpected group info %+v", after)
	}
	evts, err := events.Latest(ctx, s.DB, 10, "group.created")
	if err != nil {
		t.Fatal(err)
	}
	if len(evts) != 1 {
		t.Fatalf("expected one group.created event, got %d", len(evts))
	}
}

func TestReadGroupDeliversEachEntryOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.EnsureGroup(ctx, "t1", "g"); err != nil {
		t.Fatal(err)
	}
	const total = 40
	for i := 0; i < total; i++ {
		if _, err := s.Append(ctx, "t1", map[string]string{"i": "v"}); err != nil {
			t.Fatal(err)
		}
	}
	var mu sync.Mutex
	seen := map[string]int{}
	var wg sync.WaitGroup
	for _, consumer := range []string{"a", "b", "c", "d"} {
		wg.Add(1)
		go func(consumer string) {
			defer wg.Done()
			for {
				msgs, err := s.ReadGroup(ctx, broker.ReadGroupArgs{Group: "g", Consumer: consumer, Topics: []string{"t1"}, Start: broker.NewEntries, Count: 3})
				if err != nil {
					t.Errorf("read: %v", err)
					return
				}
				if len(msgs) == 0 {
					return
				}
				mu.Lock()
				for _, m := range msgs {
					seen[m.ID]++
				}
				mu.Unlock()
			}
		}(consumer)
	}
	wg.Wait()
	if len(seen) != total {
		t.Fatalf("expected %d distinct entries, got %d", total, len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("entry %s delivered %d times", id, n)
		}
	}
}

func TestAckRemovesPendingAndHistoryReplays(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.EnsureGroup(ctx, "t1", "g"); err != nil {
		t.Fatal(err)
	}
	id1, _ := s.Append(ctx, "t1", map[string]string{"n": "1"})
	id2, _ := s.Append(ctx, "t1", map[string]string{"n": "2"})
	msgs, err := s.ReadGroup(ctx, broker.ReadGroupArgs{Group: "g", Consumer: "c1", Topics: []string{"t1"}, Start: broker.NewEntries})
	if err != nil || len(msgs) != 2 {
		t.Fatalf("read: %v %d", err, len(msgs))
	}
	if msgs[0].Fields["n"] != "1" || msgs[0].Deliveries != 1 {
		t.Fatalf("unexpected first message %+v", msgs[0])
	}
	n, err := s.Ack(ctx, "t1", "g", id1)
	if err != nil || n != 1 {
		t.Fatalf("ack: %v n=%d", err, n)
	}
	// acking twice is harmless
	if n, _ := s.Ack(ctx, "t1", "g", id1); n != 0 {
		t.Fatalf("second ack removed %d", n)
	}
	hist, err := s.ReadGroup(ctx, broker.ReadGroupArgs{Group: "g", Consumer: "c1", Topics: []string{"t1"}, Start: "0"})
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 1 || hist[0].ID != id2 || hist[0].Deliveries != 2 {
		t.Fatalf("unexpected history %+v", hist)
	}
	other, err := s.ReadGroup(ctx, broker.ReadGroupArgs{Group: "g", Consumer: "c2", Topics: []string{"t1"}, Start: "0"})
	if err != nil || len(other) != 0 {
		t.Fatalf("other consumer must not see c1's pending entries: %v %d", err, len(other))
	}
	fresh, err := s.ReadGroup(ctx, broker.ReadGroupArgs{Group: "g", Consumer: "c2", Topics: []string{"t1"}, Start: broker.NewEntries})
	if err != nil || len(fresh) != 0 {
		t.Fatalf("pending entries are not new: %v %d", err, len(fresh))
	}
}

func TestClaimMovesIdleEntries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.Now = func() time.Time { return clock }
	if err := s.EnsureGroup(ctx, "t1", "g"); err != nil {
		t.Fatal(err)
	}
	id, _ := s.Append(ctx, "t1", map[string]string{"n": "1"})
	if _, err := s.ReadGroup(ctx, broker.ReadGroupArgs{Group: "g", Consumer: "dead", Topics: []string{"t1"}, Start: broker.NewEntries}); err != nil {
		t.Fatal(err)
	}
	claimed, err := s.Claim(ctx, broker.ClaimArgs{Topic: "t1", Group: "g", Consumer: "alive", MinIdle: time.Minute, Count: 10})
	if err != nil || len(claimed) != 0 {
		t.Fatalf("nothing should be idle yet: %v %d", err, len(claimed))
	}
	clock = clock.Add(2 * time.Minute)
	claimed, err = s.Claim(ctx, broker.ClaimArgs{Topic: "t1", Group: "g", Consumer: "alive", MinIdle: time.Minute, Count: 10})
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim: %v %d", err, len(claimed))
	}
	if claimed[0].ID != id || claimed[0].Deliveries != 2 || claimed[0].Fields["n"] != "1" {
		t.Fatalf("unexpected claimed message %+v", claimed[0])
	}
	pending, err := s.Pending(ctx, broker.PendingArgs{Topic: "t1", Group: "g"})
	if err != nil || len(pending) != 1 {
		t.Fatalf("pending: %v %d", err, len(pending))
	}
	if pending[0].Consumer != "alive" || pending[0].Deliveries != 2 || pending[0].Idle != 0 {
		t.Fatalf("unexpected pending %+v", pending[0])
	}
}

func TestReadGroupBlocksUntilAppend(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.EnsureGroup(ctx, "t1", "g"); err != nil {
		t.Fatal(err)
	}
	if err := s.EnsureGroup(ctx, "t2", "g"); err != nil {
		t.Fatal(err)
	}
	go func() {
		time.Sleep(50 * time.Millisecond)
		s.Append(context.Background(), "t2", map[string]string{"n": "late"})
	}()
	start := time.Now()
	msgs, err := s.ReadGroup(ctx, broker.ReadGroupArgs{Group: "g", Consumer: "c", Topics: []string{"t1", "t2"}, Start: broker.NewEntries, Block: 5 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Topic != "t2" {
		t.Fatalf("unexpected messages %+v", msgs)
	}
	if time.Since(start) > 4*time.Second {
		t.Fatalf("read waited for the full block")
	}

	start = time.Now()
	msgs, err = s.ReadGroup(ctx, broker.ReadGroupArgs{Group: "g", Consumer: "c", Topics: []string{"t1"}, Start: broker.NewEntries, Block: 30 * time.Millisecond})
	if err != nil || len(msgs) != 0 {
		t.Fatalf("expected empty timeout read: %v %d", err, len(msgs))
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Fatalf("read returned before block elapsed")
	}
}

func TestReadGroupWithoutGroup(t *testing.T) {
	s := newTestStore(t)
	_, err := s.ReadGroup(context.Background(), broker.ReadGroupArgs{Group: "missing", Consumer: "c", Topics: []string{"t1"}})
	if !errors.Is(err, broker.ErrNoGroup) {
		t.Fatalf("expected ErrNoGroup, got %v", err)
	}
}

func TestTailFromNow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.Append(ctx, "t1", map[string]string{"n": "old"})
	msgs, err := s.Read(ctx, broker.ReadArgs{Offsets: []broker.Offset{{Topic: "t1", After: broker.Now}}})
	if err != nil || len(msgs) != 0 {
		t.Fatalf("tail from now must skip history: %v %d", err, len(msgs))
	}
	last, err := s.LastID(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	s.Append(ctx, "t1", map[string]string{"n": "new"})
	msgs, err = s.Read(ctx, broker.ReadArgs{Offsets: []broker.Offset{{Topic: "t1", After: last}}, Block: time.Second})
	if err != nil || len(msgs) != 1 || msgs[0].Fields["n"] != "new" {
		t.Fatalf("unexpected tail %+v err=%v", msgs, err)
	}
	if last, _ := s.LastID(ctx, "empty"); last != broker.Origin {
		t.Fatalf("empty topic last id %s", last)
	}
	latest, err := s.Latest(ctx, "t1", 5)
	if err != nil || len(latest) != 2 || latest[0].Fields["n"] != "new" {
		t.Fatalf("latest newest-first: %+v %v", latest, err)
	}
	if n, _ := s.Len(ctx, "t1"); n != 2 {
		t.Fatalf("len %d", n)
	}
	if err := s.EnsureGroup(ctx, "quiet", "g"); err != nil {
		t.Fatal(err)
	}
	infos, err := s.Topics(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 2 || infos[0].Name != "quiet" || infos[0].Length != 0 || infos[1].Length != 2 {
		t.Fatalf("unexpected topics %+v", infos)
	}
}

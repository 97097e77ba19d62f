package sync

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/covehq/cove/internal/bus"
	"github.com/covehq/cove/internal/status"
	"github.com/covehq/cove/internal/store"
)

// fakeRemote is an in-memory remote with per-call failure injection and
// an optional gate to hold cycles open.
type fakeRemote struct {
	mu        sync.Mutex
	pulls     map[store.RecordType][]store.Record
	pushed    []store.Record
	deleted   []string
	audited   []store.ConflictEntry
	failPush  map[string]error
	pullErr   error
	gate      chan struct{}
	cycleGate bool
	serverAt  int64
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		pulls:    make(map[store.RecordType][]store.Record),
		failPush: make(map[string]error),
		serverAt: 100000,
	}
}

func (f *fakeRemote) Ping(context.Context) error { return nil }

func (f *fakeRemote) PullSince(_ context.Context, t store.RecordType, since int64) ([]store.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cycleGate && f.gate != nil {
		g := f.gate
		f.mu.Unlock()
		<-g
		f.mu.Lock()
	}
	if f.pullErr != nil {
		return nil, f.pullErr
	}
	var out []store.Record
	for _, r := range f.pulls[t] {
		if r.RemoteUpdatedAt > since {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeRemote) Push(_ context.Context, r *store.Record) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failPush[r.ID]; err != nil {
		return 0, err
	}
	f.pushed = append(f.pushed, *r)
	f.serverAt++
	return f.serverAt, nil
}

func (f *fakeRemote) PushDelete(_ context.Context, _ store.RecordType, id string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failPush[id]; err != nil {
		return 0, err
	}
	f.deleted = append(f.deleted, id)
	f.serverAt++
	return f.serverAt, nil
}

func (f *fakeRemote) AppendConflict(_ context.Context, e *store.ConflictEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audited = append(f.audited, *e)
	return nil
}

func (f *fakeRemote) Close() {}

func (f *fakeRemote) pushedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.pushed))
	for _, r := range f.pushed {
		ids = append(ids, r.ID)
	}
	return ids
}

func testEngine(t *testing.T, fr *fakeRemote) (*Engine, *store.DB, *bus.Bus) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	b := bus.New()
	m := status.NewMachine(b)
	// Hour-long interval keeps the periodic trigger out of the way.
	e := NewEngine(db, fr, m, b, time.Hour, 5*time.Second, zap.NewNop())
	return e, db, b
}

// runOneCycle triggers the engine and waits for the finished event.
func runOneCycle(t *testing.T, e *Engine, b *bus.Bus) CycleStats {
	t.Helper()
	ch, unsub := b.Subscribe("sync.cycle_finished", 16)
	defer unsub()

	e.Trigger()
	select {
	case evt := <-ch:
		return evt.Payload.(CycleStats)
	case <-time.After(5 * time.Second):
		t.Fatal("cycle did not finish")
		return CycleStats{}
	}
}

func TestCyclePullsAppliesAndAdvancesCursor(t *testing.T) {
	fr := newFakeRemote()
	fr.pulls[store.RecordTypeMessage] = []store.Record{
		{ID: "m1", UserID: "u1", Type: store.RecordTypeMessage, Payload: []byte(`{"content":"a"}`), RemoteUpdatedAt: 1000},
		{ID: "m2", UserID: "u1", Type: store.RecordTypeMessage, Payload: []byte(`{"content":"b"}`), RemoteUpdatedAt: 2000},
	}

	e, db, b := testEngine(t, fr)
	e.Start(context.Background())
	defer e.Stop()

	stats := runOneCycle(t, e, b)
	if stats.Pulled != 2 || stats.Applied != 2 {
		t.Errorf("stats = %+v, want 2 pulled and applied", stats)
	}

	got, _ := db.Get("m2")
	if got == nil || got.Dirty {
		t.Fatalf("m2 = %+v, want clean record", got)
	}
	cursor, _ := db.Cursor(store.RecordTypeMessage)
	if cursor != 2000 {
		t.Errorf("cursor = %d, want 2000", cursor)
	}

	// Second cycle pulls nothing past the cursor.
	stats = runOneCycle(t, e, b)
	if stats.Pulled != 0 {
		t.Errorf("second cycle pulled %d, want 0", stats.Pulled)
	}
}

func TestCyclePushesDirtyRecords(t *testing.T) {
	fr := newFakeRemote()
	e, db, b := testEngine(t, fr)

	if err := db.Upsert(&store.Record{ID: "c1", UserID: "u1", Type: store.RecordTypeConversation, Payload: []byte(`{"title":"x"}`)}); err != nil {
		t.Fatal(err)
	}

	e.Start(context.Background())
	defer e.Stop()
	stats := runOneCycle(t, e, b)

	if stats.Pushed != 1 {
		t.Errorf("pushed = %d, want 1", stats.Pushed)
	}
	got, _ := db.Get("c1")
	if got.Dirty {
		t.Error("record should be clean after confirmed push")
	}
	if got.RemoteUpdatedAt == 0 {
		t.Error("server time should be recorded on the clean record")
	}
}

func TestCyclePushesTombstoneThenPurges(t *testing.T) {
	fr := newFakeRemote()
	e, db, b := testEngine(t, fr)

	if err := db.Upsert(&store.Record{ID: "c1", UserID: "u1", Type: store.RecordTypeConversation, Payload: []byte(`{}`)}); err != nil {
		t.Fatal(err)
	}
	if err := db.ClearDirty("c1", 500); err != nil {
		t.Fatal(err)
	}
	if err := db.Delete("c1"); err != nil {
		t.Fatal(err)
	}

	e.Start(context.Background())
	defer e.Stop()
	runOneCycle(t, e, b)

	fr.mu.Lock()
	deleted := len(fr.deleted) == 1 && fr.deleted[0] == "c1"
	fr.mu.Unlock()
	if !deleted {
		t.Error("tombstone was not propagated")
	}
	if got, _ := db.Get("c1"); got != nil {
		t.Errorf("tombstone not purged after confirmed delete: %+v", got)
	}
}

func TestCycleResolvesConflictRemoteWins(t *testing.T) {
	fr := newFakeRemote()
	fr.pulls[store.RecordTypeContextProfile] = []store.Record{
		{ID: "p1", UserID: "u1", Type: store.RecordTypeContextProfile, Payload: []byte(`{"goal":"remote"}`), RemoteUpdatedAt: 9000},
	}

	e, db, b := testEngine(t, fr)
	if err := db.Upsert(&store.Record{ID: "p1", UserID: "u1", Type: store.RecordTypeContextProfile, Payload: []byte(`{"goal":"local"}`), LocalUpdatedAt: 5000}); err != nil {
		t.Fatal(err)
	}

	e.Start(context.Background())
	defer e.Stop()
	stats := runOneCycle(t, e, b)

	if stats.Conflicts != 1 {
		t.Errorf("conflicts = %d, want 1", stats.Conflicts)
	}
	got, _ := db.Get("p1")
	if string(got.Payload) != `{"goal":"remote"}` || got.Dirty {
		t.Errorf("got %+v, want clean remote payload", got)
	}

	// The audit entry was persisted and then flushed to the remote sink.
	fr.mu.Lock()
	audited := len(fr.audited)
	fr.mu.Unlock()
	if audited != 1 {
		t.Errorf("audited entries = %d, want 1", audited)
	}
	pending, _ := db.UnflushedConflicts(10)
	if len(pending) != 0 {
		t.Errorf("unflushed = %d, want 0", len(pending))
	}
}

func TestAuditFailureHoldsBackConflictLoser(t *testing.T) {
	fr := newFakeRemote()
	fr.pulls[store.RecordTypeMessage] = []store.Record{
		{ID: "m1", UserID: "u1", Type: store.RecordTypeMessage, Payload: []byte(`{"content":"remote-new"}`), RemoteUpdatedAt: 9000},
	}

	e, db, b := testEngine(t, fr)
	if err := db.Upsert(&store.Record{ID: "m1", UserID: "u1", Type: store.RecordTypeMessage, Payload: []byte(`{"content":"local-stale"}`), LocalUpdatedAt: 100}); err != nil {
		t.Fatal(err)
	}

	// Break the audit log so the divergence cannot be recorded.
	if _, err := db.Exec(`DROP TABLE conflict_log`); err != nil {
		t.Fatal(err)
	}

	e.Start(context.Background())
	defer e.Stop()
	stats := runOneCycle(t, e, b)

	if stats.Err == "" {
		t.Error("cycle should report the audit failure")
	}
	// Neither side moved: the winner is not applied without its audit
	// entry, and the stale local copy must not reach the remote.
	got, _ := db.Get("m1")
	if string(got.Payload) != `{"content":"local-stale"}` || !got.Dirty {
		t.Errorf("got %+v, want the dirty local copy untouched", got)
	}
	if ids := fr.pushedIDs(); len(ids) != 0 {
		t.Errorf("pushed = %v, want nothing while the divergence is unrecorded", ids)
	}
	cursor, _ := db.Cursor(store.RecordTypeMessage)
	if cursor != 0 {
		t.Errorf("cursor = %d, want 0 so the record redelivers", cursor)
	}

	// Restore the audit log; the redelivered record resolves normally.
	if _, err := db.Exec(`
		CREATE TABLE conflict_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			record_type TEXT NOT NULL,
			record_id TEXT NOT NULL,
			conflict_type TEXT NOT NULL,
			resolution TEXT NOT NULL,
			local_ts INTEGER NOT NULL DEFAULT 0,
			remote_ts INTEGER NOT NULL DEFAULT 0,
			detected_at INTEGER NOT NULL,
			flushed INTEGER NOT NULL DEFAULT 0
		)`); err != nil {
		t.Fatal(err)
	}

	stats = runOneCycle(t, e, b)
	if stats.Conflicts != 1 {
		t.Errorf("conflicts = %d, want 1 after the retry", stats.Conflicts)
	}
	got, _ = db.Get("m1")
	if string(got.Payload) != `{"content":"remote-new"}` || got.Dirty {
		t.Errorf("got %+v, want clean remote payload after the retry", got)
	}
	fr.mu.Lock()
	audited := len(fr.audited)
	fr.mu.Unlock()
	if audited != 1 {
		t.Errorf("audited entries = %d, want 1", audited)
	}
}

func TestCycleResolvesConflictLocalWins(t *testing.T) {
	fr := newFakeRemote()
	fr.pulls[store.RecordTypeContextProfile] = []store.Record{
		{ID: "p1", UserID: "u1", Type: store.RecordTypeContextProfile, Payload: []byte(`{"goal":"remote"}`), RemoteUpdatedAt: 5000},
	}

	e, db, b := testEngine(t, fr)
	if err := db.Upsert(&store.Record{ID: "p1", UserID: "u1", Type: store.RecordTypeContextProfile, Payload: []byte(`{"goal":"local"}`), LocalUpdatedAt: 9000}); err != nil {
		t.Fatal(err)
	}

	e.Start(context.Background())
	defer e.Stop()
	stats := runOneCycle(t, e, b)

	if stats.Conflicts != 1 {
		t.Errorf("conflicts = %d, want 1", stats.Conflicts)
	}
	got, _ := db.Get("p1")
	if string(got.Payload) != `{"goal":"local"}` {
		t.Errorf("payload = %s, want the local edit", got.Payload)
	}
	// The surviving local edit went out in the same cycle's push phase.
	ids := fr.pushedIDs()
	if len(ids) != 1 || ids[0] != "p1" {
		t.Errorf("pushed = %v, want [p1]", ids)
	}
}

func TestPushFailureIsolatesToRecord(t *testing.T) {
	fr := newFakeRemote()
	fr.failPush["m1"] = errors.New("boom")

	e, db, b := testEngine(t, fr)
	for _, id := range []string{"m1", "m2", "m3"} {
		if err := db.Upsert(&store.Record{ID: id, UserID: "u1", Type: store.RecordTypeMessage, Payload: []byte(`{}`)}); err != nil {
			t.Fatal(err)
		}
	}

	e.Start(context.Background())
	defer e.Stop()
	stats := runOneCycle(t, e, b)

	if stats.Pushed != 2 {
		t.Errorf("pushed = %d, want 2", stats.Pushed)
	}
	if stats.Err == "" {
		t.Error("cycle should report the push failure")
	}

	got, _ := db.Get("m1")
	if !got.Dirty {
		t.Error("failed record must stay dirty for the next cycle")
	}
	for _, id := range []string{"m2", "m3"} {
		got, _ := db.Get(id)
		if got.Dirty {
			t.Errorf("%s should be clean", id)
		}
	}
}

func TestPullFailureDoesNotAdvanceCursor(t *testing.T) {
	fr := newFakeRemote()
	fr.pullErr = errors.New("remote down")

	e, db, b := testEngine(t, fr)
	e.Start(context.Background())
	defer e.Stop()
	stats := runOneCycle(t, e, b)

	if stats.Err == "" {
		t.Error("cycle should report the pull failure")
	}
	cursor, _ := db.Cursor(store.RecordTypeMessage)
	if cursor != 0 {
		t.Errorf("cursor = %d, want 0", cursor)
	}
}

func TestTriggersCoalesceWhileCycleRuns(t *testing.T) {
	fr := newFakeRemote()
	fr.cycleGate = true
	fr.gate = make(chan struct{})

	e, _, b := testEngine(t, fr)
	ch, unsub := b.Subscribe("sync.cycle_finished", 16)
	defer unsub()

	e.Start(context.Background())
	defer e.Stop()

	// First trigger starts a cycle that blocks inside the pull.
	e.Trigger()
	time.Sleep(50 * time.Millisecond)

	// Several triggers land mid-cycle; they must coalesce into one.
	e.Trigger()
	e.Trigger()
	e.Trigger()

	close(fr.gate)
	fr.mu.Lock()
	fr.cycleGate = false
	fr.mu.Unlock()

	finished := 0
	timeout := time.After(3 * time.Second)
	for done := false; !done; {
		select {
		case <-ch:
			finished++
		case <-timeout:
			done = true
		}
		if finished > 2 {
			break
		}
	}
	if finished != 2 {
		t.Errorf("cycles finished = %d, want exactly 2 (one running + one coalesced)", finished)
	}
}

func TestReconnectEventTriggersCycle(t *testing.T) {
	fr := newFakeRemote()
	e, _, b := testEngine(t, fr)

	ch, unsub := b.Subscribe("sync.cycle_finished", 16)
	defer unsub()

	e.Start(context.Background())
	defer e.Stop()

	b.Publish(bus.Event{Kind: "net.reachable", Timestamp: time.Now()})

	select {
	case <-ch:
	case <-time.After(3 * time.Second):
		t.Fatal("reconnect did not trigger a cycle")
	}
}

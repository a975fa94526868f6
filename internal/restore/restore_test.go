package restore

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"orderlens/internal/manifest"
	"orderlens/internal/snapshot"
	"orderlens/internal/state"
)

func writeLines(t *testing.T, path string, lines ...string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func newTestRestorer(st state.Store, base string) *Restorer {
	return NewRestorer(st, snapshot.NewFilesystemSnapshotter(base), manifest.NewFilesystemManifest(base), zerolog.Nop())
}

func TestRestoreAndReplay_MinimalFlow(t *testing.T) {
	base := t.TempDir()
	ctx := context.Background()

	if err := manifest.NewFilesystemManifest(base).PublishLatest(ctx, "sid-test", 1); err != nil {
		t.Fatalf("publish manifest: %v", err)
	}
	cl := filepath.Join(base, "changelog", "orders.jsonl")
	writeLines(t, cl,
		`{"key":"o1","seq":1,"op":"create","productName":"A","quantity":"1","price":"100","ts":1}`,
		`{"key":"o2","seq":2,"op":"create","productName":"B","quantity":"2","price":"200","ts":2}`,
		`{"key":"o3","seq":3,"op":"create","productName":"C","quantity":"3","price":"300","ts":3}`,
	)

	st := state.NewInMemoryStore()
	res, err := newTestRestorer(st, base).RestoreAndReplay(ctx, cl)
	if err != nil {
		t.Fatalf("RestoreAndReplay error: %v", err)
	}
	// lastChangelogOffset=1 skips the first line
	if res.Applied != 2 || res.Skipped != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if _, ok := st.Get("o1"); ok {
		t.Fatalf("o1 is before the manifest offset and must not be replayed")
	}
	if res.Bytes == 0 || res.Position != 3 {
		t.Fatalf("bytes/position not tracked: %+v", res)
	}
}

func TestRestoreAndReplay_NoManifest(t *testing.T) {
	_, err := newTestRestorer(state.NewInMemoryStore(), t.TempDir()).RestoreAndReplay(context.Background(), "unused")
	if err == nil {
		t.Fatalf("expected error without a manifest")
	}
}

func TestRestoreFromSnapshot_LoadsState(t *testing.T) {
	base := t.TempDir()
	ctx := context.Background()

	prep := state.NewInMemoryStore()
	_, _, _ = prep.Apply("o1", state.Mutation{Op: state.OpCreate, ProductName: "A", Quantity: "3", Price: "1500", TS: 100}, 3)
	_, _, _ = prep.Apply("o2", state.Mutation{Op: state.OpCreate, ProductName: "B", Quantity: "2", Price: "700", TS: 90}, 1)
	if err := snapshot.NewFilesystemSnapshotter(base).WriteSnapshot(ctx, "sid-001", prep); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}

	st := state.NewInMemoryStore()
	if err := newTestRestorer(st, base).RestoreFromSnapshot(ctx, "sid-001"); err != nil {
		t.Fatalf("RestoreFromSnapshot error: %v", err)
	}
	o1, ok := st.Get("o1")
	if !ok || o1.Price != "1500" || o1.Quantity != "3" || o1.LastSeq != 3 || o1.TS != 100 {
		t.Fatalf("bad state for o1: %+v", o1)
	}
	o2, ok := st.Get("o2")
	if !ok || o2.ProductName != "B" || o2.LastSeq != 1 {
		t.Fatalf("bad state for o2: %+v", o2)
	}
}

func TestRestoreFromSnapshot_MissingIsSkipped(t *testing.T) {
	st := state.NewInMemoryStore()
	_, _, _ = st.Apply("keep", state.Mutation{Op: state.OpCreate, ProductName: "K"}, 1)
	if err := newTestRestorer(st, t.TempDir()).RestoreFromSnapshot(context.Background(), "nope"); err != nil {
		t.Fatalf("missing snapshot should be skipped, got %v", err)
	}
	if _, ok := st.Get("keep"); !ok {
		t.Fatalf("store must be untouched when the snapshot is missing")
	}
}

func TestReplayChangelog_IdempotencyAndGaps(t *testing.T) {
	base := t.TempDir()
	path := filepath.Join(base, "changelog", "orders.jsonl")
	// seq=1 apply, seq=1 duplicate skip, seq=3 gap apply, seq=2 lower-than-last skip
	writeLines(t, path,
		`{"key":"K1","seq":1,"op":"create","productName":"A","quantity":"1","price":"10","ts":1}`,
		`{"key":"K1","seq":1,"op":"create","productName":"X","quantity":"9","price":"999","ts":2}`,
		`{"key":"K1","seq":3,"op":"update","productName":"A","quantity":"2","price":"15"}`,
		`{"key":"K1","seq":2,"op":"update","productName":"Y","quantity":"10","price":"100"}`,
	)

	st := state.NewInMemoryStore()
	res := newTestRestorer(st, base).ReplayChangelog(context.Background(), path, 0)
	if res.Error != nil {
		t.Fatalf("replay error: %v", res.Error)
	}
	if res.Applied != 2 || res.Skipped != 2 {
		t.Fatalf("want applied=2 skipped=2, got %+v", res)
	}
	fin, ok := st.Get("K1")
	if !ok {
		t.Fatalf("missing key")
	}
	if fin.LastSeq != 3 || fin.Price != "15" || fin.Quantity != "2" || fin.TS != 1 {
		t.Fatalf("unexpected final state: %+v", fin)
	}
}

func TestReplayChangelog_DeleteLeavesTombstone(t *testing.T) {
	base := t.TempDir()
	path := filepath.Join(base, "orders.jsonl")
	writeLines(t, path,
		`{"key":"K1","seq":1,"op":"create","productName":"A","quantity":"1","price":"10","ts":1}`,
		`{"key":"K1","seq":2,"op":"delete"}`,
		`{"key":"K1","seq":1,"op":"create","productName":"A","quantity":"1","price":"10","ts":1}`,
	)
	st := state.NewInMemoryStore()
	res := newTestRestorer(st, base).ReplayChangelog(context.Background(), path, 0)
	if res.Error != nil || res.Applied != 2 || res.Skipped != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	rec, _ := st.Get("K1")
	if !rec.Deleted {
		t.Fatalf("stale create resurrected a deleted order: %+v", rec)
	}
}

func TestReplayChangelog_EmptyMissingAndMalformed(t *testing.T) {
	base := t.TempDir()
	st := state.NewInMemoryStore()
	r := newTestRestorer(st, base)
	ctx := context.Background()

	empty := filepath.Join(base, "empty.jsonl")
	if err := os.WriteFile(empty, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if res := r.ReplayChangelog(ctx, empty, 0); res.Error != nil || res.Applied != 0 || res.Skipped != 0 {
		t.Fatalf("empty file unexpected: %+v", res)
	}
	if res := r.ReplayChangelog(ctx, filepath.Join(base, "missing.jsonl"), 0); res.Error != nil {
		t.Fatalf("missing file should replay nothing: %+v", res)
	}

	bad := filepath.Join(base, "bad.jsonl")
	writeLines(t, bad, `{"key":"A","seq":1,"op":"create","ts":1}`, `{bad json}`)
	if res := r.ReplayChangelog(ctx, bad, 0); res.Error == nil || res.Applied != 1 {
		t.Fatalf("expected error after one applied line, got %+v", res)
	}

	unknown := filepath.Join(base, "unknown.jsonl")
	writeLines(t, unknown, `{"key":"B","seq":5,"op":"upsert"}`)
	if res := r.ReplayChangelog(ctx, unknown, 0); res.Error == nil {
		t.Fatalf("expected error for unknown op")
	}
}

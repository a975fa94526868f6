package state

import "testing"

func TestBadgerStore_ApplyGetRange(t *testing.T) {
	st, err := NewBadgerStore(t.TempDir())
	if err != nil {
		t.Fatalf("badger open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	if applied, _, err := st.Apply("o1", Mutation{Op: OpCreate, ProductName: "A", Price: "5", TS: 3}, 1); err != nil || !applied {
		t.Fatalf("create: applied=%v err=%v", applied, err)
	}
	if applied, _, _ := st.Apply("o1", Mutation{Op: OpDelete}, 1); applied {
		t.Fatalf("same seq must be skipped")
	}
	if applied, rec, _ := st.Apply("o1", Mutation{Op: OpDelete}, 2); !applied || !rec.Deleted {
		t.Fatalf("delete should tombstone: %+v", rec)
	}

	st.LoadAll(map[string]Record{"o9": {ProductName: "Z", LastSeq: 9}})
	keys := map[string]bool{}
	if err := st.Range(func(key string, _ Record) error { keys[key] = true; return nil }); err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(keys) != 1 || !keys["o9"] {
		t.Fatalf("unexpected keys after LoadAll: %v", keys)
	}
}

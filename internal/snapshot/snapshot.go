package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"orderlens/internal/state"
)

// StateFile is the name of the snapshot document inside a snapshot directory or prefix.
const StateFile = "state.json"

type Snapshotter interface {
	WriteSnapshot(ctx context.Context, snapshotID string, st state.Store) error
}

// Loader reads back a snapshot. A missing snapshot yields an error wrapping os.ErrNotExist.
type Loader interface {
	ReadSnapshot(ctx context.Context, snapshotID string) (map[string]state.Record, error)
}

// Dump copies every record, tombstones included, out of st.
func Dump(st state.Store) (map[string]state.Record, error) {
	dump := make(map[string]state.Record)
	if err := st.Range(func(key string, rec state.Record) error {
		dump[key] = rec
		return nil
	}); err != nil {
		return nil, err
	}
	return dump, nil
}

type FilesystemSnapshotter struct {
	baseDir string
}

func NewFilesystemSnapshotter(baseDir string) *FilesystemSnapshotter {
	return &FilesystemSnapshotter{baseDir: baseDir}
}

func (f *FilesystemSnapshotter) WriteSnapshot(_ context.Context, snapshotID string, st state.Store) error {
	if err := os.MkdirAll(filepath.Join(f.baseDir, snapshotID), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	dump, err := Dump(st)
	if err != nil {
		return err
	}
	file := filepath.Join(f.baseDir, snapshotID, StateFile)
	out, err := os.Create(file)
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}
	defer out.Close()
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(dump); err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	return nil
}

func (f *FilesystemSnapshotter) ReadSnapshot(_ context.Context, snapshotID string) (map[string]state.Record, error) {
	path := filepath.Join(f.baseDir, snapshotID, StateFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("snapshot %s: %w", path, os.ErrNotExist)
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var dump map[string]state.Record
	if err := json.Unmarshal(data, &dump); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return dump, nil
}

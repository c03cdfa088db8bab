// Package archive implements the optional zstd-compressed NDJSON archive of
// rows the bounded store evicts (SPEC_FULL.md, Supplemented Features #1).
// It is grounded on the teacher's BPF artifact compression
// (agents/local-agent/internal/bpf/loader.go), repurposed here to compress
// outgoing event batches instead of decompressing incoming ones.
package archive

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/klauspost/compress/zstd"

	"vnidsd/internal/logging"
	"vnidsd/internal/store"
)

// Archiver writes evicted store rows to zstd-compressed NDJSON files under
// dir, keeping at most maxFiles of them.
type Archiver struct {
	logger    *logging.Logger
	dir       string
	maxFiles  int
	encoder   *zstd.Encoder
}

// row is the on-disk NDJSON shape for an archived event.
type row struct {
	Ordinal int64  `json:"ordinal"`
	EventID string `json:"event_id"`
	Seconds int64  `json:"seconds"`
	Message string `json:"message"`
}

// New creates an Archiver rooted at dir, creating it if necessary.
func New(logger *logging.Logger, dir string, maxFiles int) (*Archiver, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	if maxFiles <= 0 {
		maxFiles = 100
	}
	return &Archiver{logger: logger, dir: dir, maxFiles: maxFiles, encoder: enc}, nil
}

// Archive writes rows as compressed NDJSON and prunes old archive files
// beyond maxFiles. It is called by the store as its ArchiveFunc hook before
// an eviction batch deletes the rows.
func (a *Archiver) Archive(rows []store.Row) error {
	if len(rows) == 0 {
		return nil
	}

	buf := make([]byte, 0, len(rows)*128)
	for _, r := range rows {
		b, err := json.Marshal(row{
			Ordinal: r.Ordinal,
			EventID: r.Event.ID,
			Seconds: r.Event.Seconds,
			Message: r.Event.Message,
		})
		if err != nil {
			return fmt.Errorf("marshal archived row: %w", err)
		}
		buf = append(buf, b...)
		buf = append(buf, '\n')
	}

	compressed := a.encoder.EncodeAll(buf, nil)
	name := fmt.Sprintf("evicted-%d-%d.ndjson.zst", time.Now().UnixNano(), rows[0].Ordinal)
	path := filepath.Join(a.dir, name)
	if err := os.WriteFile(path, compressed, 0o644); err != nil {
		return fmt.Errorf("write archive file: %w", err)
	}

	a.prune()
	return nil
}

func (a *Archiver) prune() {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		a.logger.Error("archive prune: read dir failed", "error", err)
		return
	}
	if len(entries) <= a.maxFiles {
		return
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	excess := len(entries) - a.maxFiles
	for _, e := range entries[:excess] {
		if err := os.Remove(filepath.Join(a.dir, e.Name())); err != nil {
			a.logger.Error("archive prune: remove failed", "file", e.Name(), "error", err)
		}
	}
}

// Close releases the zstd encoder's resources.
func (a *Archiver) Close() error {
	return a.encoder.Close()
}

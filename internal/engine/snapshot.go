package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/nelsen3000/nova-memory/pkg/types"
)

// ExportSnapshot writes a full lossless dump as JSON Lines: one
// self-describing fragment per line, embeddings included, archived
// fragments included. The dump is the backend-portability contract:
// importing it on any backend reproduces equivalent fragments.
func (e *Engine) ExportSnapshot(ctx context.Context, w io.Writer) (int, error) {
	if err := e.checkStarted(); err != nil {
		return 0, err
	}

	frs, err := e.adapter.ExportAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("engine: export: %w", err)
	}

	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	for _, fr := range frs {
		if err := enc.Encode(fr); err != nil {
			return 0, fmt.Errorf("engine: export encode %s: %w", fr.ID, err)
		}
	}
	if err := bw.Flush(); err != nil {
		return 0, fmt.Errorf("engine: export flush: %w", err)
	}
	return len(frs), nil
}

// ImportSnapshot restores a JSON Lines dump into the active backend.
// Existing fragments with matching ids are overwritten. The index is
// rebuilt afterwards so imported embeddings become searchable.
func (e *Engine) ImportSnapshot(ctx context.Context, r io.Reader) (int, error) {
	if err := e.checkStarted(); err != nil {
		return 0, err
	}

	var frs []*types.Fragment
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var fr types.Fragment
		if err := json.Unmarshal(raw, &fr); err != nil {
			return 0, fmt.Errorf("engine: import line %d: %w", line, err)
		}
		frs = append(frs, &fr)
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("engine: import read: %w", err)
	}

	if err := e.adapter.ImportAll(ctx, frs); err != nil {
		return 0, fmt.Errorf("engine: import: %w", err)
	}
	if err := e.index.Rebuild(ctx); err != nil {
		return len(frs), fmt.Errorf("engine: reindex after import: %w", err)
	}
	return len(frs), nil
}

package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"

	"github.com/alanyoungcy/polyresolve/internal/domain"
)

const defaultArchivePrefix = "resolutions"

// MarketArchiver implements domain.Archiver by writing a market's ledger as
// JSON lines, one event per line, to {prefix}/{marketID}.jsonl.
type MarketArchiver struct {
	writer domain.BlobWriter
	reader domain.BlobReader
	prefix string
}

// NewArchiver creates a MarketArchiver. An empty prefix means "resolutions".
func NewArchiver(writer domain.BlobWriter, reader domain.BlobReader, prefix string) *MarketArchiver {
	if prefix == "" {
		prefix = defaultArchivePrefix
	}
	return &MarketArchiver{writer: writer, reader: reader, prefix: prefix}
}

// Path returns the object key for a market's archive.
func (a *MarketArchiver) Path(marketID string) string {
	return path.Join(a.prefix, marketID+".jsonl")
}

// ArchiveMarket uploads history unless the archive already exists.
func (a *MarketArchiver) ArchiveMarket(ctx context.Context, marketID string, history []domain.ResolutionEvent) (string, error) {
	key := a.Path(marketID)

	exists, err := a.reader.Exists(ctx, key)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive %s: %w", marketID, err)
	}
	if exists {
		return key, nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, ev := range history {
		if err := enc.Encode(ev); err != nil {
			return "", fmt.Errorf("s3blob: archive %s: encode %s: %w", marketID, ev.ID, err)
		}
	}
	if err := a.writer.Put(ctx, key, &buf, "application/x-ndjson"); err != nil {
		return "", fmt.Errorf("s3blob: archive %s: %w", marketID, err)
	}
	return key, nil
}

// Compile-time interface check.
var _ domain.Archiver = (*MarketArchiver)(nil)

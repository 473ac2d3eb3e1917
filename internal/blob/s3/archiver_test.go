package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyresolve/internal/domain"
)

type memBlobs struct {
	objects map[string][]byte
	puts    int
}

func (m *memBlobs) Put(_ context.Context, path string, data io.Reader, _ string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.objects[path] = b
	m.puts++
	return nil
}

func (m *memBlobs) Get(_ context.Context, path string) (io.ReadCloser, error) {
	b, ok := m.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *memBlobs) List(context.Context, string) ([]domain.BlobInfo, error) { return nil, nil }

func (m *memBlobs) Exists(_ context.Context, path string) (bool, error) {
	_, ok := m.objects[path]
	return ok, nil
}

func TestArchiveMarketWritesJSONLOnce(t *testing.T) {
	ctx := context.Background()
	blobs := &memBlobs{objects: map[string][]byte{}}
	a := NewArchiver(blobs, blobs, "")

	history := []domain.ResolutionEvent{
		{ID: "e1", MarketID: "m1", SequenceIndex: 1, Kind: domain.KindProposal, ProposedResult: "Yes", Status: domain.StatusApproved},
		{ID: "e2", MarketID: "m1", SequenceIndex: 2, Kind: domain.KindDispute, ProposedResult: "No", Status: domain.StatusRejected, DisputeRound: 1},
	}

	key, err := a.ArchiveMarket(ctx, "m1", history)
	require.NoError(t, err)
	assert.Equal(t, "resolutions/m1.jsonl", key)

	rc, err := blobs.Get(ctx, key)
	require.NoError(t, err)
	defer rc.Close()

	var got []domain.ResolutionEvent
	sc := bufio.NewScanner(rc)
	for sc.Scan() {
		var ev domain.ResolutionEvent
		require.NoError(t, json.Unmarshal(sc.Bytes(), &ev))
		got = append(got, ev)
	}
	require.NoError(t, sc.Err())
	require.Len(t, got, 2)
	assert.Equal(t, "e2", got[1].ID)
	assert.Equal(t, 1, got[1].DisputeRound)

	_, err = a.ArchiveMarket(ctx, "m1", history)
	require.NoError(t, err)
	assert.Equal(t, 1, blobs.puts)
}

func TestNormaliseEndpoint(t *testing.T) {
	assert.Equal(t, "https://s3.example", normaliseEndpoint("https://s3.example", false))
	assert.Equal(t, "https://minio:9000", normaliseEndpoint("minio:9000", true))
	assert.Equal(t, "http://minio:9000", normaliseEndpoint("minio:9000", false))
}

package storage

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func openMemory(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(":memory:", "http://localhost:8080/", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreAndLoad(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()

	url, err := s.Store(ctx, Record{
		SessionID:   "s1",
		RequestID:   "r1",
		Kind:        "pyramid",
		Method:      "template",
		ContentType: "image/svg+xml",
		Content:     "<svg/>",
	})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(url, "http://localhost:8080/artifacts/"))

	id := strings.TrimPrefix(url, "http://localhost:8080/artifacts/")
	rec, err := s.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "<svg/>", rec.Content)
	assert.Equal(t, "r1", rec.RequestID)
	assert.Equal(t, "template", rec.Method)
	assert.WithinDuration(t, time.Now(), rec.CreatedAt, time.Minute)
}

func TestLoadMissing(t *testing.T) {
	s := openMemory(t)
	_, err := s.Load(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListBySession(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()
	base := time.Now().UTC()

	for i, req := range []string{"r1", "r2"} {
		_, err := s.Store(ctx, Record{SessionID: "s1", RequestID: req, Kind: "venn", Method: "template", ContentType: "image/svg+xml", Content: "x", CreatedAt: base.Add(time.Duration(i) * time.Second)})
		require.NoError(t, err)
	}
	_, err := s.Store(ctx, Record{SessionID: "s2", RequestID: "r3", Kind: "venn", Method: "template", ContentType: "image/svg+xml", Content: "x"})
	require.NoError(t, err)

	recs, err := s.ListBySession(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "r2", recs[0].RequestID)
	assert.Empty(t, recs[0].Content)
}

func TestOpenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "artifacts.db")
	s, err := Open(path, "", zap.NewNop())
	require.NoError(t, err)
	url, err := s.Store(context.Background(), Record{SessionID: "s", RequestID: "r", Kind: "k", Method: "m", ContentType: "c", Content: "body"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path, "", zap.NewNop())
	require.NoError(t, err)
	defer s.Close()
	rec, err := s.Load(context.Background(), strings.TrimPrefix(url, "/artifacts/"))
	require.NoError(t, err)
	assert.Equal(t, "body", rec.Content)
}

package feed

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeFeed(t *testing.T, path string, n int) {
	t.Helper()
	var b strings.Builder
	b.WriteString(`{"reels":[`)
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(",")
		}
		fmt.Fprintf(&b, `{"id":"r%d","url":"https://cdn.example/r%d.mp4","thumbnail":"https://cdn.example/r%d.jpg","duration":12.5}`, i, i, i)
	}
	b.WriteString("]}")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
}

func TestSource_Paging(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feed.json")
	writeFeed(t, path, 5)
	s := NewSource(zap.NewNop(), path, 2)
	ctx := context.Background()

	var ids []string
	cursor := ""
	pages := 0
	for {
		page, err := s.Page(ctx, cursor)
		require.NoError(t, err)
		pages++
		for _, it := range page.Items {
			ids = append(ids, it.ID)
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	assert.Equal(t, 3, pages)
	assert.Equal(t, []string{"r0", "r1", "r2", "r3", "r4"}, ids)
}

func TestSource_Record(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feed.json")
	writeFeed(t, path, 1)

	page, err := NewSource(zap.NewNop(), path, 0).Page(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, page.Items, 1)

	it := page.Items[0]
	assert.Equal(t, "https://cdn.example/r0.mp4", it.SourceURL)
	assert.Equal(t, "https://cdn.example/r0.jpg", it.ThumbnailURL)
	assert.Equal(t, 12500*time.Millisecond, it.Duration)
	assert.Empty(t, page.NextCursor)
}

func TestSource_SkipsInvalidEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feed.json")
	doc := `{"reels":[
		{"id":"a","url":"https://cdn.example/a.mp4"},
		{"id":"","url":"https://cdn.example/x.mp4"},
		{"id":"b"},
		{"id":"a","url":"https://cdn.example/dup.mp4"},
		{"id":"c","url":"https://cdn.example/c.mp4"}
	]}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	page, err := NewSource(zap.NewNop(), path, 10).Page(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "a", page.Items[0].ID)
	assert.Equal(t, "https://cdn.example/a.mp4", page.Items[0].SourceURL)
	assert.Equal(t, "c", page.Items[1].ID)
}

func TestSource_Errors(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "feed.json")
	writeFeed(t, good, 3)
	broken := filepath.Join(dir, "broken.json")
	require.NoError(t, os.WriteFile(broken, []byte("{not json"), 0o644))

	tests := []struct {
		name          string
		path          string
		cursor        string
		expectedError string
		invalidCursor bool
	}{
		{name: "Missing File", path: filepath.Join(dir, "missing.json"), expectedError: "failed to stat feed"},
		{name: "Malformed Document", path: broken, expectedError: "failed to parse feed"},
		{name: "Non Numeric Cursor", path: good, cursor: "abc", invalidCursor: true},
		{name: "Negative Cursor", path: good, cursor: "-1", invalidCursor: true},
		{name: "Cursor Past End", path: good, cursor: "9", invalidCursor: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSource(zap.NewNop(), tt.path, 2).Page(context.Background(), tt.cursor)
			require.Error(t, err)
			if tt.invalidCursor {
				assert.True(t, errors.Is(err, ErrInvalidCursor), "got %v", err)
				return
			}
			assert.Contains(t, err.Error(), tt.expectedError)
		})
	}
}

func TestSource_ReloadsChangedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feed.json")
	writeFeed(t, path, 1)
	s := NewSource(zap.NewNop(), path, 10)

	page, err := s.Page(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, page.Items, 1)

	writeFeed(t, path, 4)
	later := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(path, later, later))

	page, err = s.Page(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, page.Items, 4)
}

func TestSource_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewSource(zap.NewNop(), "unused.json", 1).Page(ctx, "")
	assert.ErrorIs(t, err, context.Canceled)
}

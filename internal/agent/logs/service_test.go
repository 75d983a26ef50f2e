package logs

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"modelplane/internal/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syncBuffer is written by Follow while the test reads it
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func writeLog(t *testing.T, dir, id, content string) string {
	t.Helper()
	path := filepath.Join(dir, id+".log")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestService_Path(t *testing.T) {
	s := New("/logs", logger.Discard())

	path, err := s.Path("abc-123")
	require.NoError(t, err)
	assert.Equal(t, "/logs/abc-123.log", path)

	for _, id := range []string{"", ".", "..", "../etc/passwd", `a\b`, "a/b"} {
		_, err := s.Path(id)
		assert.ErrorIs(t, err, ErrInvalidID, id)
	}
}

func TestService_Tail(t *testing.T) {
	dir := t.TempDir()
	writeLog(t, dir, "i1", "one\ntwo\nthree\n")
	s := New(dir, logger.Discard())

	for name, tc := range map[string]struct {
		n    int
		want string
	}{
		"whole file": {n: -1, want: "one\ntwo\nthree\n"},
		"none":       {n: 0, want: ""},
		"last one":   {n: 1, want: "three\n"},
		"last two":   {n: 2, want: "two\nthree\n"},
		"more":       {n: 10, want: "one\ntwo\nthree\n"},
	} {
		t.Run(name, func(t *testing.T) {
			var out bytes.Buffer
			offset, err := s.Tail(&out, "i1", tc.n)
			require.NoError(t, err)
			assert.Equal(t, tc.want, out.String())
			assert.Equal(t, int64(14), offset)
		})
	}
}

func TestService_TailWithoutTrailingNewline(t *testing.T) {
	dir := t.TempDir()
	writeLog(t, dir, "i1", "one\ntwo")
	s := New(dir, logger.Discard())

	var out bytes.Buffer
	_, err := s.Tail(&out, "i1", 1)
	require.NoError(t, err)
	assert.Equal(t, "two", out.String())
}

func TestService_TailAcrossChunks(t *testing.T) {
	dir := t.TempDir()
	long := strings.Repeat("x", chunkSize+10)
	writeLog(t, dir, "i1", "first\n"+long+"\nlast\n")
	s := New(dir, logger.Discard())

	var out bytes.Buffer
	_, err := s.Tail(&out, "i1", 2)
	require.NoError(t, err)
	assert.Equal(t, long+"\nlast\n", out.String())
}

func TestService_Missing(t *testing.T) {
	s := New(t.TempDir(), logger.Discard())

	assert.ErrorIs(t, s.Stat("nope"), ErrLogNotFound)
	_, err := s.Tail(&bytes.Buffer{}, "nope", -1)
	assert.ErrorIs(t, err, ErrLogNotFound)
	err = s.Follow(context.Background(), &bytes.Buffer{}, func() {}, "nope", -1)
	assert.ErrorIs(t, err, ErrLogNotFound)
}

func TestService_Follow(t *testing.T) {
	dir := t.TempDir()
	path := writeLog(t, dir, "i1", "old\nlatest\n")
	s := New(dir, logger.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() { done <- s.Follow(ctx, out, func() {}, "i1", 1) }()

	require.Eventually(t, func() bool { return out.String() == "latest\n" }, time.Second, 5*time.Millisecond)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteString("appended\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.Eventually(t, func() bool { return out.String() == "latest\nappended\n" }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("follow did not stop on cancel")
	}
}

func TestService_FollowEndsOnRemove(t *testing.T) {
	dir := t.TempDir()
	path := writeLog(t, dir, "i1", "x\n")
	s := New(dir, logger.Discard())

	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() { done <- s.Follow(context.Background(), out, func() {}, "i1", -1) }()

	require.Eventually(t, func() bool { return out.String() == "x\n" }, time.Second, 5*time.Millisecond)
	require.NoError(t, os.Remove(path))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("follow did not end after removal")
	}
}

package logstream

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPathFormatsLoopNameAndID(t *testing.T) {
	got := Path("/data", "my-loop", "abc123")
	assert.Equal(t, filepath.Join("/data", "logs", "my-loop-abc123.log"), got)
}

func TestWriterCreatesDirAndAppends(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "logs", "loop-1.log")

	w, err := OpenWriter(path)
	require.NoError(t, err)
	require.NoError(t, w.WriteLine("first"))
	require.NoError(t, w.Close())

	w2, err := OpenWriter(path)
	require.NoError(t, err)
	require.NoError(t, w2.WriteLine("second"))
	require.NoError(t, w2.Close())

	tailer, err := OpenTailer(path, 0)
	require.NoError(t, err)
	defer tailer.Close()
	data, err := tailer.ReadAvailable()
	require.NoError(t, err)
	assert.Equal(t, "first\nsecond\n", string(data))
}

func TestTailerObservesGrowthBeforeWriterCloses(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "live.log")

	w, err := OpenWriter(path)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.WriteLine("first"))

	tailer, err := OpenTailer(path, 0)
	require.NoError(t, err)
	defer tailer.Close()

	data, err := tailer.ReadAvailable()
	require.NoError(t, err)
	assert.Equal(t, "first\n", string(data))

	require.NoError(t, w.WriteLine("second"))

	more, err := tailer.ReadAvailable()
	require.NoError(t, err)
	assert.Equal(t, "second\n", string(more))
}

func TestTailerFollowInvokesCallbackOnGrowth(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "live.log")

	w, err := OpenWriter(path)
	require.NoError(t, err)
	defer w.Close()

	tailer, err := OpenTailer(path, 0)
	require.NoError(t, err)
	defer tailer.Close()
	tailer.SetPollInterval(10 * time.Millisecond)

	chunks := make(chan []byte, 8)
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	go func() {
		_ = tailer.Follow(ctx, func(b []byte) { chunks <- b })
	}()

	require.NoError(t, w.WriteLine("hello"))

	select {
	case chunk := <-chunks:
		assert.Equal(t, "hello\n", string(chunk))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for tailer to observe growth")
	}
}

func TestTailBufferRetainsOnlyMaxLines(t *testing.T) {
	buf := NewTailBuffer(2)
	_, _ = buf.Write([]byte("a\nb\nc\n"))
	assert.Equal(t, "b\nc", buf.String())
}

func TestTailBufferIncludesTrailingPartialLine(t *testing.T) {
	buf := NewTailBuffer(2)
	_, _ = buf.Write([]byte("a\nb\npartial"))
	assert.Equal(t, "b\npartial", buf.String())
}

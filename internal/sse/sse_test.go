package sse

import (
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readAll(t *testing.T, r *Reader) []Frame {
	t.Helper()

	var frames []Frame
	for {
		f, err := r.Next()
		if errors.Is(err, io.EOF) {
			return frames
		}
		require.NoError(t, err)
		frames = append(frames, f)
	}
}

func TestEncode(t *testing.T) {
	out := Encode("message_stop", map[string]any{"type": "message_stop"})
	assert.Equal(t, "event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n", string(out))
}

func TestReaderFrames(t *testing.T) {
	stream := ": keep-alive\n\n" +
		"event: message_start\ndata: {\"a\":1}\n\n" +
		"data: line one\ndata: line two\n\n" +
		"data: [DONE]\n\n"

	frames := readAll(t, NewReader(strings.NewReader(stream)))
	require.Len(t, frames, 3)

	assert.Equal(t, "message_start", frames[0].Event)
	assert.Equal(t, `{"a":1}`, frames[0].Data)
	assert.Equal(t, "line one\nline two", frames[1].Data)
	assert.True(t, frames[2].IsDone())
}

func TestReaderHandlesCRLFAndTrailingFrame(t *testing.T) {
	stream := "event: ping\r\ndata: {}\r\n\r\ndata: tail"

	frames := readAll(t, NewReader(strings.NewReader(stream)))
	require.Len(t, frames, 2)
	assert.Equal(t, "ping", frames[0].Event)
	assert.Equal(t, "{}", frames[0].Data)
	assert.Equal(t, "tail", frames[1].Data)
}

func TestReaderKeepsMultiByteCharactersSplitAcrossReads(t *testing.T) {
	stream := "data: {\"text\":\"héllo 世界\"}\n\n"

	frames := readAll(t, NewReader(iotest.OneByteReader(strings.NewReader(stream))))
	require.Len(t, frames, 1)
	assert.Equal(t, `{"text":"héllo 世界"}`, frames[0].Data)
}

func TestReaderPropagatesTransportErrors(t *testing.T) {
	boom := errors.New("connection reset")
	r := NewReader(io.MultiReader(strings.NewReader("data: {}\n\n"), iotest.ErrReader(boom)))

	_, err := r.Next()
	require.NoError(t, err)

	_, err = r.Next()
	assert.ErrorIs(t, err, boom)
}

package ipc

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		body []byte
	}{
		{name: "small json", body: []byte(`{"kind":"heartbeat"}`)},
		{name: "empty body", body: []byte{}},
		{name: "utf8 body", body: []byte(`{"name":"Зал №3"}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, WriteFrame(&buf, tt.body))

			got, err := ReadFrame(&buf)
			require.NoError(t, err)
			assert.Equal(t, tt.body, got)
		})
	}
}

func TestFrameSequencePreservesBoundaries(t *testing.T) {
	var buf bytes.Buffer
	first := []byte(`{"a":1}`)
	second := []byte(`{"b":2}`)
	require.NoError(t, WriteFrame(&buf, first))
	require.NoError(t, WriteFrame(&buf, second))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, first, got)

	got, err = ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, second, got)
}

func TestWriteFrameRejectsOversizeBody(t *testing.T) {
	var buf bytes.Buffer
	err := WriteFrame(&buf, make([]byte, maxFrameLength+1))
	require.Error(t, err)
	assert.Zero(t, buf.Len())
}

func TestReadFrameRejectsOversizeLength(t *testing.T) {
	var buf bytes.Buffer
	var header [frameHeaderLength]byte
	binary.BigEndian.PutUint32(header[:], maxFrameLength+1)
	buf.Write(header[:])

	_, err := ReadFrame(&buf)
	require.Error(t, err)
}

func TestReadFrameTruncatedBody(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte(`{"kind":"heartbeat"}`)))
	truncated := bytes.NewReader(buf.Bytes()[:buf.Len()-5])

	_, err := ReadFrame(truncated)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestReadFrameEmptyStream(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader(nil))
	require.ErrorIs(t, err, io.EOF)
}

package netpoll

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// framePair is a connected socketpair whose sides can be closed exactly once;
// a side already closed by the test is skipped by the cleanup.
type framePair struct {
	a, b int
}

func newFramePair(t *testing.T) *framePair {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)

	fp := &framePair{a: fds[0], b: fds[1]}
	t.Cleanup(func() {
		fp.closeA()
		if fp.b >= 0 {
			unix.Close(fp.b)
			fp.b = -1
		}
	})
	return fp
}

func (f *framePair) closeA() {
	if f.a >= 0 {
		unix.Close(f.a)
		f.a = -1
	}
}

func TestReadFrame(t *testing.T) {
	t.Run("RoundTrip", func(t *testing.T) {
		fp := newFramePair(t)

		sent := make([]byte, MaxMessage)
		for i := range sent {
			sent[i] = byte(i)
		}
		require.NoError(t, WriteFrame(fp.a, sent))

		got, err := ReadFrame(fp.b)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(sent, got))
	})

	t.Run("AssemblesPartialReads", func(t *testing.T) {
		fp := newFramePair(t)

		sent := make([]byte, MaxMessage)
		for i := range sent {
			sent[i] = byte(i % 251)
		}

		// Dribble the frame out in small chunks from another goroutine so
		// the reader has to loop.
		wfd := fp.a
		go func() {
			for off := 0; off < MaxMessage; off += 64 {
				unix.Write(wfd, sent[off:off+64])
			}
		}()

		got, err := ReadFrame(fp.b)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(sent, got))
	})

	t.Run("PeerCloseIsEOF", func(t *testing.T) {
		fp := newFramePair(t)
		fp.closeA()

		_, err := ReadFrame(fp.b)
		assert.ErrorIs(t, err, io.EOF)
	})

	t.Run("PeerCloseMidFrameIsEOF", func(t *testing.T) {
		fp := newFramePair(t)
		_, err := unix.Write(fp.a, make([]byte, 100))
		require.NoError(t, err)
		fp.closeA()

		_, err = ReadFrame(fp.b)
		assert.ErrorIs(t, err, io.EOF)
	})
}

func TestWriteFrame(t *testing.T) {
	t.Run("RejectsShortFrame", func(t *testing.T) {
		fp := newFramePair(t)
		err := WriteFrame(fp.a, make([]byte, MaxMessage-1))
		assert.Error(t, err)
	})

	t.Run("RejectsLongFrame", func(t *testing.T) {
		fp := newFramePair(t)
		err := WriteFrame(fp.a, make([]byte, MaxMessage+1))
		assert.Error(t, err)
	})
}

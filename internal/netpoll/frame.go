package netpoll

import (
	"fmt"
	"io"

	"golang.org/x/sys/unix"
)

// MaxMessage is the fixed length of every protocol frame, in both
// directions. Short requests waste the remainder of the frame; in exchange
// no message ever needs length negotiation.
const MaxMessage = 2048

// ReadFrame reads exactly MaxMessage bytes from fd, retrying partial reads
// until the frame is complete. A peer close mid-frame (or before one starts)
// reports io.EOF; any other failure aborts only this exchange.
func ReadFrame(fd int) ([]byte, error) {
	buf := make([]byte, MaxMessage)
	total := 0
	for total < MaxMessage {
		n, err := unix.Read(fd, buf[total:])
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return nil, fmt.Errorf("read frame: %w", err)
		}
		if n == 0 {
			return nil, io.EOF
		}
		total += n
	}
	return buf, nil
}

// WriteFrame writes exactly MaxMessage bytes to fd, retrying partial writes.
// Frames shorter than MaxMessage are rejected rather than padded silently;
// the protocol layer always produces full-size frames.
func WriteFrame(fd int, frame []byte) error {
	if len(frame) != MaxMessage {
		return fmt.Errorf("write frame: got %d bytes, frames are %d", len(frame), MaxMessage)
	}

	total := 0
	for total < MaxMessage {
		n, err := unix.Write(fd, frame[total:])
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("write frame: %w", err)
		}
		total += n
	}
	return nil
}

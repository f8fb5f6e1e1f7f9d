package transport

import (
	"encoding/binary"
	"fmt"
	"io"
)

var frameHeader = [2]byte{0x94, 0xC3}

// maxFrameLen is the sanity cap on a claimed frame length. Real radio frames
// are far smaller; anything above this is treated as a framing error and the
// reader resynchronizes on the next header instead of consuming the claimed
// body.
const maxFrameLen = 512

type readFullFunc func(buf []byte) error

func encodeFrame(payload []byte) ([]byte, error) {
	if len(payload) > maxFrameLen {
		return nil, fmt.Errorf("payload too large: %d", len(payload))
	}

	frame := make([]byte, 4+len(payload))
	frame[0] = frameHeader[0]
	frame[1] = frameHeader[1]
	binary.BigEndian.PutUint16(frame[2:4], uint16(len(payload)))
	copy(frame[4:], payload)

	return frame, nil
}

// readFrame scans for the 0x94 0xC3 header, reads the big-endian length and
// the body. Implausible lengths restart the scan.
func readFrame(readFull readFullFunc) ([]byte, error) {
	for {
		if err := resyncToHeader(readFull); err != nil {
			return nil, err
		}

		var lenBuf [2]byte
		if err := readFull(lenBuf[:]); err != nil {
			return nil, fmt.Errorf("read frame length: %w", err)
		}
		ln := int(binary.BigEndian.Uint16(lenBuf[:]))
		if ln <= 0 || ln > maxFrameLen {
			continue
		}

		payload := make([]byte, ln)
		if err := readFull(payload); err != nil {
			return nil, fmt.Errorf("read frame payload: %w", err)
		}

		return payload, nil
	}
}

func resyncToHeader(readFull readFullFunc) error {
	buf := make([]byte, 1)
	for {
		if err := readFull(buf); err != nil {
			return fmt.Errorf("read frame header byte 1: %w", err)
		}
		if buf[0] != frameHeader[0] {
			continue
		}
		if err := readFull(buf); err != nil {
			return fmt.Errorf("read frame header byte 2: %w", err)
		}
		if buf[0] == frameHeader[1] {
			return nil
		}
	}
}

// EncodeFrame wraps a payload in the stream header for any consumer that
// speaks the radio's TCP framing; the virtual-node hub serves it to clients.
func EncodeFrame(payload []byte) ([]byte, error) {
	return encodeFrame(payload)
}

// ReadFrameFrom reads one framed payload from r, resynchronizing on garbage.
func ReadFrameFrom(r io.Reader) ([]byte, error) {
	return readFrame(ioReadFullFunc(r))
}

func ioReadFullFunc(r io.Reader) readFullFunc {
	return func(buf []byte) error {
		_, err := io.ReadFull(r, buf)

		return err
	}
}

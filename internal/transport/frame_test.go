package transport

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

// chunkedReader hands out at most chunkSize bytes per Read call to exercise
// reassembly across arbitrary stream chunking.
type chunkedReader struct {
	data      []byte
	chunkSize int
	pos       int
}

func (r *chunkedReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := r.chunkSize
	if n > len(p) {
		n = len(p)
	}
	if r.pos+n > len(r.data) {
		n = len(r.data) - r.pos
	}
	copy(p, r.data[r.pos:r.pos+n])
	r.pos += n

	return n, nil
}

func TestReadFrameAcrossChunks(t *testing.T) {
	stream := []byte{
		0x94, 0xC3, 0x00, 0x05, 0x08, 0x01, 0x10, 0x02, 0x18, 0x03,
		0x94, 0xC3, 0x00, 0x03, 0x08, 0x04, 0x10,
	}

	for _, chunkSize := range []int{1, 2, 3, 5, 7, len(stream)} {
		reader := &chunkedReader{data: stream, chunkSize: chunkSize}
		readFull := ioReadFullFunc(reader)

		first, err := readFrame(readFull)
		if err != nil {
			t.Fatalf("chunk %d: first frame: %v", chunkSize, err)
		}
		if len(first) != 5 {
			t.Fatalf("chunk %d: first frame length = %d", chunkSize, len(first))
		}
		second, err := readFrame(readFull)
		if err != nil {
			t.Fatalf("chunk %d: second frame: %v", chunkSize, err)
		}
		if len(second) != 3 {
			t.Fatalf("chunk %d: second frame length = %d", chunkSize, len(second))
		}
		if !bytes.Equal(second, []byte{0x08, 0x04, 0x10}) {
			t.Fatalf("chunk %d: second frame payload = %x", chunkSize, second)
		}
	}
}

func TestReadFrameResyncsToHeader(t *testing.T) {
	want := []byte{0x01, 0x02, 0x03}
	raw := bytes.NewBuffer([]byte{
		0x00, 0x11, 0x22, // noise before the frame
		frameHeader[0], frameHeader[1],
		0x00, 0x03,
		0x01, 0x02, 0x03,
	})

	got, err := readFrame(ioReadFullFunc(raw))
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("payload mismatch: got %x want %x", got, want)
	}
}

func TestReadFrameResyncsOnOversizeLength(t *testing.T) {
	// A claimed length above the cap must not consume the claimed body; the
	// reader scans forward and finds the real frame right behind it.
	raw := bytes.NewBuffer([]byte{
		frameHeader[0], frameHeader[1],
		0xFF, 0xFF, // bogus length
		frameHeader[0], frameHeader[1],
		0x00, 0x02,
		0xAA, 0xBB,
	})

	got, err := readFrame(ioReadFullFunc(raw))
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if !bytes.Equal(got, []byte{0xAA, 0xBB}) {
		t.Fatalf("payload mismatch: got %x", got)
	}
}

func TestReadFrameSkipsZeroLength(t *testing.T) {
	raw := bytes.NewBuffer([]byte{
		frameHeader[0], frameHeader[1],
		0x00, 0x00,
		frameHeader[0], frameHeader[1],
		0x00, 0x01,
		0x42,
	})

	got, err := readFrame(ioReadFullFunc(raw))
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if !bytes.Equal(got, []byte{0x42}) {
		t.Fatalf("payload mismatch: got %x", got)
	}
}

func TestEncodeFramePayloadTooLarge(t *testing.T) {
	payload := make([]byte, maxFrameLen+1)
	if _, err := encodeFrame(payload); err == nil {
		t.Fatalf("expected payload size error, got nil")
	}
}

func TestEncodeFrameAndReadFrameRoundTrip(t *testing.T) {
	payload := []byte("hello")
	frame, err := encodeFrame(payload)
	if err != nil {
		t.Fatalf("encode frame: %v", err)
	}

	got, err := readFrame(ioReadFullFunc(bytes.NewReader(frame)))
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch: got %q want %q", string(got), string(payload))
	}
}

func TestReadFramePayloadEOF(t *testing.T) {
	raw := bytes.NewBuffer([]byte{
		frameHeader[0], frameHeader[1],
		0x00, 0x04,
		0x01, 0x02,
	})

	_, err := readFrame(ioReadFullFunc(raw))
	if err == nil {
		t.Fatalf("expected payload read error, got nil")
	}
	if errors.Is(err, io.EOF) {
		t.Fatalf("expected wrapped error, got raw io.EOF")
	}
}

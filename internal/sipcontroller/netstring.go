package sipcontroller

import (
	"bytes"
	"io"
	"strconv"

	"github.com/pkg/errors"
)

// maxNetstring caps a single frame; ctrl_tcp messages are small JSON objects.
const maxNetstring = 1 << 20

// ErrFrameTooLarge is returned when a peer announces a frame above maxNetstring.
var ErrFrameTooLarge = errors.New("netstring: frame too large")

// NetstringEncoder writes netstring frames: <length>:<data>,
type NetstringEncoder struct {
	w   io.Writer
	buf []byte
}

func NewNetstringEncoder(w io.Writer) *NetstringEncoder {
	return &NetstringEncoder{w: w}
}

// Encode writes data as one frame with a single Write call.
func (e *NetstringEncoder) Encode(data []byte) error {
	e.buf = strconv.AppendInt(e.buf[:0], int64(len(data)), 10)
	e.buf = append(e.buf, ':')
	e.buf = append(e.buf, data...)
	e.buf = append(e.buf, ',')
	_, err := e.w.Write(e.buf)
	return err
}

// NetstringDecoder reads netstring frames from a stream.
type NetstringDecoder struct {
	r      io.Reader
	buffer []byte
	chunk  []byte
}

func NewNetstringDecoder(r io.Reader) *NetstringDecoder {
	return &NetstringDecoder{r: r, chunk: make([]byte, 4096)}
}

// Decode returns the payload of the next frame. Malformed bytes ahead of a
// frame are skipped.
func (d *NetstringDecoder) Decode() ([]byte, error) {
	for {
		payload, err := d.next()
		if err != nil {
			return nil, err
		}
		if payload != nil {
			return payload, nil
		}

		n, err := d.r.Read(d.chunk)
		if n > 0 {
			d.buffer = append(d.buffer, d.chunk[:n]...)
			continue
		}
		if err != nil {
			return nil, err
		}
	}
}

// next extracts a frame from the buffer, or returns nil when more input is
// needed.
func (d *NetstringDecoder) next() ([]byte, error) {
	for len(d.buffer) > 0 {
		colon := bytes.IndexByte(d.buffer, ':')
		if colon == -1 {
			if len(d.buffer) > len(strconv.Itoa(maxNetstring)) {
				d.buffer = d.buffer[1:]
				continue
			}
			return nil, nil
		}

		length, err := strconv.Atoi(string(d.buffer[:colon]))
		if err != nil || length < 0 {
			d.buffer = d.buffer[1:]
			continue
		}
		if length > maxNetstring {
			return nil, ErrFrameTooLarge
		}

		total := colon + 1 + length + 1
		if len(d.buffer) < total {
			return nil, nil
		}
		if d.buffer[total-1] != ',' {
			d.buffer = d.buffer[1:]
			continue
		}

		payload := make([]byte, length)
		copy(payload, d.buffer[colon+1:total-1])
		d.buffer = d.buffer[total:]
		return payload, nil
	}
	return nil, nil
}

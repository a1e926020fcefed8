package bridge

import (
	"bytes"

	"github.com/park285/chess-engine-bridge/pkg/wire"
)

// DropFunc observes complete lines that did not decode as protocol messages.
type DropFunc func(line []byte, err error)

// Framer turns the engine's stdout byte stream into protocol messages.
// Only complete, newline-terminated lines are decoded; the trailing partial
// segment is carried into the next Feed. Not safe for concurrent use.
type Framer struct {
	buf    []byte
	onDrop DropFunc
}

func NewFramer(onDrop DropFunc) *Framer {
	return &Framer{onDrop: onDrop}
}

// Feed appends chunk and returns the messages completed by it, in order.
func (f *Framer) Feed(chunk []byte) []wire.Message {
	f.buf = append(f.buf, chunk...)

	var out []wire.Message
	for {
		i := bytes.IndexByte(f.buf, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimSpace(f.buf[:i])
		f.buf = f.buf[i+1:]
		if len(line) == 0 {
			continue
		}
		msg, err := wire.Decode(line)
		if err != nil {
			if f.onDrop != nil {
				f.onDrop(line, err)
			}
			continue
		}
		out = append(out, msg)
	}

	// compact so the backing array does not grow without bound
	if len(f.buf) == 0 {
		f.buf = f.buf[:0:0]
	} else if cap(f.buf) > 4096 && len(f.buf) < cap(f.buf)/4 {
		f.buf = append([]byte(nil), f.buf...)
	}
	return out
}

// Buffered reports how many bytes of an incomplete line are held.
func (f *Framer) Buffered() int { return len(f.buf) }

// Package replay feeds a dom.MemDocument from a recorded shim session: one
// JSON envelope per line, in original delivery order. Recordings are how the
// end-to-end tests and `captrail doctor replay` exercise the full capture
// path without a browser.
package replay

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/captrail/captrail/pkg/dom"
)

// Reader replays envelopes from r.
type Reader struct {
	doc     *dom.MemDocument
	scanner *bufio.Scanner
	line    int
}

// NewReader creates a replay reader over a JSONL stream.
func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &Reader{
		doc:     dom.NewMemDocument(),
		scanner: sc,
	}
}

// Open creates a replay reader over a recording file. The caller owns the
// returned closer.
func Open(path string) (*Reader, io.Closer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open recording: %w", err)
	}
	return NewReader(f), f, nil
}

// Document returns the document being fed.
func (r *Reader) Document() dom.Document {
	return r.doc
}

// Step feeds the next envelope. Returns io.EOF at end of recording.
func (r *Reader) Step() error {
	for r.scanner.Scan() {
		r.line++
		raw := r.scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var env dom.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return fmt.Errorf("recording line %d: %w", r.line, err)
		}
		r.doc.Feed(env)
		return nil
	}
	if err := r.scanner.Err(); err != nil {
		return err
	}
	return io.EOF
}

// Play feeds every remaining envelope, then closes the document (end of
// recording behaves like page unload).
func (r *Reader) Play() error {
	for {
		err := r.Step()
		if err == io.EOF {
			r.doc.Close()
			return nil
		}
		if err != nil {
			r.doc.Close()
			return err
		}
	}
}

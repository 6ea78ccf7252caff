// Package decode turns a gzip segment into a lazy sequence of JSON objects.
//
// Failures of the compressed stream end the sequence with ErrCorruptSegment.
// A line that decompresses fine but is not a JSON object is reported as a
// *LineError and decoding carries on with the next line.
package decode

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"

	"github.com/klauspost/compress/gzip"
)

var ErrCorruptSegment = errors.New("corrupt segment")

// LineError is a per-line failure; it never ends the sequence.
type LineError struct {
	Line int64
	Err  error
}

func (e *LineError) Error() string { return fmt.Sprintf("line %d: %v", e.Line, e.Err) }
func (e *LineError) Unwrap() error { return e.Err }

var ErrLineTooLong = errors.New("line exceeds size limit")

// Record is one decoded line. Raw is owned by the record.
type Record struct {
	Line   int64
	Raw    []byte
	Object map[string]any
}

type Decoder struct {
	maxLine int
}

// New returns a decoder refusing lines longer than maxLineBytes (default 16 MiB).
func New(maxLineBytes int) *Decoder {
	if maxLineBytes <= 0 {
		maxLineBytes = 16 << 20
	}
	return &Decoder{maxLine: maxLineBytes}
}

// Decode reads r as one or more concatenated gzip members. Blank lines are
// skipped. Numbers keep their text form (json.Number).
func (d *Decoder) Decode(ctx context.Context, r io.Reader) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		zr, err := gzip.NewReader(r)
		if err != nil {
			yield(Record{}, fmt.Errorf("%w: %w", ErrCorruptSegment, err))
			return
		}
		defer zr.Close()

		br := bufio.NewReaderSize(zr, 64<<10)
		buf := make([]byte, 0, 64<<10)
		var lineNo int64
		for {
			if err := ctx.Err(); err != nil {
				yield(Record{}, err)
				return
			}
			var tooLong bool
			buf, tooLong, err = readLine(br, buf, d.maxLine)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(Record{}, fmt.Errorf("%w: after line %d: %w", ErrCorruptSegment, lineNo, err))
				return
			}
			lineNo++
			if tooLong {
				if !yield(Record{Line: lineNo}, &LineError{Line: lineNo, Err: ErrLineTooLong}) {
					return
				}
				continue
			}
			line := bytes.TrimSpace(buf)
			if len(line) == 0 {
				continue
			}
			obj, err := parseObject(line)
			if err != nil {
				if !yield(Record{Line: lineNo}, &LineError{Line: lineNo, Err: err}) {
					return
				}
				continue
			}
			if !yield(Record{Line: lineNo, Raw: bytes.Clone(line), Object: obj}, nil) {
				return
			}
		}
	}
}

// readLine reads up to the next newline into buf. A line longer than limit is
// drained and reported with tooLong set. A final line without a newline is
// returned before io.EOF.
func readLine(br *bufio.Reader, buf []byte, limit int) ([]byte, bool, error) {
	buf = buf[:0]
	tooLong := false
	read := false
	for {
		chunk, err := br.ReadSlice('\n')
		if len(chunk) > 0 {
			read = true
		}
		if !tooLong {
			if len(buf)+len(chunk) > limit+1 {
				tooLong = true
				buf = buf[:0]
			} else {
				buf = append(buf, chunk...)
			}
		}
		switch {
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if read {
				return buf, tooLong, nil
			}
			return buf, false, io.EOF
		case err != nil:
			return buf, false, err
		}
		return buf, tooLong, nil
	}
}

func parseObject(line []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, errors.New("not a JSON object")
	}
	if dec.InputOffset() != int64(len(line)) {
		return nil, errors.New("trailing data after JSON object")
	}
	return obj, nil
}

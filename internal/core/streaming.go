package core

// streaming.go cleans CSV input while it is read.
//
// Spreadsheet exports from Windows often start with a UTF-8 byte order
// mark, and files that passed through legacy tools may carry bytes that are
// not valid UTF-8. Both are handled here without loading the file.

import (
	"bufio"
	"bytes"
	"io"
	"unicode/utf8"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// skipBOM drops a leading UTF-8 byte order mark from br.
func skipBOM(br *bufio.Reader) error {
	head, err := br.Peek(len(utf8BOM))
	if err != nil && err != io.EOF {
		return err
	}
	if bytes.Equal(head, utf8BOM) {
		_, err = br.Discard(len(utf8BOM))
		return err
	}
	return nil
}

// utf8Sanitizer replaces every byte that is not part of a valid UTF-8
// sequence with '?', so the replacement never grows the data.
type utf8Sanitizer struct {
	br      *bufio.Reader
	pending []byte // tail of a rune that did not fit into the last Read
}

// newTextReader returns r without a byte order mark and with invalid UTF-8
// replaced.
func newTextReader(r io.Reader) (io.Reader, error) {
	br := bufio.NewReader(r)
	if err := skipBOM(br); err != nil {
		return nil, err
	}
	return &utf8Sanitizer{br: br}, nil
}

func (s *utf8Sanitizer) Read(p []byte) (int, error) {
	n := 0
	for n < len(p) {
		if len(s.pending) > 0 {
			c := copy(p[n:], s.pending)
			s.pending = s.pending[c:]
			n += c
			continue
		}
		// Return what we have instead of blocking on the next chunk.
		if n > 0 && s.br.Buffered() == 0 {
			break
		}

		r, size, err := s.br.ReadRune()
		if err != nil {
			if n > 0 && err == io.EOF {
				return n, nil
			}
			return n, err
		}
		if r == utf8.RuneError && size == 1 {
			p[n] = '?'
			n++
			continue
		}

		var buf [utf8.UTFMax]byte
		w := utf8.EncodeRune(buf[:], r)
		c := copy(p[n:], buf[:w])
		n += c
		if c < w {
			s.pending = append(s.pending[:0], buf[c:w]...)
		}
	}
	return n, nil
}

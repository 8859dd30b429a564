package core

import (
	"bytes"
	"io"
	"testing"
	"testing/iotest"
)

func TestNewTextReader(t *testing.T) {
	tests := []struct {
		name     string
		input    []byte
		expected string
	}{
		{
			name:     "file with BOM",
			input:    append([]byte{0xEF, 0xBB, 0xBF}, []byte("imei,iccid")...),
			expected: "imei,iccid",
		},
		{
			name:     "file without BOM",
			input:    []byte("imei,iccid"),
			expected: "imei,iccid",
		},
		{
			name:     "empty file",
			input:    []byte{},
			expected: "",
		},
		{
			name:     "only BOM",
			input:    []byte{0xEF, 0xBB, 0xBF},
			expected: "",
		},
		{
			name:     "partial BOM is invalid UTF-8",
			input:    []byte{0xEF, 0xBB, 'a', 'b'},
			expected: "??ab",
		},
		{
			name:     "invalid byte replaced",
			input:    []byte("C1\xffP1"),
			expected: "C1?P1",
		},
		{
			name:     "multi-byte runes kept",
			input:    []byte("Almacén,Paleta Nº1"),
			expected: "Almacén,Paleta Nº1",
		},
		{
			name:     "replacement character kept",
			input:    []byte("a�b"),
			expected: "a�b",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := newTextReader(bytes.NewReader(tt.input))
			if err != nil {
				t.Fatalf("newTextReader: %v", err)
			}
			got, err := io.ReadAll(r)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if string(got) != tt.expected {
				t.Errorf("got %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestNewTextReader_TinyReads(t *testing.T) {
	input := []byte("Nº\xff,é")
	r, err := newTextReader(iotest.OneByteReader(bytes.NewReader(input)))
	if err != nil {
		t.Fatal(err)
	}

	var out []byte
	buf := make([]byte, 1)
	for {
		n, err := r.Read(buf)
		out = append(out, buf[:n]...)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
	}
	if string(out) != "Nº?,é" {
		t.Errorf("got %q, want %q", out, "Nº?,é")
	}
}

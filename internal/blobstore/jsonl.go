package blobstore

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
)

// ReadJSONLGzip decompresses data and invokes fn once per non-empty line.
// The line buffer is only valid for the duration of the call.
func ReadJSONLGzip(data []byte, fn func(line []byte) error) error {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("open gzip stream: %w", err)
	}
	defer zr.Close()

	scanner := bufio.NewScanner(zr)
	// History lines carry full decision contexts; allow generous lines.
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if err := fn(line); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan gzip stream: %w", err)
	}
	return nil
}

// JSONLGzipBuffer accumulates records as gzip-compressed JSONL, one JSON
// document per line.
type JSONLGzipBuffer struct {
	buf   bytes.Buffer
	zw    *gzip.Writer
	count int
}

func NewJSONLGzipBuffer() *JSONLGzipBuffer {
	b := &JSONLGzipBuffer{}
	b.zw = gzip.NewWriter(&b.buf)
	return b
}

// Append marshals v and writes it as one line.
func (b *JSONLGzipBuffer) Append(v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal jsonl line: %w", err)
	}
	return b.AppendRaw(line)
}

// AppendRaw writes an already-marshaled line.
func (b *JSONLGzipBuffer) AppendRaw(line []byte) error {
	if _, err := b.zw.Write(line); err != nil {
		return err
	}
	if _, err := b.zw.Write([]byte{'\n'}); err != nil {
		return err
	}
	b.count++
	return nil
}

// Len reports the number of appended lines.
func (b *JSONLGzipBuffer) Len() int { return b.count }

// Bytes flushes the compressor and returns the finished object body.
// The buffer must not be appended to afterwards.
func (b *JSONLGzipBuffer) Bytes() ([]byte, error) {
	if err := b.zw.Close(); err != nil {
		return nil, fmt.Errorf("close gzip stream: %w", err)
	}
	return b.buf.Bytes(), nil
}

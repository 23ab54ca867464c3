package blobstore

import (
	"encoding/json"
	"testing"
)

func TestJSONLGzipRoundTrip(t *testing.T) {
	buf := NewJSONLGzipBuffer()
	if err := buf.Append(map[string]any{"message_id": "m1"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := buf.AppendRaw([]byte(`{"message_id":"m2"}`)); err != nil {
		t.Fatalf("AppendRaw() error = %v", err)
	}
	if buf.Len() != 2 {
		t.Errorf("Len() = %d, want 2", buf.Len())
	}

	data, err := buf.Bytes()
	if err != nil {
		t.Fatalf("Bytes() error = %v", err)
	}

	var ids []string
	err = ReadJSONLGzip(data, func(line []byte) error {
		var rec struct {
			MessageID string `json:"message_id"`
		}
		if err := json.Unmarshal(line, &rec); err != nil {
			return err
		}
		ids = append(ids, rec.MessageID)
		return nil
	})
	if err != nil {
		t.Fatalf("ReadJSONLGzip() error = %v", err)
	}

	if len(ids) != 2 || ids[0] != "m1" || ids[1] != "m2" {
		t.Errorf("ids = %v, want [m1 m2]", ids)
	}
}

func TestReadJSONLGzip_RejectsPlainBytes(t *testing.T) {
	err := ReadJSONLGzip([]byte("not gzip"), func([]byte) error { return nil })
	if err == nil {
		t.Fatal("expected error for non-gzip input")
	}
}

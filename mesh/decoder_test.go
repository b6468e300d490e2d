package mesh

import (
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"strings"
	"testing"
)

func zlibCompress(t *testing.T, data []byte) []byte {
	t.Helper()
	var compressed bytes.Buffer
	w := zlib.NewWriter(&compressed)
	if _, err := w.Write(data); err != nil {
		t.Fatalf("Write error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close error = %v", err)
	}
	return compressed.Bytes()
}

func gzipCompress(t *testing.T, data []byte) []byte {
	t.Helper()
	var compressed bytes.Buffer
	w := gzip.NewWriter(&compressed)
	if _, err := w.Write(data); err != nil {
		t.Fatalf("Write error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close error = %v", err)
	}
	return compressed.Bytes()
}

func TestIsGzip(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		expected bool
	}{
		{"gzip header", []byte{0x1f, 0x8b, 0x08}, true},
		{"zlib header", []byte{0x78, 0x9c}, false},
		{"too short", []byte{0x1f}, false},
		{"JSON data", []byte(`{"name":"a"}`), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isGzip(tt.data); got != tt.expected {
				t.Errorf("isGzip() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestInflateZlib(t *testing.T) {
	original := []byte(`{"name":"skull-a","landmarks":{"landmark_a":[1,2,3]}}`)

	decompressed, err := inflateZlib(zlibCompress(t, original))
	if err != nil {
		t.Fatalf("inflateZlib() error = %v", err)
	}
	if !bytes.Equal(decompressed, original) {
		t.Errorf("inflateZlib() = %s, want %s", decompressed, original)
	}
}

func TestInflateZlib_Invalid(t *testing.T) {
	if _, err := inflateZlib([]byte("not compressed")); err == nil {
		t.Error("inflateZlib() should fail on uncompressed data")
	}
}

func TestDecodeObjectPayload(t *testing.T) {
	raw := objectFileJSON(t, NewObjectFile(transformedObject("skull-a", IdentityTransform())))

	tests := []struct {
		name    string
		data    []byte
		wantErr string
	}{
		{name: "raw JSON", data: raw},
		{name: "raw JSON with surrounding whitespace", data: append(append([]byte("\n  "), raw...), '\n')},
		{name: "zlib JSON", data: zlibCompress(t, raw)},
		{name: "gzip JSON", data: gzipCompress(t, raw)},
		{name: "empty", data: nil, wantErr: "empty payload"},
		{name: "whitespace only", data: []byte("   "), wantErr: "empty payload"},
		{name: "garbage", data: []byte("hello"), wantErr: "unknown format"},
		{name: "malformed JSON", data: []byte("{nope"), wantErr: "parsing JSON"},
		{name: "compressed empty", data: zlibCompress(t, nil), wantErr: "decoded JSON payload is empty"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := DecodeObjectPayload(tt.data)
			if tt.wantErr != "" {
				if err == nil {
					t.Fatalf("DecodeObjectPayload() expected error containing %q", tt.wantErr)
				}
				if !strings.Contains(err.Error(), tt.wantErr) {
					t.Errorf("DecodeObjectPayload() error = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeObjectPayload() error = %v", err)
			}
			if f.Name != "skull-a" {
				t.Errorf("Name = %q, want skull-a", f.Name)
			}
			if len(f.Landmarks) != 4 {
				t.Errorf("len(Landmarks) = %d, want 4", len(f.Landmarks))
			}
			if len(f.Vertices) != 3 {
				t.Errorf("len(Vertices) = %d, want 3", len(f.Vertices))
			}
		})
	}
}

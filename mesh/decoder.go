package mesh

import (
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"fmt"
	"io"
)

// MaxObjectBytes caps a single object payload, compressed or decompressed
const MaxObjectBytes = 50 << 20

// DecodeObjectPayload decodes an object snapshot received over the wire:
// - Raw JSON
// - Zlib-compressed JSON
// - Gzip-compressed JSON
//
// A snapshot may carry landmarks only; callers then keep the stored geometry.
func DecodeObjectPayload(data []byte) (*ObjectFile, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("empty payload")
	}

	var jsonBytes []byte
	var err error

	switch {
	case data[0] == '{':
		jsonBytes = data
	case isGzip(data):
		jsonBytes, err = inflateGzip(data)
		if err != nil {
			return nil, err
		}
	default:
		jsonBytes, err = inflateZlib(data)
		if err != nil {
			return nil, fmt.Errorf("unknown format: not JSON, zlib- or gzip-compressed JSON")
		}
	}

	if len(jsonBytes) == 0 {
		return nil, fmt.Errorf("decoded JSON payload is empty")
	}
	return ParseObjectJSON(jsonBytes)
}

// isGzip checks for the gzip magic bytes
func isGzip(data []byte) bool {
	return len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b
}

// inflateZlib decompresses zlib-compressed data
func inflateZlib(data []byte) ([]byte, error) {
	reader, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("creating zlib reader: %w", err)
	}
	defer func() { _ = reader.Close() }()

	decompressed, err := readLimited(reader, MaxObjectBytes)
	if err != nil {
		return nil, fmt.Errorf("decompressing zlib data: %w", err)
	}
	return decompressed, nil
}

// inflateGzip decompresses gzip-compressed data
func inflateGzip(data []byte) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("creating gzip reader: %w", err)
	}
	defer func() { _ = reader.Close() }()

	decompressed, err := readLimited(reader, MaxObjectBytes)
	if err != nil {
		return nil, fmt.Errorf("decompressing gzip data: %w", err)
	}
	return decompressed, nil
}

// readLimited reads r fully, failing rather than truncating past limit bytes
func readLimited(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("object payload exceeds %d bytes", limit)
	}
	return data, nil
}

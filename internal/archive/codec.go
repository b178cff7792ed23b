package archive

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"telemetry-pipeline/internal/telemetry/domain"
)

// Shared codec instances; EncodeAll and DecodeAll are safe for concurrent use.
var (
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error
	encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		panic(fmt.Sprintf("archive: zstd encoder: %v", err))
	}
	decoder, err = zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("archive: zstd decoder: %v", err))
	}
}

// Encode writes events as newline-delimited JSON and compresses the result with zstd.
func Encode(events []*domain.ProcessedEvent) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			return nil, fmt.Errorf("archive: encode %s: %w", ev.EventID, err)
		}
	}
	return encoder.EncodeAll(buf.Bytes(), nil), nil
}

// Decode reverses Encode.
func Decode(b []byte) ([]*domain.ProcessedEvent, error) {
	raw, err := decoder.DecodeAll(b, nil)
	if err != nil {
		return nil, fmt.Errorf("archive: decompress: %w", err)
	}
	var out []*domain.ProcessedEvent
	sc := bufio.NewScanner(bytes.NewReader(raw))
	sc.Buffer(make([]byte, 0, 64*1024), 16<<20)
	for sc.Scan() {
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}
		var ev domain.ProcessedEvent
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			return nil, fmt.Errorf("archive: decode line %d: %w", len(out)+1, err)
		}
		out = append(out, &ev)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("archive: scan: %w", err)
	}
	return out, nil
}

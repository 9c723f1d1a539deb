package repositories

import (
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Stored documents are JSON compressed with zstd. Ciphertext is base64 so
// the entropy coder recovers most of the encoding overhead.
var (
	docEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	docDecoder, _ = zstd.NewReader(nil)
)

func encodeDoc(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}
	return docEncoder.EncodeAll(raw, make([]byte, 0, len(raw)/2)), nil
}

func decodeDoc(data []byte, v any) error {
	raw, err := docDecoder.DecodeAll(data, nil)
	if err != nil {
		return fmt.Errorf("decompress document: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("unmarshal document: %w", err)
	}
	return nil
}

package ml

import (
	"bytes"
	"compress/gzip"
	"encoding/gob"
	"fmt"
	"io"
)

// EncodeModel serializes a model snapshot to gzip-compressed gob. The blob is
// what the model store persists; decode with DecodeModel.
func EncodeModel(model *Model) ([]byte, error) {
	if model == nil {
		return nil, fmt.Errorf("model cannot be nil")
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if err := gob.NewEncoder(gz).Encode(model); err != nil {
		return nil, fmt.Errorf("failed to encode model: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress model: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeModel deserializes a model snapshot produced by EncodeModel.
func DecodeModel(blob []byte) (*Model, error) {
	if len(blob) == 0 {
		return nil, fmt.Errorf("model blob cannot be empty")
	}

	gz, err := gzip.NewReader(bytes.NewReader(blob))
	if err != nil {
		return nil, fmt.Errorf("failed to decompress model: %w", err)
	}
	defer gz.Close()

	var model Model
	if err := gob.NewDecoder(gz).Decode(&model); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to decode model: %w", err)
	}
	if model.Forest == nil {
		return nil, fmt.Errorf("model blob contains no forest")
	}
	return &model, nil
}

package morph

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io"
)

// DecodeLandmarkData decodes a landmark export payload from either format:
// - Raw JSON (direct capture-station uploads)
// - Zlib-compressed JSON (bandwidth-limited MQTT payloads)
func DecodeLandmarkData(data []byte) (*Specimen, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty data")
	}

	var jsonBytes []byte
	var err error

	if data[0] == '{' {
		jsonBytes = data
	} else {
		jsonBytes, err = inflateZlib(data)
		if err != nil {
			return nil, fmt.Errorf("unknown format: not JSON or zlib-compressed")
		}
	}

	if len(jsonBytes) == 0 {
		return nil, fmt.Errorf("decoded JSON payload is empty")
	}

	return ParseSpecimenJSON(jsonBytes)
}

// inflateZlib decompresses zlib-compressed data
func inflateZlib(data []byte) ([]byte, error) {
	reader, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("creating zlib reader: %w", err)
	}
	defer func() {
		if closeErr := reader.Close(); closeErr != nil {
			// Already have the data at this point
			_ = closeErr
		}
	}()

	decompressed, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("decompressing zlib data: %w", err)
	}

	return decompressed, nil
}

// DeflateLandmarkData zlib-compresses a landmark export payload. Counterpart
// of DecodeLandmarkData for capture rigs that compress large exports before
// publishing.
func DeflateLandmarkData(jsonBytes []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(jsonBytes); err != nil {
		return nil, fmt.Errorf("compressing payload: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finalizing compressed payload: %w", err)
	}
	return buf.Bytes(), nil
}

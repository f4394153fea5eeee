package vbg

import (
	"encoding/base64"
	"fmt"
	"io"
	"os"
)

// DefaultMaxSampleBytes bounds a single voice sample.
const DefaultMaxSampleBytes int64 = 16 << 20

// EncodeSample base64 encodes raw audio for the voicesample field. The audio
// format is not inspected.
func EncodeSample(audio []byte) string {
	return base64.StdEncoding.EncodeToString(audio)
}

// ReadSampleFile reads the audio file at path, refusing files larger than
// maxBytes. A non-positive maxBytes disables the limit.
func ReadSampleFile(path string, maxBytes int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open voice sample: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if maxBytes > 0 {
		if info, err := f.Stat(); err == nil && info.Mode().IsRegular() && info.Size() > maxBytes {
			return nil, fmt.Errorf("%w: %s is %d bytes, limit %d", ErrSampleTooLarge, path, info.Size(), maxBytes)
		}
		r = io.LimitReader(f, maxBytes+1)
	}

	audio, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read voice sample: %w", err)
	}
	if maxBytes > 0 && int64(len(audio)) > maxBytes {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrSampleTooLarge, path, maxBytes)
	}
	return audio, nil
}

// EncodeSampleFile reads and base64 encodes the audio file at path.
func EncodeSampleFile(path string, maxBytes int64) (string, error) {
	audio, err := ReadSampleFile(path, maxBytes)
	if err != nil {
		return "", err
	}
	return EncodeSample(audio), nil
}

package vbg

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeSampleFileLengthAndRoundTrip(t *testing.T) {
	dir := t.TempDir()
	for _, n := range []int{0, 1, 2, 3, 4, 5, 1000, 4097} {
		audio := make([]byte, n)
		for i := range audio {
			audio[i] = byte(i * 7)
		}
		path := filepath.Join(dir, "sample.wav")
		require.NoError(t, os.WriteFile(path, audio, 0o600))

		encoded, err := EncodeSampleFile(path, 0)
		require.NoError(t, err)
		require.Len(t, encoded, (n+2)/3*4)

		decoded, err := base64.StdEncoding.DecodeString(encoded)
		require.NoError(t, err)
		require.Equal(t, audio, decoded)
	}
}

func TestReadSampleFileLimit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.wav")
	require.NoError(t, os.WriteFile(path, make([]byte, 11), 0o600))

	_, err := ReadSampleFile(path, 10)
	require.ErrorIs(t, err, ErrSampleTooLarge)

	audio, err := ReadSampleFile(path, 11)
	require.NoError(t, err)
	require.Len(t, audio, 11)
}

func TestReadSampleFileMissing(t *testing.T) {
	_, err := ReadSampleFile(filepath.Join(t.TempDir(), "nope.wav"), 0)
	require.Error(t, err)
	require.ErrorIs(t, err, os.ErrNotExist)
}

package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDigestReader_SHA256(t *testing.T) {
	content := "the quick brown fox"
	sum := sha256.Sum256([]byte(content))

	dr, err := NewDigestReader(strings.NewReader(content), AlgorithmSHA256)
	require.NoError(t, err)

	got, err := io.ReadAll(dr)
	require.NoError(t, err)
	require.Equal(t, content, string(got))

	require.Equal(t, hex.EncodeToString(sum[:]), dr.Digest())
	require.Equal(t, int64(len(content)), dr.Size())
	require.True(t, dr.IsFinished())
}

func TestDigestReader_BLAKE2b(t *testing.T) {
	dr, err := NewDigestReader(strings.NewReader("content"), AlgorithmBLAKE2b)
	require.NoError(t, err)

	_, err = io.ReadAll(dr)
	require.NoError(t, err)

	require.True(t, ValidDigest(dr.Digest()))

	sum := sha256.Sum256([]byte("content"))
	require.NotEqual(t, hex.EncodeToString(sum[:]), dr.Digest())
}

func TestDigestReader_UnknownAlgorithm(t *testing.T) {
	_, err := NewDigestReader(strings.NewReader(""), "md5")
	require.Error(t, err)
}

func TestComputeDigest(t *testing.T) {
	sum := sha256.Sum256([]byte("data"))
	got, err := ComputeDigest([]byte("data"), AlgorithmSHA256)
	require.NoError(t, err)
	require.Equal(t, hex.EncodeToString(sum[:]), got)
}

func TestValidDigest(t *testing.T) {
	require.True(t, ValidDigest(strings.Repeat("a0", 32)))
	require.False(t, ValidDigest(""))
	require.False(t, ValidDigest(strings.Repeat("a", 63)))
	require.False(t, ValidDigest(strings.Repeat("A", 64)), "uppercase hex is rejected")
	require.False(t, ValidDigest(strings.Repeat("g", 64)))
}

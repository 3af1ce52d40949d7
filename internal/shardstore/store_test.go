package shardstore

// © 2025 moe-engine authors. MIT License.

import (
	"crypto/sha256"
	"encoding/hex"
	"math/rand/v2"
	"testing"

	"github.com/moerun/moe-engine/pkg/errs"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), WithHashAlgorithm("sha256"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// I1: writing a shard then reading it returns the exact bytes, and the
// computed hash equals the manifest hash.
func TestRoundTripWriteRead(t *testing.T) {
	s := openTestStore(t)

	data := make([]byte, 4096+17)
	for i := range data {
		data[i] = byte(rand.IntN(256))
	}
	want := sha256Hex(data)

	require.NoError(t, s.Write("model-a", 0, data, WriteOptions{Verify: true, WantHash: want}))
	require.True(t, s.Exists("model-a", 0))

	got, err := s.Read("model-a", 0)
	require.NoError(t, err)
	require.True(t, verifyBytesEqual(data, got))
	require.Equal(t, want, sha256Hex(got))
}

// Scenario 2: integrity fail on write deletes the shard.
func TestIntegrityFailureOnWriteDeletesShard(t *testing.T) {
	s := openTestStore(t)

	data := make([]byte, 1024)
	for i := range data {
		data[i] = byte(rand.IntN(256))
	}
	wrongHash := sha256Hex([]byte("some other content"))

	err := s.Write("model-b", 0, data, WriteOptions{Verify: true, WantHash: wrongHash})
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.IntegrityFailure))
	require.False(t, s.Exists("model-b", 0))
}

func TestReadRangeUnaligned(t *testing.T) {
	s := openTestStore(t)

	data := make([]byte, 10000)
	for i := range data {
		data[i] = byte(i % 251)
	}
	require.NoError(t, s.Write("model-c", 0, data, WriteOptions{}))

	got, err := s.ReadRange("model-c", 0, 4100, 100)
	require.NoError(t, err)
	require.Equal(t, data[4100:4200], got)
}

func TestReadMissingShardReturnsNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Read("nope", 0)
	require.True(t, errs.Is(err, errs.NotFound))
}

func TestVerifyReportsMissingAndCorrupt(t *testing.T) {
	s := openTestStore(t)

	good := []byte("good shard bytes")
	require.NoError(t, s.Write("model-d", 0, good, WriteOptions{}))

	bad := []byte("bad shard bytes")
	require.NoError(t, s.Write("model-d", 1, bad, WriteOptions{}))

	result, err := s.Verify("model-d", map[int]string{
		0: sha256Hex(good),
		1: sha256Hex([]byte("not what is on disk")),
		2: sha256Hex([]byte("never written")),
	})
	require.NoError(t, err)
	require.ElementsMatch(t, []int{2}, result.Missing)
	require.ElementsMatch(t, []int{1}, result.Corrupt)
}

func TestDeleteRemovesModel(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Write("model-e", 0, []byte("x"), WriteOptions{}))
	require.True(t, s.Exists("model-e", 0))
	require.NoError(t, s.Delete("model-e"))
	require.False(t, s.Exists("model-e", 0))
}

func TestAlgorithmUnavailable(t *testing.T) {
	_, err := Open(t.TempDir(), WithHashAlgorithm("md5"))
	require.True(t, errs.Is(err, errs.AlgorithmUnavailable))
}

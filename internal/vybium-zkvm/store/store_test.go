package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/utils"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/vm"
	bolt "go.etcd.io/bbolt"
)

func openTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := Open(DefaultConfig(filepath.Join(t.TempDir(), "proofs.db")), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGet(t *testing.T) {
	s := openTestStore(t)

	key, err := s.Put(KindContinuation, []byte("segment proofs"))
	require.NoError(t, err)
	assert.Equal(t, KeyOf([]byte("segment proofs")), key)
	assert.True(t, s.Has(KindContinuation, key))
	assert.False(t, s.Has(KindRoot, key))

	again, err := s.Put(KindContinuation, []byte("segment proofs"))
	require.NoError(t, err)
	assert.Equal(t, key, again)

	data, err := s.Get(KindContinuation, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("segment proofs"), data)

	_, err = s.Get(KindRoot, key)
	assert.ErrorIs(t, err, ErrNotFound)

	keys, err := s.List(KindContinuation)
	require.NoError(t, err)
	assert.Equal(t, []Key{key}, keys)

	require.NoError(t, s.Delete(KindContinuation, key))
	assert.ErrorIs(t, s.Delete(KindContinuation, key), ErrNotFound)
}

func TestCorruption(t *testing.T) {
	s := openTestStore(t)
	key, err := s.Put(KindExe, []byte("exe"))
	require.NoError(t, err)

	require.NoError(t, s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(KindExe)).Put(key[:], []byte("tampered"))
	}))
	_, err = s.Get(KindExe, key)
	assert.ErrorIs(t, err, ErrCorrupted)
}

func TestKeysAndLabels(t *testing.T) {
	s := openTestStore(t)
	key, err := s.Put(KindRoot, []byte("root"))
	require.NoError(t, err)

	parsed, err := ParseKey(key.String())
	require.NoError(t, err)
	assert.Equal(t, key, parsed)

	_, err = ParseKey("0OIl")
	assert.ErrorIs(t, err, ErrInvalidKey)
	_, err = ParseKey("2g")
	assert.ErrorIs(t, err, ErrInvalidKey)

	require.NoError(t, s.SetLabel("latest", key))
	resolved, err := s.Resolve("latest")
	require.NoError(t, err)
	assert.Equal(t, key, resolved)

	resolved, err = s.Resolve(key.String())
	require.NoError(t, err)
	assert.Equal(t, key, resolved)

	stats, err := s.GetStats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Counts[KindRoot])
	assert.Equal(t, 1, stats.Labels)
	assert.Positive(t, stats.DatabaseSize)
}

func TestCommittedExeRoundTrip(t *testing.T) {
	s := openTestStore(t)
	machine, err := vm.NewVirtualMachine(utils.DefaultVmConfig())
	require.NoError(t, err)
	exe := vm.NewExe(vm.NewProgram(
		vm.NewInstruction(vm.ADD, 0, 0, 1, 1, 1, 0),
		vm.Terminate(vm.ExitCodeSuccess),
	))
	committed, err := machine.Commit(exe)
	require.NoError(t, err)

	key, err := s.PutExe(committed)
	require.NoError(t, err)
	loaded, err := s.GetExe(key)
	require.NoError(t, err)
	assert.Equal(t, committed.ProgramCommit, loaded.ProgramCommit)
	assert.Equal(t, committed.InitMemoryRoot, loaded.InitMemoryRoot)
	assert.Equal(t, committed.Exe.Program.Instructions, loaded.Exe.Program.Instructions)
	assert.Equal(t, committed.ExeCommit(machine.Hasher()), loaded.ExeCommit(machine.Hasher()))
}

func TestClosed(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.Put(KindExe, []byte("x"))
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.GetStats()
	assert.ErrorIs(t, err, ErrClosed)
	assert.False(t, s.Has(KindExe, Key{}))
}

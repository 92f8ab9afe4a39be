package atomicfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWriteAtomicCreatesFileWithContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "state.json")

	err := WriteAtomic(path, []byte(`{"a":1}`))
	assert.NoError(t, err)

	data, err := os.ReadFile(path)
	assert.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(data))
}

func TestWriteAtomicOverwritesExisting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	assert.NoError(t, WriteAtomic(path, []byte("first")))
	assert.NoError(t, WriteAtomic(path, []byte("second")))

	data, err := os.ReadFile(path)
	assert.NoError(t, err)
	assert.Equal(t, "second", string(data))
}

func TestWriteAtomicLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	assert.NoError(t, WriteAtomic(path, []byte("x")))

	entries, err := os.ReadDir(dir)
	assert.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Equal(t, "state.json", entries[0].Name())
}

func TestAppendHandleAssignsSequentialSeq(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.jsonl")

	h, err := OpenAppend(path, LockNone, 0)
	assert.NoError(t, err)
	defer h.Close()

	seq0, err := h.Append([]byte(`{"i":0}`))
	assert.NoError(t, err)
	seq1, err := h.Append([]byte(`{"i":1}`))
	assert.NoError(t, err)

	assert.Equal(t, uint64(0), seq0)
	assert.Equal(t, uint64(1), seq1)
}

func TestAppendHandleStartsFromGivenSeq(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.jsonl")

	h, err := OpenAppend(path, LockNone, 7)
	assert.NoError(t, err)
	defer h.Close()

	seq, err := h.Append([]byte(`{"i":7}`))
	assert.NoError(t, err)
	assert.Equal(t, uint64(7), seq)
}

func TestAppendHandlePersistsLinesAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.jsonl")

	h, err := OpenAppend(path, LockNone, 0)
	assert.NoError(t, err)
	_, err = h.Append([]byte("line-one"))
	assert.NoError(t, err)
	assert.NoError(t, h.Close())

	data, err := os.ReadFile(path)
	assert.NoError(t, err)
	assert.Equal(t, "line-one\n", string(data))
}

func TestAppendHandleAdvisoryLockDoesNotBlockSameProcessSecondHandle(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.jsonl")

	h1, err := OpenAppend(path, LockAdvisory, 0)
	assert.NoError(t, err)
	defer h1.Close()

	// A second open against the same path from this process should still
	// succeed: flock is advisory and best-effort here, never a hard failure.
	h2, err := OpenAppend(path, LockAdvisory, 0)
	assert.NoError(t, err)
	defer h2.Close()
}

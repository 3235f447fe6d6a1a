package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := Open(Options{Path: t.TempDir() + "/db"})
	require.NoError(t, err)
	t.Cleanup(eng.Close)
	return eng
}

func TestPutGetDelete(t *testing.T) {
	eng := openTestEngine(t)

	require.NoError(t, eng.Put("", []byte("k"), []byte("v")))

	got, err := eng.Get("", []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	require.NoError(t, eng.Delete("", []byte("k")))

	got, err = eng.Get("", []byte("k"))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestUnknownColumnFamily(t *testing.T) {
	eng := openTestEngine(t)

	_, err := eng.Get("nope", []byte("k"))
	assert.ErrorIs(t, err, ErrUnknownColumnFamily)

	err = eng.Put("nope", []byte("k"), []byte("v"))
	assert.ErrorIs(t, err, ErrUnknownColumnFamily)
}

func TestColumnFamilyLifecycle(t *testing.T) {
	eng := openTestEngine(t)

	require.NoError(t, eng.CreateColumnFamily("cf2"))
	assert.ElementsMatch(t, []string{"default", "cf2"}, eng.ListColumnFamilies())

	err := eng.CreateColumnFamily("cf2")
	assert.ErrorIs(t, err, ErrColumnFamilyExists)

	// Same key, two families, two values.
	require.NoError(t, eng.Put("", []byte("x"), []byte("A")))
	require.NoError(t, eng.Put("cf2", []byte("x"), []byte("B")))

	a, err := eng.Get("", []byte("x"))
	require.NoError(t, err)
	b, err := eng.Get("cf2", []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, []byte("A"), a)
	assert.Equal(t, []byte("B"), b)

	require.NoError(t, eng.DropColumnFamily("cf2"))
	assert.ElementsMatch(t, []string{"default"}, eng.ListColumnFamilies())

	err = eng.DropColumnFamily("cf2")
	assert.ErrorIs(t, err, ErrUnknownColumnFamily)
}

func TestDefaultColumnFamilyReserved(t *testing.T) {
	eng := openTestEngine(t)

	err := eng.DropColumnFamily("default")
	assert.ErrorIs(t, err, ErrDefaultReserved)
}

func TestMergeFoldsPatches(t *testing.T) {
	eng := openTestEngine(t)

	base := `{"employees":[{"first_name":"john","last_name":"doe"},{"first_name":"adam","last_name":"smith"}]}`
	require.NoError(t, eng.Put("", []byte("k"), []byte(base)))
	require.NoError(t, eng.Merge("", []byte("k"),
		[]byte(`[{"op":"replace","path":"/employees/1/first_name","value":"lucy"}]`)))
	require.NoError(t, eng.Merge("", []byte("k"),
		[]byte(`[{"op":"replace","path":"/employees/0/last_name","value":"dow"}]`)))

	got, err := eng.Get("", []byte("k"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"employees":[{"first_name":"john","last_name":"dow"},{"first_name":"lucy","last_name":"smith"}]}`, string(got))
}

func TestMergeWithoutBaseSeedsDocument(t *testing.T) {
	eng := openTestEngine(t)

	require.NoError(t, eng.Merge("", []byte("k"), []byte(`{"n":1}`)))
	require.NoError(t, eng.Merge("", []byte("k"), []byte(`[{"op":"replace","path":"/n","value":2}]`)))

	got, err := eng.Get("", []byte("k"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":2}`, string(got))
}

func TestMalformedPatchSurfacesOnRead(t *testing.T) {
	eng := openTestEngine(t)

	require.NoError(t, eng.Put("", []byte("k"), []byte(`{"a":1}`)))
	require.NoError(t, eng.Merge("", []byte("k"), []byte(`this is not json`)))

	_, err := eng.Get("", []byte("k"))
	assert.Error(t, err)
}

func TestIteratorOrder(t *testing.T) {
	eng := openTestEngine(t)

	for _, kv := range [][2]string{{"a", "1"}, {"c", "3"}, {"b", "2"}} {
		require.NoError(t, eng.Put("", []byte(kv[0]), []byte(kv[1])))
	}

	it, err := eng.NewIterator("")
	require.NoError(t, err)
	defer it.Close()

	var keys []string
	for it.SeekToFirst(); it.Valid(); it.Next() {
		slice := it.Key()
		keys = append(keys, string(slice.Data()))
		slice.Free()
	}
	require.NoError(t, it.Err())
	assert.Equal(t, []string{"a", "b", "c"}, keys)
}

func TestBatchIsAtomic(t *testing.T) {
	eng := openTestEngine(t)

	batch := eng.NewWriteBatch()
	defer batch.Destroy()
	require.NoError(t, eng.BatchPut(batch, "", []byte("k1"), []byte("v1")))
	require.NoError(t, eng.BatchPut(batch, "", []byte("k2"), []byte("v2")))
	require.NoError(t, eng.BatchDelete(batch, "", []byte("k1")))

	require.NoError(t, eng.ApplyBatch(batch))

	got, err := eng.Get("", []byte("k1"))
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = eng.Get("", []byte("k2"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)
}

func TestTransactionCommitAndRollback(t *testing.T) {
	eng := openTestEngine(t)

	txn, err := eng.BeginTransaction()
	require.NoError(t, err)
	require.NoError(t, eng.TxnPut(txn, "", []byte("t"), []byte("1")))

	// The transaction sees its own write.
	got, err := eng.TxnGet(txn, "", []byte("t"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), got)

	// Outside the transaction the key is not visible yet.
	got, err = eng.Get("", []byte("t"))
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, txn.Commit())

	got, err = eng.Get("", []byte("t"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), got)

	// A rolled-back transaction leaves no trace.
	txn, err = eng.BeginTransaction()
	require.NoError(t, err)
	require.NoError(t, eng.TxnPut(txn, "", []byte("u"), []byte("2")))
	require.NoError(t, txn.Rollback())

	got, err = eng.Get("", []byte("u"))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestTTLModeRejectsTransactions(t *testing.T) {
	eng, err := Open(Options{Path: t.TempDir() + "/db", TTL: 60})
	require.NoError(t, err)
	defer eng.Close()

	require.NoError(t, eng.Put("", []byte("k"), []byte("v")))
	got, err := eng.Get("", []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	_, err = eng.BeginTransaction()
	assert.ErrorIs(t, err, ErrTransactionsUnavailable)
}

func TestProperty(t *testing.T) {
	eng := openTestEngine(t)

	v, err := eng.Property("", "rocksdb.estimate-num-keys")
	require.NoError(t, err)
	assert.NotEmpty(t, v)

	_, err = eng.Property("", "rocksdb.no-such-property")
	assert.ErrorIs(t, err, ErrUnknownProperty)
}

func TestBackupAndRestore(t *testing.T) {
	eng := openTestEngine(t)

	require.NoError(t, eng.Put("", []byte("k"), []byte("before")))

	id, err := eng.CreateBackup()
	require.NoError(t, err)
	assert.NotZero(t, id)

	infos, err := eng.Backups()
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, id, infos[0].ID)
	assert.NotZero(t, infos[0].Timestamp)

	// Mutate after the backup, then restore the captured state.
	require.NoError(t, eng.Put("", []byte("k"), []byte("after")))
	require.NoError(t, eng.Put("", []byte("extra"), []byte("x")))

	require.NoError(t, eng.Restore(id))

	got, err := eng.Get("", []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("before"), got)

	got, err = eng.Get("", []byte("extra"))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRestoreErrors(t *testing.T) {
	eng := openTestEngine(t)

	err := eng.RestoreLatest()
	assert.ErrorIs(t, err, ErrNoBackup)

	_, err = eng.CreateBackup()
	require.NoError(t, err)

	err = eng.Restore(9999)
	assert.ErrorIs(t, err, ErrUnknownBackup)
}

func TestCompactRange(t *testing.T) {
	eng := openTestEngine(t)

	for i := byte('a'); i <= 'z'; i++ {
		require.NoError(t, eng.Put("", []byte{i}, []byte("v")))
	}
	require.NoError(t, eng.CompactRange("", []byte("a"), []byte("m")))
	require.NoError(t, eng.CompactRange("", nil, nil))
}

func TestReopenKeepsColumnFamilies(t *testing.T) {
	dir := t.TempDir() + "/db"

	eng, err := Open(Options{Path: dir})
	require.NoError(t, err)
	require.NoError(t, eng.CreateColumnFamily("cf2"))
	require.NoError(t, eng.Put("cf2", []byte("k"), []byte("v")))
	eng.Close()

	eng, err = Open(Options{Path: dir})
	require.NoError(t, err)
	defer eng.Close()

	assert.ElementsMatch(t, []string{"default", "cf2"}, eng.ListColumnFamilies())
	got, err := eng.Get("cf2", []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
}

package storage

import (
	"errors"
	"path/filepath"
	"testing"
)

func backends(t *testing.T) map[string]Database {
	t.Helper()
	dir := t.TempDir()
	level, err := NewLevelDB(filepath.Join(dir, "level"))
	if err != nil {
		t.Fatalf("open leveldb: %v", err)
	}
	bolt, err := NewBoltDB(filepath.Join(dir, "oracle.bolt"))
	if err != nil {
		t.Fatalf("open bolt: %v", err)
	}
	dbs := map[string]Database{
		BackendMemory:  NewMemDB(),
		BackendLevelDB: level,
		BackendBolt:    bolt,
	}
	t.Cleanup(func() {
		for _, db := range dbs {
			_ = db.Close()
		}
	})
	return dbs
}

func TestDatabaseGetPutDelete(t *testing.T) {
	for name, db := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := db.Get([]byte("missing")); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
			if err := db.Put([]byte("k"), []byte("v")); err != nil {
				t.Fatalf("put: %v", err)
			}
			got, err := db.Get([]byte("k"))
			if err != nil || string(got) != "v" {
				t.Fatalf("get: %q %v", got, err)
			}
			ok, err := db.Has([]byte("k"))
			if err != nil || !ok {
				t.Fatalf("has: %v %v", ok, err)
			}
			if err := db.Delete([]byte("k")); err != nil {
				t.Fatalf("delete: %v", err)
			}
			ok, _ = db.Has([]byte("k"))
			if ok {
				t.Fatalf("expected key removed")
			}
		})
	}
}

func TestDatabaseBatchAndIterate(t *testing.T) {
	for name, db := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if err := db.Put([]byte("p/old"), []byte("x")); err != nil {
				t.Fatalf("put: %v", err)
			}
			batch := db.NewBatch()
			batch.Put([]byte("p/b"), []byte("2"))
			batch.Put([]byte("p/a"), []byte("1"))
			batch.Put([]byte("q/a"), []byte("other"))
			batch.Delete([]byte("p/old"))
			if batch.Len() != 4 {
				t.Fatalf("unexpected batch len %d", batch.Len())
			}
			if ok, _ := db.Has([]byte("p/a")); ok {
				t.Fatalf("batch applied before Write")
			}
			if err := batch.Write(); err != nil {
				t.Fatalf("write: %v", err)
			}

			var keys []string
			err := db.Iterate([]byte("p/"), func(key, value []byte) bool {
				keys = append(keys, string(key)+"="+string(value))
				return true
			})
			if err != nil {
				t.Fatalf("iterate: %v", err)
			}
			if len(keys) != 2 || keys[0] != "p/a=1" || keys[1] != "p/b=2" {
				t.Fatalf("unexpected iteration: %v", keys)
			}

			count := 0
			_ = db.Iterate([]byte("p/"), func(key, value []byte) bool {
				count++
				return false
			})
			if count != 1 {
				t.Fatalf("iteration did not stop early: %d", count)
			}
		})
	}
}

func TestOpenBackends(t *testing.T) {
	dir := t.TempDir()
	if _, err := Open("rocksdb", dir); err == nil {
		t.Fatalf("expected unknown backend error")
	}
	if _, err := Open(BackendLevelDB, " "); err == nil {
		t.Fatalf("expected path error")
	}
	db, err := Open(BackendBolt, filepath.Join(dir, "nested", "oracle.db"))
	if err != nil {
		t.Fatalf("open bolt: %v", err)
	}
	_ = db.Close()
	mem, err := Open(BackendMemory, "")
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	if _, ok := mem.(*MemDB); !ok {
		t.Fatalf("expected MemDB, got %T", mem)
	}
}

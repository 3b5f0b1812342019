package engine_util

import (
	"os"
	"path/filepath"

	"github.com/coocood/badger"
	"github.com/pingcap/errors"
)

// Engines keeps references to and data for the engines used by a shard.
// All engines are badger key/value databases.
// the Path fields are the filesystem path to where the data is stored.
type Engines struct {
	// Committed row versions of the shard.
	Kv     *badger.DB
	KvPath string
	// Redo records: operation state transitions, received readsets and terminal facts.
	Redo     *badger.DB
	RedoPath string
}

func NewEngines(kvEngine, redoEngine *badger.DB, kvPath, redoPath string) *Engines {
	return &Engines{
		Kv:       kvEngine,
		KvPath:   kvPath,
		Redo:     redoEngine,
		RedoPath: redoPath,
	}
}

// OpenEngines opens (or creates) both engines under dbPath.
func OpenEngines(dbPath string, syncWrites bool) (*Engines, error) {
	kvPath := filepath.Join(dbPath, "kv")
	redoPath := filepath.Join(dbPath, "redo")
	kv, err := CreateDB(kvPath, syncWrites)
	if err != nil {
		return nil, err
	}
	redo, err := CreateDB(redoPath, syncWrites)
	if err != nil {
		kv.Close()
		return nil, err
	}
	return NewEngines(kv, redo, kvPath, redoPath), nil
}

func (en *Engines) WriteKV(wb *WriteBatch) error {
	return wb.WriteToDB(en.Kv)
}

func (en *Engines) WriteRedo(wb *WriteBatch) error {
	return wb.WriteToDB(en.Redo)
}

func (en *Engines) Close() error {
	if err := en.Kv.Close(); err != nil {
		return err
	}
	if err := en.Redo.Close(); err != nil {
		return err
	}
	return nil
}

func (en *Engines) Destroy() error {
	if err := en.Close(); err != nil {
		return err
	}
	if err := os.RemoveAll(en.KvPath); err != nil {
		return err
	}
	if err := os.RemoveAll(en.RedoPath); err != nil {
		return err
	}
	return nil
}

// CreateDB creates a new Badger DB on disk at path.
func CreateDB(path string, syncWrites bool) (*badger.DB, error) {
	opts := badger.DefaultOptions
	opts.Dir = path
	opts.ValueDir = path
	opts.SyncWrites = syncWrites
	if err := os.MkdirAll(opts.Dir, os.ModePerm); err != nil {
		return nil, errors.Trace(err)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Annotatef(err, "open badger at %s", path)
	}
	return db, nil
}

package store

import (
	"context"
	"encoding/json"

	bolt "go.etcd.io/bbolt"

	"github.com/flowmetrics/analytics-engine/internal/dag"
	analyticserrors "github.com/flowmetrics/analytics-engine/internal/errors"
)

var dagBucket = []byte("commit_dag_cache")

// BoltStore is an embedded, single-file durable DAG-blob cache: an
// alternative to SQLiteStore/PostgresStore for deployments that want
// dag.Persister backed by a local file with no server process, e.g. a
// one-off CLI invocation that still wants to avoid recrawling a large
// repository's history on every run.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) the bbolt file at path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, analyticserrors.StorageUnavailable(err, "opening bolt dag cache")
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(dagBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, analyticserrors.StorageUnavailable(err, "initializing bolt dag cache bucket")
	}
	return &BoltStore{db: db}, nil
}

// Close releases the file handle.
func (b *BoltStore) Close() error {
	return b.db.Close()
}

type boltDAG struct {
	Hashes   []string `json:"hashes"`
	Vertexes []int32  `json:"vertexes"`
	Edges    []int32  `json:"edges"`
}

// LoadDAG implements dag.Persister.
func (b *BoltStore) LoadDAG(_ context.Context, repo string) (dag.DAG, bool, error) {
	var found bool
	var blob []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(dagBucket).Get([]byte(repo))
		if v == nil {
			return nil
		}
		found = true
		blob = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return dag.DAG{}, false, analyticserrors.StorageUnavailable(err, "reading bolt dag cache")
	}
	if !found {
		return dag.DAG{}, false, nil
	}
	var d boltDAG
	if err := json.Unmarshal(blob, &d); err != nil {
		// A corrupted local cache entry is treated as a miss, not a
		// fatal error: the caller recrawls and overwrites it.
		return dag.DAG{}, false, nil
	}
	return dag.DAG{Hashes: d.Hashes, Vertexes: d.Vertexes, Edges: d.Edges}, true, nil
}

// SaveDAG implements dag.Persister.
func (b *BoltStore) SaveDAG(_ context.Context, repo string, d dag.DAG) error {
	blob, err := json.Marshal(boltDAG{Hashes: d.Hashes, Vertexes: d.Vertexes, Edges: d.Edges})
	if err != nil {
		return err
	}
	err = b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(dagBucket).Put([]byte(repo), blob)
	})
	if err != nil {
		return analyticserrors.StorageUnavailable(err, "writing bolt dag cache")
	}
	return nil
}

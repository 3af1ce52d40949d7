package shardstore

// badgerindex.go persists the finalized/hash index for every shard so that
// exists() can answer without re-reading already-known-good files;
// verify() still re-hashes every shard. Adapted from the teacher's examples/disk_eject Badger L2 pattern:
// there, evicted cache values were persisted to Badger and consulted
// before falling back to regeneration; here, finalized shard metadata is
// persisted so the store doesn't need to re-read and re-hash multi-GB
// shard files on every `exists` call.
// © 2025 moe-engine authors. MIT License.

import (
	"encoding/json"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
)

type shardIndexEntry struct {
	Hash      string `json:"hash"`
	Size      int64  `json:"size"`
	Finalized bool   `json:"finalized"`
}

func indexKey(modelID string, shardIndex int) []byte {
	return []byte(fmt.Sprintf("shard/%s/%05d", modelID, shardIndex))
}

func (s *Store) putIndex(modelID string, shardIndex int, entry shardIndexEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return s.idx.Update(func(txn *badger.Txn) error {
		return txn.Set(indexKey(modelID, shardIndex), data)
	})
}

func (s *Store) getIndex(modelID string, shardIndex int) (shardIndexEntry, bool) {
	var entry shardIndexEntry
	found := false
	_ = s.idx.View(func(txn *badger.Txn) error {
		item, err := txn.Get(indexKey(modelID, shardIndex))
		if err != nil {
			return nil
		}
		return item.Value(func(b []byte) error {
			if json.Unmarshal(b, &entry) == nil {
				found = true
			}
			return nil
		})
	})
	return entry, found
}

func (s *Store) deleteIndexPrefix(modelID string) error {
	prefix := []byte(fmt.Sprintf("shard/%s/", modelID))
	return s.idx.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		var keys [][]byte
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, append([]byte(nil), it.Item().Key()...))
		}
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

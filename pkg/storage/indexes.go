package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	bolt "go.etcd.io/bbolt"
)

// indexDecl declares a unique index over one collection. The index is
// materialised as its own bucket mapping key -> document ID.
type indexDecl struct {
	Name       string `json:"name"`
	Collection string `json:"collection"`
	Unique     bool   `json:"unique"`
	Sparse     bool   `json:"sparse"`
}

// declaredIndexes is the index contract of the durable store. On open,
// any existing index whose unique or sparse flag differs from this
// declaration is dropped and rebuilt from the primary bucket.
var declaredIndexes = []indexDecl{
	{Name: "nodes_walletAddress", Collection: "nodes", Unique: true},
	{Name: "users_walletAddress", Collection: "users", Unique: true},
	{Name: "users_email", Collection: "users", Unique: true, Sparse: true},
	{Name: "vmTemplates_slug", Collection: "vmTemplates", Unique: true},
	{Name: "reviews_resource_reviewer", Collection: "marketplaceReviews", Unique: true},
}

func indexBucketName(name string) []byte {
	return []byte("idx_" + name)
}

// indexKeys extracts the index keys of a raw document for the given
// index. Sparse indexes skip documents without the keyed field.
func indexKeys(decl indexDecl, raw []byte) ([]string, error) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	str := func(field string) string {
		v, _ := doc[field].(string)
		return v
	}
	switch decl.Name {
	case "nodes_walletAddress", "users_walletAddress":
		if w := str("walletAddress"); w != "" {
			return []string{strings.ToLower(w)}, nil
		}
	case "users_email":
		if e := str("email"); e != "" {
			return []string{strings.ToLower(e)}, nil
		}
	case "vmTemplates_slug":
		if s := str("slug"); s != "" {
			return []string{s}, nil
		}
	case "reviews_resource_reviewer":
		return []string{str("resourceType") + "\x00" + str("resourceId") + "\x00" + str("reviewerId")}, nil
	}
	if decl.Sparse {
		return nil, nil
	}
	return []string{""}, nil
}

// reconcileIndexes compares the persisted index manifest with the
// declared contract, dropping and rebuilding any index whose flags
// changed, then writes the manifest back.
func reconcileIndexes(tx *bolt.Tx) error {
	manifest := tx.Bucket(bucketIndexManifest)
	for _, decl := range declaredIndexes {
		want, err := json.Marshal(decl)
		if err != nil {
			return err
		}
		have := manifest.Get([]byte(decl.Name))
		if have != nil && bytes.Equal(have, want) {
			continue
		}
		if have != nil {
			if err := tx.DeleteBucket(indexBucketName(decl.Name)); err != nil && err != bolt.ErrBucketNotFound {
				return fmt.Errorf("drop index %s: %w", decl.Name, err)
			}
		}
		if _, err := tx.CreateBucketIfNotExists(indexBucketName(decl.Name)); err != nil {
			return err
		}
		if err := rebuildIndex(tx, decl); err != nil {
			return fmt.Errorf("rebuild index %s: %w", decl.Name, err)
		}
		if err := manifest.Put([]byte(decl.Name), want); err != nil {
			return err
		}
	}
	return nil
}

func rebuildIndex(tx *bolt.Tx, decl indexDecl) error {
	idx := tx.Bucket(indexBucketName(decl.Name))
	primary := tx.Bucket([]byte(decl.Collection))
	if primary == nil {
		return nil
	}
	return primary.ForEach(func(k, v []byte) error {
		keys, err := indexKeys(decl, v)
		if err != nil {
			return err
		}
		for _, key := range keys {
			if err := idx.Put([]byte(key), k); err != nil {
				return err
			}
		}
		return nil
	})
}

// updateIndexes maintains the unique indexes of one collection across a
// document upsert. The previous document version is needed to clear
// stale index entries.
func updateIndexes(tx *bolt.Tx, collection, id string, oldRaw, newRaw []byte) error {
	for _, decl := range declaredIndexes {
		if decl.Collection != collection {
			continue
		}
		idx := tx.Bucket(indexBucketName(decl.Name))
		if idx == nil {
			continue
		}
		if oldRaw != nil {
			oldKeys, err := indexKeys(decl, oldRaw)
			if err != nil {
				return err
			}
			for _, key := range oldKeys {
				if err := idx.Delete([]byte(key)); err != nil {
					return err
				}
			}
		}
		if newRaw == nil {
			continue
		}
		newKeys, err := indexKeys(decl, newRaw)
		if err != nil {
			return err
		}
		for _, key := range newKeys {
			if existing := idx.Get([]byte(key)); existing != nil && string(existing) != id {
				return fmt.Errorf("index %s key %q held by %s: %w", decl.Name, key, existing, ErrDuplicateKey)
			}
			if err := idx.Put([]byte(key), []byte(id)); err != nil {
				return err
			}
		}
	}
	return nil
}

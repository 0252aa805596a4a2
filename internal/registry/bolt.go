package registry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/statemesh/statemesh/pkg/proto"
	bolt "go.etcd.io/bbolt"
)

var nodesBucket = []byte("nodes")

// Bolt is a bbolt-backed Registry. Writes go to disk immediately; Flush
// forces an fsync of the underlying database file.
type Bolt struct {
	db *bolt.DB
}

// OpenBolt opens (creating if needed) a bbolt-backed registry at path.
func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open registry db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(nodesBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create nodes bucket: %w", err)
	}
	return &Bolt{db: db}, nil
}

// Close closes the underlying database.
func (b *Bolt) Close() error {
	return b.db.Close()
}

func (b *Bolt) UpsertNode(_ context.Context, node proto.NodeSnapshot) error {
	node = clamp(node)
	data, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("encode node: %w", err)
	}
	err = b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(nodesBucket).Put([]byte(node.NodeID), data)
	})
	if err != nil {
		return fmt.Errorf("upsert node %s: %w", node.NodeID, err)
	}
	return nil
}

func (b *Bolt) GetNode(_ context.Context, nodeID string) (proto.NodeSnapshot, error) {
	var node proto.NodeSnapshot
	err := b.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(nodesBucket).Get([]byte(nodeID))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &node)
	})
	if err != nil {
		return proto.NodeSnapshot{}, err
	}
	return node, nil
}

func (b *Bolt) GetAvailableCapacity(ctx context.Context, nodeID string) (uint64, error) {
	node, err := b.GetNode(ctx, nodeID)
	if err != nil {
		return 0, err
	}
	return node.AvailableCapacity, nil
}

func (b *Bolt) Reserve(_ context.Context, nodeID string, amount uint64) (proto.NodeSnapshot, error) {
	var node proto.NodeSnapshot
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(nodesBucket)
		data := bucket.Get([]byte(nodeID))
		if data == nil {
			return ErrNotFound
		}
		if err := json.Unmarshal(data, &node); err != nil {
			return err
		}
		node.AvailableCapacity = saturatingSub(node.AvailableCapacity, amount)
		updated, err := json.Marshal(node)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(nodeID), updated)
	})
	if err != nil {
		return proto.NodeSnapshot{}, err
	}
	return node, nil
}

func (b *Bolt) ListNodes(_ context.Context) ([]string, error) {
	var ids []string
	err := b.db.View(func(tx *bolt.Tx) error {
		// bbolt iterates keys in byte order, which matches the
		// lexicographic ordering the interface promises.
		return tx.Bucket(nodesBucket).ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	return ids, nil
}

func (b *Bolt) DeleteNode(_ context.Context, nodeID string) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(nodesBucket).Delete([]byte(nodeID))
	})
	if err != nil {
		return fmt.Errorf("delete node %s: %w", nodeID, err)
	}
	return nil
}

func (b *Bolt) Flush(_ context.Context) error {
	if err := b.db.Sync(); err != nil {
		return fmt.Errorf("flush registry: %w", err)
	}
	return nil
}

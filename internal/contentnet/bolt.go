package contentnet

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/statemesh/statemesh/pkg/proto"
	bolt "go.etcd.io/bbolt"
)

var networksBucket = []byte("content_networks")

// Bolt is a bbolt-backed Store.
type Bolt struct {
	db *bolt.DB
}

// OpenBolt opens (creating if needed) a bbolt-backed content network store.
func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open content network db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(networksBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create networks bucket: %w", err)
	}
	return &Bolt{db: db}, nil
}

// Close closes the underlying database.
func (b *Bolt) Close() error {
	return b.db.Close()
}

func (b *Bolt) GetContentNetwork(_ context.Context, contentID string) (Network, error) {
	var info proto.ContentNetworkInfo
	err := b.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(networksBucket).Get([]byte(contentID))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &info)
	})
	if err != nil {
		return Network{}, err
	}
	return FromInfo(info), nil
}

func (b *Bolt) SaveContentNetwork(_ context.Context, network Network) error {
	if network.ContentID == "" {
		return ErrEmptyContentID
	}
	data, err := json.Marshal(network.Info())
	if err != nil {
		return fmt.Errorf("encode content network: %w", err)
	}
	err = b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(networksBucket).Put([]byte(network.ContentID), data)
	})
	if err != nil {
		return fmt.Errorf("save content network %s: %w", network.ContentID, err)
	}
	return nil
}

func (b *Bolt) DeleteContentNetwork(_ context.Context, contentID string) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(networksBucket).Delete([]byte(contentID))
	})
	if err != nil {
		return fmt.Errorf("delete content network %s: %w", contentID, err)
	}
	return nil
}

func (b *Bolt) ListContentNetworks(_ context.Context) ([]string, error) {
	var ids []string
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(networksBucket).ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list content networks: %w", err)
	}
	return ids, nil
}

func (b *Bolt) FindAssignableCIDs(_ context.Context, capacity uint64) ([]string, error) {
	ids := make([]string, 0)
	required := make(map[string]uint64)
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(networksBucket).ForEach(func(k, v []byte) error {
			var info proto.ContentNetworkInfo
			if err := json.Unmarshal(v, &info); err != nil {
				return fmt.Errorf("decode content network %s: %w", k, err)
			}
			if info.RequiredCapacity <= capacity {
				ids = append(ids, info.ContentID)
				required[info.ContentID] = info.RequiredCapacity
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortAssignable(ids, required)
	return ids, nil
}

func (b *Bolt) Flush(_ context.Context) error {
	if err := b.db.Sync(); err != nil {
		return fmt.Errorf("flush content networks: %w", err)
	}
	return nil
}

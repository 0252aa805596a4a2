package version

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/statemesh/statemesh/internal/metrics"
	"github.com/statemesh/statemesh/pkg/proto"
	bolt "go.etcd.io/bbolt"
)

var lineagesBucket = []byte("lineages")

// Bolt is a bbolt-backed Store. Each lineage is stored as one value; bbolt's
// single-writer transactions provide the per-lineage commit serialization.
type Bolt struct {
	db *bolt.DB
}

// OpenBolt opens (creating if needed) a bbolt-backed version store.
func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open version db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(lineagesBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create lineages bucket: %w", err)
	}
	return &Bolt{db: db}, nil
}

// Close closes the underlying database.
func (b *Bolt) Close() error {
	return b.db.Close()
}

func loadLineage(tx *bolt.Tx, genesisID string) ([]Record, bool, error) {
	data := tx.Bucket(lineagesBucket).Get([]byte(genesisID))
	if data == nil {
		return nil, false, nil
	}
	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, false, fmt.Errorf("decode lineage %s: %w", genesisID, err)
	}
	return records, true, nil
}

func saveLineage(tx *bolt.Tx, genesisID string, records []Record) error {
	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("encode lineage %s: %w", genesisID, err)
	}
	return tx.Bucket(lineagesBucket).Put([]byte(genesisID), data)
}

func (b *Bolt) Commit(_ context.Context, op Operation) (CommitResult, error) {
	if op.Timestamp == 0 {
		op.Timestamp = proto.Now()
	}

	var result CommitResult
	err := b.db.Update(func(tx *bolt.Tx) error {
		if op.GenesisID == "" {
			id := computeVersionID("", "", op.Author, op.Timestamp, op.Payload)
			records, exists, err := loadLineage(tx, id)
			if err != nil {
				return err
			}
			if !exists || len(records) == 0 {
				records = []Record{{
					GenesisID:   id,
					VersionID:   id,
					Payload:     op.Payload,
					CommittedBy: op.Author,
					Timestamp:   op.Timestamp,
				}}
				if err := saveLineage(tx, id, records); err != nil {
					return err
				}
			}
			result = CommitResult{Status: StatusAccepted, GenesisID: id, VersionID: id, IsNew: true}
			return nil
		}

		records, exists, err := loadLineage(tx, op.GenesisID)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("%w: lineage %s", ErrNotFound, op.GenesisID)
		}

		idx := buildIndex(op.GenesisID, records)
		latest := idx.head()
		if op.Predecessor != latest {
			result = CommitResult{
				Status:    StatusConflict,
				GenesisID: op.GenesisID,
				Reason:    fmt.Sprintf("predecessor %s is stale, latest is %s", op.Predecessor, latest),
			}
			return nil
		}

		id := computeVersionID(op.GenesisID, op.Predecessor, op.Author, op.Timestamp, op.Payload)
		records = append(records, Record{
			GenesisID:   op.GenesisID,
			VersionID:   id,
			Predecessor: op.Predecessor,
			Payload:     op.Payload,
			CommittedBy: op.Author,
			Timestamp:   op.Timestamp,
		})
		if err := saveLineage(tx, op.GenesisID, records); err != nil {
			return err
		}
		result = CommitResult{Status: StatusAccepted, GenesisID: op.GenesisID, VersionID: id, Predecessor: op.Predecessor}
		return nil
	})
	if err != nil {
		return CommitResult{}, err
	}
	if result.Status == StatusAccepted {
		metrics.VersionCommits.Inc()
	} else {
		metrics.VersionConflicts.Inc()
	}
	return result, nil
}

func (b *Bolt) Apply(_ context.Context, rec Record) (ApplyOutcome, error) {
	if rec.GenesisID == "" || rec.VersionID == "" {
		return Ignored, fmt.Errorf("version: record requires genesis and version ids")
	}
	outcome := Applied
	err := b.db.Update(func(tx *bolt.Tx) error {
		records, _, err := loadLineage(tx, rec.GenesisID)
		if err != nil {
			return err
		}
		for _, existing := range records {
			if existing.VersionID == rec.VersionID {
				outcome = Ignored
				return nil
			}
		}
		return saveLineage(tx, rec.GenesisID, append(records, rec))
	})
	if err != nil {
		return Ignored, err
	}
	return outcome, nil
}

func (b *Bolt) withIndex(genesisID string, fn func(idx lineageIndex) error) error {
	return b.db.View(func(tx *bolt.Tx) error {
		records, exists, err := loadLineage(tx, genesisID)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("%w: lineage %s", ErrNotFound, genesisID)
		}
		return fn(buildIndex(genesisID, records))
	})
}

func (b *Bolt) FetchLatestByGenesis(_ context.Context, genesisID string) (Record, error) {
	var rec Record
	err := b.withIndex(genesisID, func(idx lineageIndex) error {
		head := idx.head()
		if head == "" {
			return fmt.Errorf("%w: lineage %s is empty", ErrNotFound, genesisID)
		}
		rec = idx.byID[head]
		return nil
	})
	return rec, err
}

func (b *Bolt) GetVersion(_ context.Context, genesisID, versionID string) (Record, error) {
	var rec Record
	err := b.withIndex(genesisID, func(idx lineageIndex) error {
		r, ok := idx.byID[versionID]
		if !ok {
			return fmt.Errorf("%w: version %s", ErrNotFound, versionID)
		}
		rec = r
		return nil
	})
	return rec, err
}

func (b *Bolt) ListHistory(_ context.Context, genesisID string) ([]Record, error) {
	var out []Record
	err := b.withIndex(genesisID, func(idx lineageIndex) error {
		out = idx.history()
		return nil
	})
	return out, err
}

func (b *Bolt) Heads(_ context.Context, genesisID string) ([]string, error) {
	var out []string
	err := b.withIndex(genesisID, func(idx lineageIndex) error {
		out = idx.heads()
		return nil
	})
	return out, err
}

func (b *Bolt) ListLineages(_ context.Context) ([]string, error) {
	var ids []string
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(lineagesBucket).ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list lineages: %w", err)
	}
	return ids, nil
}

func (b *Bolt) Flush(_ context.Context) error {
	if err := b.db.Sync(); err != nil {
		return fmt.Errorf("flush versions: %w", err)
	}
	return nil
}

package version

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/statemesh/statemesh/internal/metrics"
	"github.com/statemesh/statemesh/pkg/proto"
)

// Store is the content version store. Within one node, operations on a single
// lineage are serialized so the read-latest-then-append sequence in Commit is
// race free; across nodes only eventual convergence is promised.
type Store interface {
	// Commit appends a new record for the operation. A genesis commit
	// (empty GenesisID) creates the lineage and names it after its first
	// version id. A stale predecessor yields a StatusConflict result and
	// leaves the existing latest untouched.
	Commit(ctx context.Context, op Operation) (CommitResult, error)
	// Apply inserts a record replicated from another node. A record whose
	// predecessor is not the local latest becomes a sibling branch; a
	// record already present is reported as Ignored.
	Apply(ctx context.Context, rec Record) (ApplyOutcome, error)
	// FetchLatestByGenesis returns the last record of the lineage.
	FetchLatestByGenesis(ctx context.Context, genesisID string) (Record, error)
	// GetVersion returns one record of the lineage, or ErrNotFound.
	GetVersion(ctx context.Context, genesisID, versionID string) (Record, error)
	// ListHistory returns the lineage oldest to newest along the
	// predecessor chain, exposing all branches.
	ListHistory(ctx context.Context, genesisID string) ([]Record, error)
	// Heads returns the version ids of all current branch tips.
	Heads(ctx context.Context, genesisID string) ([]string, error)
	// ListLineages returns all genesis ids in lexicographic order.
	ListLineages(ctx context.Context) ([]string, error)
	// Flush forces pending writes to durable storage.
	Flush(ctx context.Context) error
}

// lineage holds one content lineage. Its mutex is the per-lineage writer
// lock; unrelated content ids never contend.
type lineage struct {
	mu      sync.Mutex
	records []Record
}

// Memory is an in-memory Store. The outer lock guards only the lineage map;
// all record access goes through the per-lineage lock.
type Memory struct {
	mu       sync.RWMutex
	lineages map[string]*lineage
}

// NewMemory creates an empty in-memory version store.
func NewMemory() *Memory {
	return &Memory{lineages: make(map[string]*lineage)}
}

func (m *Memory) lineageFor(genesisID string, create bool) *lineage {
	m.mu.RLock()
	l, ok := m.lineages[genesisID]
	m.mu.RUnlock()
	if ok || !create {
		return l
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok = m.lineages[genesisID]; ok {
		return l
	}
	l = &lineage{}
	m.lineages[genesisID] = l
	return l
}

func (m *Memory) Commit(_ context.Context, op Operation) (CommitResult, error) {
	if op.Timestamp == 0 {
		op.Timestamp = proto.Now()
	}

	if op.GenesisID == "" {
		// Genesis commit: the lineage is named after its first version.
		id := computeVersionID("", "", op.Author, op.Timestamp, op.Payload)
		rec := Record{
			GenesisID:   id,
			VersionID:   id,
			Payload:     op.Payload,
			CommittedBy: op.Author,
			Timestamp:   op.Timestamp,
		}
		l := m.lineageFor(id, true)
		l.mu.Lock()
		defer l.mu.Unlock()
		if len(l.records) == 0 {
			l.records = append(l.records, rec)
		}
		metrics.VersionCommits.Inc()
		return CommitResult{
			Status:    StatusAccepted,
			GenesisID: id,
			VersionID: id,
			IsNew:     true,
		}, nil
	}

	l := m.lineageFor(op.GenesisID, false)
	if l == nil {
		return CommitResult{}, fmt.Errorf("%w: lineage %s", ErrNotFound, op.GenesisID)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	idx := buildIndex(op.GenesisID, l.records)
	latest := idx.head()
	if op.Predecessor != latest {
		metrics.VersionConflicts.Inc()
		return CommitResult{
			Status:    StatusConflict,
			GenesisID: op.GenesisID,
			Reason:    fmt.Sprintf("predecessor %s is stale, latest is %s", op.Predecessor, latest),
		}, nil
	}

	id := computeVersionID(op.GenesisID, op.Predecessor, op.Author, op.Timestamp, op.Payload)
	l.records = append(l.records, Record{
		GenesisID:   op.GenesisID,
		VersionID:   id,
		Predecessor: op.Predecessor,
		Payload:     op.Payload,
		CommittedBy: op.Author,
		Timestamp:   op.Timestamp,
	})
	metrics.VersionCommits.Inc()
	return CommitResult{
		Status:      StatusAccepted,
		GenesisID:   op.GenesisID,
		VersionID:   id,
		Predecessor: op.Predecessor,
	}, nil
}

func (m *Memory) Apply(_ context.Context, rec Record) (ApplyOutcome, error) {
	if rec.GenesisID == "" || rec.VersionID == "" {
		return Ignored, fmt.Errorf("version: record requires genesis and version ids")
	}
	l := m.lineageFor(rec.GenesisID, true)
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, existing := range l.records {
		if existing.VersionID == rec.VersionID {
			return Ignored, nil
		}
	}
	l.records = append(l.records, rec)
	return Applied, nil
}

func (m *Memory) withIndex(genesisID string, fn func(idx lineageIndex) error) error {
	l := m.lineageFor(genesisID, false)
	if l == nil {
		return fmt.Errorf("%w: lineage %s", ErrNotFound, genesisID)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return fn(buildIndex(genesisID, l.records))
}

func (m *Memory) FetchLatestByGenesis(_ context.Context, genesisID string) (Record, error) {
	var rec Record
	err := m.withIndex(genesisID, func(idx lineageIndex) error {
		head := idx.head()
		if head == "" {
			return fmt.Errorf("%w: lineage %s is empty", ErrNotFound, genesisID)
		}
		rec = idx.byID[head]
		return nil
	})
	return rec, err
}

func (m *Memory) GetVersion(_ context.Context, genesisID, versionID string) (Record, error) {
	var rec Record
	err := m.withIndex(genesisID, func(idx lineageIndex) error {
		r, ok := idx.byID[versionID]
		if !ok {
			return fmt.Errorf("%w: version %s", ErrNotFound, versionID)
		}
		rec = r
		return nil
	})
	return rec, err
}

func (m *Memory) ListHistory(_ context.Context, genesisID string) ([]Record, error) {
	var out []Record
	err := m.withIndex(genesisID, func(idx lineageIndex) error {
		out = idx.history()
		return nil
	})
	return out, err
}

func (m *Memory) Heads(_ context.Context, genesisID string) ([]string, error) {
	var out []string
	err := m.withIndex(genesisID, func(idx lineageIndex) error {
		out = idx.heads()
		return nil
	})
	return out, err
}

func (m *Memory) ListLineages(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.lineages))
	for id := range m.lineages {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *Memory) Flush(_ context.Context) error {
	return nil
}

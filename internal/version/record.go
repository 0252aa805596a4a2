// Package version implements the content version store: an append-only,
// predecessor-chained history per content lineage. Concurrent commits against
// the same predecessor become sibling branches rather than overwriting
// history; resolution is deferred to a higher layer.
package version

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"sort"

	"github.com/statemesh/statemesh/pkg/proto"
)

// ErrNotFound is returned for unknown lineages or versions.
var ErrNotFound = errors.New("version: not found")

// Operation is a serialized intent to mutate a content lineage. GenesisID is
// empty for a genesis commit; Predecessor names the version the operation was
// built against.
type Operation struct {
	GenesisID   string
	Predecessor string
	Payload     []byte
	Author      string
	Timestamp   int64
}

// Record is one immutable entry in a lineage. Never mutated after creation.
type Record struct {
	GenesisID   string `json:"genesis_id"`
	VersionID   string `json:"version_id"`
	Predecessor string `json:"predecessor,omitempty"`
	Payload     []byte `json:"payload"`
	CommittedBy string `json:"committed_by"`
	Timestamp   int64  `json:"timestamp"`
}

// Wire converts a record to its wire form. The payload travels base64 encoded.
func (r Record) Wire() proto.VersionRecord {
	return proto.VersionRecord{
		GenesisID:   r.GenesisID,
		VersionID:   r.VersionID,
		Predecessor: r.Predecessor,
		PayloadRef:  base64.StdEncoding.EncodeToString(r.Payload),
		CommittedBy: r.CommittedBy,
		Timestamp:   r.Timestamp,
	}
}

// FromWire rebuilds a record from its wire form.
func FromWire(w proto.VersionRecord) (Record, error) {
	payload, err := base64.StdEncoding.DecodeString(w.PayloadRef)
	if err != nil {
		return Record{}, err
	}
	return Record{
		GenesisID:   w.GenesisID,
		VersionID:   w.VersionID,
		Predecessor: w.Predecessor,
		Payload:     payload,
		CommittedBy: w.CommittedBy,
		Timestamp:   w.Timestamp,
	}, nil
}

// CommitStatus is the outcome class of a commit attempt.
type CommitStatus int

const (
	// StatusAccepted means the record was appended and is the new latest.
	StatusAccepted CommitStatus = iota
	// StatusConflict means the operation's predecessor is stale; nothing
	// was written and the existing latest is untouched.
	StatusConflict
)

// CommitResult is the outcome of applying an operation. Exclusive to the
// caller of Commit.
type CommitResult struct {
	Status      CommitStatus
	GenesisID   string
	VersionID   string
	Predecessor string
	IsNew       bool   // true when the commit created the lineage
	Reason      string // set on conflict
}

// ApplyOutcome reports what a replicated record did to local state.
type ApplyOutcome int

const (
	// Applied means the record was inserted (possibly as a sibling branch).
	Applied ApplyOutcome = iota
	// Ignored means the record was already present.
	Ignored
)

// VersionID returns the content-addressed id the operation will commit as.
// The id depends on every field of the operation, so it can be derived before
// Commit as long as the timestamp is already fixed.
func (op Operation) VersionID() string {
	return computeVersionID(op.GenesisID, op.Predecessor, op.Author, op.Timestamp, op.Payload)
}

// computeVersionID derives a content-addressed version id. Identical inputs
// yield the identical id, which makes replicated inserts idempotent.
func computeVersionID(genesisID, predecessor, author string, timestamp int64, payload []byte) string {
	h := sha256.New()
	for _, s := range []string{genesisID, predecessor, author} {
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(s)))
		h.Write(n[:])
		h.Write([]byte(s))
	}
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(timestamp))
	h.Write(ts[:])
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// ----- Pure chain logic shared by the memory and bolt backends -----

// lineageIndex is a derived view over a lineage's records.
type lineageIndex struct {
	byID     map[string]Record
	children map[string][]string // predecessor -> version ids, sorted
	genesis  string
}

func buildIndex(genesisID string, records []Record) lineageIndex {
	idx := lineageIndex{
		byID:     make(map[string]Record, len(records)),
		children: make(map[string][]string),
		genesis:  genesisID,
	}
	for _, r := range records {
		idx.byID[r.VersionID] = r
		if r.VersionID != genesisID {
			idx.children[r.Predecessor] = append(idx.children[r.Predecessor], r.VersionID)
		}
	}
	for pred := range idx.children {
		sort.Strings(idx.children[pred])
	}
	return idx
}

// depth returns the predecessor-chain length from the genesis (or from the
// earliest known ancestor for orphaned branches).
func (idx lineageIndex) depth(versionID string) int {
	d := 0
	for id := versionID; ; d++ {
		r, ok := idx.byID[id]
		if !ok || r.VersionID == idx.genesis {
			return d
		}
		if r.Predecessor == "" {
			return d + 1
		}
		id = r.Predecessor
	}
}

// head picks the lineage's current latest version: the tip of the longest
// predecessor chain, ties broken by ascending version id. Chain length, not
// wall-clock time, so the choice is stable under clock skew.
func (idx lineageIndex) head() string {
	best := ""
	bestDepth := -1
	for id := range idx.byID {
		if len(idx.children[id]) > 0 {
			continue // not a tip
		}
		d := idx.depth(id)
		if d > bestDepth || (d == bestDepth && id < best) {
			best = id
			bestDepth = d
		}
	}
	return best
}

// heads returns all branch tips sorted by version id.
func (idx lineageIndex) heads() []string {
	var tips []string
	for id := range idx.byID {
		if len(idx.children[id]) == 0 {
			tips = append(tips, id)
		}
	}
	sort.Strings(tips)
	return tips
}

// history walks the chain oldest to newest, breadth-first from the genesis so
// sibling branches interleave by generation, siblings ordered by version id.
// Records unreachable from the genesis (their predecessor has not arrived
// yet) are appended at the end, sorted by version id.
func (idx lineageIndex) history() []Record {
	var out []Record
	seen := make(map[string]bool, len(idx.byID))

	if _, ok := idx.byID[idx.genesis]; ok {
		queue := []string{idx.genesis}
		for len(queue) > 0 {
			id := queue[0]
			queue = queue[1:]
			if seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, idx.byID[id])
			queue = append(queue, idx.children[id]...)
		}
	}

	var orphans []string
	for id := range idx.byID {
		if !seen[id] {
			orphans = append(orphans, id)
		}
	}
	sort.Strings(orphans)
	for _, id := range orphans {
		out = append(out, idx.byID[id])
	}
	return out
}

package resolver

import (
	"fmt"

	memdb "github.com/hashicorp/go-memdb"
)

// Candidate is a named, versioned package the resolver can bind an edge
// to — either an already-installed Trove or the package being installed.
type Candidate struct {
	Name       string
	Version    string
	Repository string
	Priority   int
}

// Snapshot is an in-memory, indexed view of the installed-Trove set (plus
// any overlay candidates), giving the resolver O(1) name lookup instead of
// a linear scan, as named in spec §9 ("HashMap<name, adjacency>").
type Snapshot struct {
	db *memdb.MemDB
}

var snapshotSchema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		"candidate": {
			Name: "candidate",
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:    "id",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "Name"},
				},
			},
		},
	},
}

// NewSnapshot builds a Snapshot seeded with installed.
func NewSnapshot(installed []Candidate) (*Snapshot, error) {
	db, err := memdb.NewMemDB(snapshotSchema)
	if err != nil {
		return nil, fmt.Errorf("resolver: build snapshot memdb: %w", err)
	}
	txn := db.Txn(true)
	for _, c := range installed {
		if err := txn.Insert("candidate", c); err != nil {
			txn.Abort()
			return nil, fmt.Errorf("resolver: seed snapshot: %w", err)
		}
	}
	txn.Commit()
	return &Snapshot{db: db}, nil
}

// Overlay returns a new Snapshot with c inserted/replacing any existing
// candidate of the same name, used to seed "(name, requested_version)" on
// top of the installed set without mutating the original snapshot.
func (s *Snapshot) Overlay(c Candidate) (*Snapshot, error) {
	txn := s.db.Txn(false)
	it, err := txn.Get("candidate", "id")
	if err != nil {
		return nil, err
	}
	var all []Candidate
	for obj := it.Next(); obj != nil; obj = it.Next() {
		cand := obj.(Candidate)
		if cand.Name == c.Name {
			continue
		}
		all = append(all, cand)
	}
	all = append(all, c)
	return NewSnapshot(all)
}

// Lookup finds the candidate for name, if any.
func (s *Snapshot) Lookup(name string) (Candidate, bool) {
	txn := s.db.Txn(false)
	raw, err := txn.First("candidate", "id", name)
	if err != nil || raw == nil {
		return Candidate{}, false
	}
	return raw.(Candidate), true
}

// All returns every candidate in the snapshot.
func (s *Snapshot) All() []Candidate {
	txn := s.db.Txn(false)
	it, err := txn.Get("candidate", "id")
	if err != nil {
		return nil
	}
	var out []Candidate
	for obj := it.Next(); obj != nil; obj = it.Next() {
		out = append(out, obj.(Candidate))
	}
	return out
}

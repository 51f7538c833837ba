package serverhealth

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/qiniu/depotmirror/internal/database"
)

// WorkspaceBinding is a workspace a lease syncs, and the server it syncs from.
type WorkspaceBinding struct {
	Cluster string `json:"cluster"`
	Server  string `json:"server"`
}

// Lease is an active unit of work on an agent. Conform and job leases bind up to two workspaces.
type Lease struct {
	ID         string
	Kind       string
	Workspaces []WorkspaceBinding
}

type LeaseSource interface {
	ActiveLeases(ctx context.Context) ([]Lease, error)
}

// PgLeaseSource reads active leases from the leases table:
//
//	CREATE TABLE leases (
//	    id          TEXT PRIMARY KEY,
//	    kind        TEXT NOT NULL,
//	    workspaces  JSONB NOT NULL DEFAULT '[]',
//	    started_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
//	    finished_at TIMESTAMPTZ
//	);
type PgLeaseSource struct {
	DB *database.Database
}

func NewPgLeaseSource(db *database.Database) *PgLeaseSource { return &PgLeaseSource{DB: db} }

func (s *PgLeaseSource) ActiveLeases(ctx context.Context) ([]Lease, error) {
	const q = `SELECT id, kind, workspaces FROM leases WHERE finished_at IS NULL`
	rows, err := s.DB.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query leases: %w", err)
	}
	defer rows.Close()
	var out []Lease
	for rows.Next() {
		var l Lease
		var raw []byte
		if err := rows.Scan(&l.ID, &l.Kind, &raw); err != nil {
			return nil, fmt.Errorf("scan lease: %w", err)
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &l.Workspaces); err != nil {
				return nil, fmt.Errorf("lease %s workspaces: %w", l.ID, err)
			}
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// countLeases resets and recomputes LeaseCount of entries. Each lease counts once per distinct
// server it references; servers not in entries are ignored.
func countLeases(leases []Lease, entries []ServerEntry) {
	byResolved := map[entryKey][]int{}
	byLogical := map[entryKey][]int{}
	for i := range entries {
		entries[i].LeaseCount = 0
		byResolved[entries[i].key()] = append(byResolved[entries[i].key()], i)
		lk := entryKey{entries[i].Cluster, entries[i].LogicalAddress}
		byLogical[lk] = append(byLogical[lk], i)
	}
	for _, l := range leases {
		seen := map[entryKey]bool{}
		for _, w := range l.Workspaces {
			k := entryKey{w.Cluster, w.Server}
			if seen[k] {
				continue
			}
			seen[k] = true
			idx, ok := byResolved[k]
			if !ok {
				idx = byLogical[k]
			}
			for _, i := range idx {
				entries[i].LeaseCount++
			}
		}
	}
}

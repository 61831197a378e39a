package models

import "time"

// Tenant is a directory entry for a tenant that has enqueued at least one
// job. Claim sweeps and stats iterate this directory instead of scanning the
// whole job table.
type Tenant struct {
	ID        string    `json:"id" badgerhold:"key"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

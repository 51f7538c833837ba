// Package serverhealth tracks the VCS servers of every cluster, probes their health and picks a
// server for each caller.
package serverhealth

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrUnknownCluster    = errors.New("serverhealth: unknown cluster")
	ErrNoServerAvailable = errors.New("serverhealth: no server available")
)

// Status orders from worst to best so the minimum of several results is the most pessimistic.
type Status int

const (
	StatusUnknown Status = iota
	StatusUnhealthy
	StatusDegraded
	StatusHealthy
)

var statusNames = []string{"Unknown", "Unhealthy", "Degraded", "Healthy"}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("Status(%d)", int(s))
	}
	return statusNames[s]
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	for i, n := range statusNames {
		if n == string(b) {
			*s = Status(i)
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", b)
}

// MinStatus returns the worse of two statuses.
func MinStatus(a, b Status) Status {
	if a < b {
		return a
	}
	return b
}

// ServerEntry is one resolved server. Entries are rebuilt on every resolution pass; health fields
// are carried over by resolved address.
type ServerEntry struct {
	Cluster         string    `json:"cluster"`
	LogicalAddress  string    `json:"logicalAddress"`
	ResolvedAddress string    `json:"resolvedAddress"`
	HealthCheckURL  string    `json:"healthCheckUrl,omitempty"`
	Status          Status    `json:"status"`
	Detail          string    `json:"detail,omitempty"`
	LeaseCount      int       `json:"leaseCount"`
	LastUpdateTime  time.Time `json:"lastUpdateTime"`
}

func (e ServerEntry) key() entryKey { return entryKey{e.Cluster, e.ResolvedAddress} }

type entryKey struct {
	cluster string
	address string
}

// ServerList is the persisted registry document.
type ServerList struct {
	Entries   []ServerEntry `json:"entries"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

// Package commits mirrors commit metadata of configured streams into a queryable cache and serves
// range, tag and subscription queries with a live VCS fallback.
package commits

import (
	"errors"
	"time"
)

var (
	ErrUnknownStream  = errors.New("commits: unknown stream")
	ErrUnknownCluster = errors.New("commits: unknown cluster")
)

// CommitRecord is the cached metadata of one change as seen through one stream.
type CommitRecord struct {
	StreamID       string    `json:"streamId"`
	Change         int       `json:"change"`
	OriginalChange int       `json:"originalChange"`
	AuthorID       string    `json:"authorId"`
	OwnerID        string    `json:"ownerId"`
	Description    string    `json:"description"`
	BasePath       string    `json:"basePath"`
	Time           time.Time `json:"time"`
	Tags           []string  `json:"tags"`
}

// HasAnyTag reports whether the record carries one of tags; no tags matches every record.
func (r *CommitRecord) HasAnyTag(tags []string) bool {
	if len(tags) == 0 {
		return true
	}
	for _, want := range tags {
		for _, have := range r.Tags {
			if want == have {
				return true
			}
		}
	}
	return false
}

// ClusterState is the per-cluster cache bookkeeping document. Every change in
// [Streams[id].MinReplicatedChange, MaxReplicatedChange] that touches stream id is cached.
type ClusterState struct {
	MaxReplicatedChange int                     `json:"maxReplicatedChange"`
	SkippedHistory      bool                    `json:"skippedHistory"`
	Streams             map[string]*StreamState `json:"streams"`
}

type StreamState struct {
	DefinitionHash      string `json:"definitionHash"`
	MinReplicatedChange int    `json:"minReplicatedChange"`
}

// floor returns the lowest cached change of a stream, or one past the cluster maximum when nothing
// is cached for it.
func (s *ClusterState) floor(streamID string) int {
	if st, ok := s.Streams[streamID]; ok && st.MinReplicatedChange > 0 {
		return st.MinReplicatedChange
	}
	return s.MaxReplicatedChange + 1
}

func stateKey(cluster string) string { return "commits/state/" + cluster }

// FindOptions bound a commit query. Zero values mean unbounded.
type FindOptions struct {
	MinChange  int
	MaxChange  int
	MaxResults int
	Tags       []string
}

// Package provenance records which replicas actually served each state
// transfer session.
package provenance

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/bftkit/statetransfer/selector"
)

var ErrNotFound = errors.New("provenance: session not found")

type Session struct {
	ID         ulid.ULID            `json:"id"`
	Started    time.Time            `json:"started"`
	Completed  time.Time            `json:"completed"`
	FirstBlock uint64               `json:"first_block"`
	LastBlock  uint64               `json:"last_block"`
	Sources    []selector.ReplicaID `json:"sources"`
}

func (s *Session) Duration() time.Duration {
	return s.Completed.Sub(s.Started)
}

type Store interface {
	Record(ctx context.Context, s Session) error
	Get(ctx context.Context, id ulid.ULID) (*Session, error)

	// Recent returns up to limit sessions, newest first
	Recent(ctx context.Context, limit int) ([]Session, error)
}

func joinSources(ids []selector.ReplicaID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(int(id))
	}
	return strings.Join(parts, ",")
}

func splitSources(s string) ([]selector.ReplicaID, error) {
	if s == "" {
		return []selector.ReplicaID{}, nil
	}
	parts := strings.Split(s, ",")
	ids := make([]selector.ReplicaID, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.ParseUint(strings.TrimSpace(p), 10, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid source list %q: %w", s, err)
		}
		ids = append(ids, selector.ReplicaID(n))
	}
	return ids, nil
}

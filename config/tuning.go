package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	jsonpatch "github.com/evanphx/json-patch"

	"github.com/bftkit/statetransfer/selector"
)

// DefaultTuning is the built-in tuning; operator overrides are merged on
// top with JSON merge patch semantics
var DefaultTuning = []byte(`{
	"retransmission_timeout_ms": 2000,
	"source_replacement_timeout_ms": 15000,
	"max_fetch_retransmissions": 2,
	"tick_interval_ms": 100,
	"max_blocks_per_fetch": 64,
	"replicas": [],
	"self_id": 0,
	"adaptive_pruning": false,
	"pruning_interval_ms": 1000
}`)

type Tuning struct {
	RetransmissionTimeoutMilli    uint64               `json:"retransmission_timeout_ms"`
	SourceReplacementTimeoutMilli uint64               `json:"source_replacement_timeout_ms"`
	MaxFetchRetransmissions       uint32               `json:"max_fetch_retransmissions"`
	TickIntervalMilli             uint64               `json:"tick_interval_ms"`
	MaxBlocksPerFetch             uint64               `json:"max_blocks_per_fetch"`
	Replicas                      []selector.ReplicaID `json:"replicas"`
	SelfID                        selector.ReplicaID   `json:"self_id"`
	AdaptivePruning               bool                 `json:"adaptive_pruning"`
	PruningIntervalMilli          uint64               `json:"pruning_interval_ms"`
}

// LoadTuning merges override onto defaults; an empty override leaves the
// defaults as they are
func LoadTuning(defaults, override []byte) (*Tuning, error) {
	merged := defaults
	if len(override) > 0 {
		var err error
		merged, err = jsonpatch.MergePatch(defaults, override)
		if err != nil {
			return nil, fmt.Errorf("tuning: %w", err)
		}
	}

	t := &Tuning{}
	if err := json.Unmarshal(merged, t); err != nil {
		return nil, fmt.Errorf("tuning: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Tuning) Validate() error {
	var errs []error
	if t.RetransmissionTimeoutMilli == 0 {
		errs = append(errs, errors.New("retransmission_timeout_ms must be positive"))
	}
	if t.TickIntervalMilli == 0 {
		errs = append(errs, errors.New("tick_interval_ms must be positive"))
	}
	if t.PruningIntervalMilli == 0 {
		errs = append(errs, errors.New("pruning_interval_ms must be positive"))
	}
	if t.MaxBlocksPerFetch == 0 {
		errs = append(errs, errors.New("max_blocks_per_fetch must be positive"))
	}
	for _, id := range t.Replicas {
		if id == selector.NoReplica {
			errs = append(errs, fmt.Errorf("replica id %d is reserved", id))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("tuning: %w", err)
	}
	return nil
}

// SelectorConfig is the source selector part of the tuning
func (t *Tuning) SelectorConfig() selector.Config {
	return selector.Config{
		RetransmissionTimeoutMilli:    t.RetransmissionTimeoutMilli,
		SourceReplacementTimeoutMilli: t.SourceReplacementTimeoutMilli,
		MaxFetchRetransmissions:       t.MaxFetchRetransmissions,
	}
}

func (t *Tuning) TickInterval() time.Duration {
	return time.Duration(t.TickIntervalMilli) * time.Millisecond
}

func (t *Tuning) PruningInterval() time.Duration {
	return time.Duration(t.PruningIntervalMilli) * time.Millisecond
}

// OtherReplicas returns the replica universe without this replica
func (t *Tuning) OtherReplicas() []selector.ReplicaID {
	r := make([]selector.ReplicaID, 0, len(t.Replicas))
	for _, id := range t.Replicas {
		if id != t.SelfID {
			r = append(r, id)
		}
	}
	return r
}

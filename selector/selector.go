package selector

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math/rand/v2"

	"golang.org/x/exp/slices"
)

// Option configures optional collaborators of a Selector
type Option func(*Selector)

// WithRandom replaces the random source used to pick between preferred
// replicas.
func WithRandom(r RandomSource) Option {
	return func(s *Selector) {
		s.rnd = r
	}
}

// WithMetrics enables prometheus metrics. A nil Metrics is allowed.
func WithMetrics(m *Metrics) Option {
	return func(s *Selector) {
		s.metrics = m
	}
}

// Selector tracks the current state transfer source and decides when to
// replace it.
type Selector struct {
	cfg     Config
	log     *slog.Logger
	metrics *Metrics
	rnd     RandomSource

	// sorted and without duplicates
	allOtherReplicas  []ReplicaID
	preferredReplicas []ReplicaID

	currentReplica               ReplicaID
	sourceSelectionTimeMilli     uint64
	fetchingTimeStampMilli       uint64
	fetchRetransmissionOngoing   bool
	fetchRetransmissionCounter   uint32
	receivedValidBlockFromSource bool

	// replicas that delivered at least one valid block, in order
	actualSources []ReplicaID
}

// New creates a selector choosing among replicas, which must not include
// the local replica.
func New(replicas []ReplicaID, cfg Config, log *slog.Logger, opts ...Option) (*Selector, error) {
	universe := slices.Clone(replicas)
	slices.Sort(universe)
	universe = slices.Compact(universe)

	if _, found := slices.BinarySearch(universe, NoReplica); found {
		return nil, fmt.Errorf("replica id %d is reserved", NoReplica)
	}

	if log == nil {
		log = slog.Default()
	}

	s := &Selector{
		cfg:              cfg,
		log:              log,
		allOtherReplicas: universe,
		currentReplica:   NoReplica,
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.rnd == nil {
		s.rnd = newRandom()
	}

	return s, nil
}

func newRandom() *rand.Rand {
	var seed [16]byte
	if _, err := cryptorand.Read(seed[:]); err != nil {
		panic(fmt.Sprintf("crypto/rand error: %s", err))
	}
	return rand.New(rand.NewPCG(
		binary.BigEndian.Uint64(seed[:8]),
		binary.BigEndian.Uint64(seed[8:]),
	))
}

// Config returns the timing configuration
func (s *Selector) Config() Config {
	return s.cfg
}

// HasSource is true when a source is selected and its selection time is set
func (s *Selector) HasSource() bool {
	return s.currentReplica != NoReplica && s.sourceSelectionTimeMilli > 0
}

// CurrentReplica returns the current source or NoReplica
func (s *Selector) CurrentReplica() ReplicaID {
	return s.currentReplica
}

func (s *Selector) IsPreferred(id ReplicaID) bool {
	_, found := slices.BinarySearch(s.preferredReplicas, id)
	return found
}

func (s *Selector) HasPreferredReplicas() bool {
	return len(s.preferredReplicas) > 0
}

func (s *Selector) NumberOfPreferredReplicas() int {
	return len(s.preferredReplicas)
}

// PreferredReplicas returns the preferred pool in ascending order
func (s *Selector) PreferredReplicas() []ReplicaID {
	return slices.Clone(s.preferredReplicas)
}

// PreferredReplicasString renders the preferred pool for logging, e.g. "1, 2, 4"
func (s *Selector) PreferredReplicasString() string {
	return joinReplicas(s.preferredReplicas)
}

// ActualSources returns the replicas that delivered at least one valid block
// since the last Reset, in the order they did so.
func (s *Selector) ActualSources() []ReplicaID {
	return slices.Clone(s.actualSources)
}

// IsReset reports whether the selector is in its initial empty state
func (s *Selector) IsReset() bool {
	return len(s.preferredReplicas) == 0 &&
		s.currentReplica == NoReplica &&
		s.sourceSelectionTimeMilli == 0 &&
		s.fetchingTimeStampMilli == 0 &&
		s.fetchRetransmissionCounter == 0 &&
		!s.fetchRetransmissionOngoing &&
		len(s.actualSources) == 0 &&
		!s.receivedValidBlockFromSource
}

// TimeSinceSourceSelected returns the milliseconds elapsed since the current
// source was selected, or 0 without a source or if now precedes the
// selection time.
func (s *Selector) TimeSinceSourceSelected(nowMilli uint64) uint64 {
	if s.currentReplica == NoReplica || nowMilli < s.sourceSelectionTimeMilli {
		return 0
	}
	return nowMilli - s.sourceSelectionTimeMilli
}

// RetransmissionTimeoutExpired reports whether the last fetch request to the
// current source has gone unanswered for longer than the retransmission
// timeout. It does not change any state.
func (s *Selector) RetransmissionTimeoutExpired(nowMilli uint64) bool {
	if s.currentReplica == NoReplica {
		s.log.Debug("retransmit: no replica")
		return false
	}
	// nothing was ever sent to this source
	if s.fetchingTimeStampMilli == 0 {
		s.log.Debug("retransmit: fetching timestamp not set")
		return false
	}
	if nowMilli < s.fetchingTimeStampMilli {
		return false
	}

	diff := nowMilli - s.fetchingTimeStampMilli
	if diff > s.cfg.RetransmissionTimeoutMilli {
		s.log.Debug("retransmit",
			"diff", diff,
			"now", nowMilli,
			"fetchingTimeStamp", s.fetchingTimeStampMilli,
			"retransmissionTimeout", s.cfg.RetransmissionTimeoutMilli)
		return true
	}
	return false
}

// SetSourceSelectionTime overrides the time the current source was selected
func (s *Selector) SetSourceSelectionTime(nowMilli uint64) {
	s.sourceSelectionTimeMilli = nowMilli
}

// SetFetchingTimestamp records that a fetch request was just sent to the
// current source. A fresh request (retransmissionOngoing false) restarts the
// retransmission count; a retransmission of the same request keeps counting.
func (s *Selector) SetFetchingTimestamp(nowMilli uint64, retransmissionOngoing bool) {
	s.fetchingTimeStampMilli = nowMilli
	s.fetchRetransmissionOngoing = retransmissionOngoing
	if !retransmissionOngoing {
		s.fetchRetransmissionCounter = 0
	}
	s.log.Debug("fetching timestamp",
		"fetchingTimeStamp", s.fetchingTimeStampMilli,
		"retransmissionOngoing", s.fetchRetransmissionOngoing,
		"retransmissionCounter", s.fetchRetransmissionCounter)
}

// AddPreferredReplica adds id to the preferred pool. Ids that are not in
// the replica universe are ignored.
func (s *Selector) AddPreferredReplica(id ReplicaID) {
	if !s.IsKnown(id) {
		s.log.Warn("ignoring preferred replica outside the replica set",
			"replica", id, "replicas", joinReplicas(s.allOtherReplicas))
		return
	}
	i, found := slices.BinarySearch(s.preferredReplicas, id)
	if found {
		return
	}
	s.preferredReplicas = slices.Insert(s.preferredReplicas, i, id)
	s.metrics.trackPreferred(len(s.preferredReplicas))
}

// IsKnown reports whether id is one of the replicas the selector chooses
// from
func (s *Selector) IsKnown(id ReplicaID) bool {
	_, found := slices.BinarySearch(s.allOtherReplicas, id)
	return found
}

// SetAllReplicasAsPreferred makes every other replica preferred again
func (s *Selector) SetAllReplicasAsPreferred() {
	s.preferredReplicas = slices.Clone(s.allOtherReplicas)
	s.metrics.trackPreferred(len(s.preferredReplicas))
}

// RemoveCurrentReplica drops the current source from the preferred pool and
// leaves the selector without a source.
func (s *Selector) RemoveCurrentReplica() {
	s.removePreferred(s.currentReplica)
	s.currentReplica = NoReplica
	s.receivedValidBlockFromSource = false
	s.metrics.trackPreferred(len(s.preferredReplicas))
}

func (s *Selector) removePreferred(id ReplicaID) {
	if i, found := slices.BinarySearch(s.preferredReplicas, id); found {
		s.preferredReplicas = slices.Delete(s.preferredReplicas, i, i+1)
	}
}

// OnReceivedValidBlockFromSource records that the current source delivered a
// valid block. The first call per source appends it to ActualSources. It
// panics if no source is selected.
func (s *Selector) OnReceivedValidBlockFromSource() {
	if s.currentReplica == NoReplica {
		precondition("OnReceivedValidBlockFromSource", "no source selected")
	}
	if s.receivedValidBlockFromSource {
		return
	}
	s.receivedValidBlockFromSource = true
	s.log.Info("insert source into actual sources", "replica", s.currentReplica)
	s.actualSources = append(s.actualSources, s.currentReplica)
	s.metrics.trackActualSource(s.currentReplica)
}

// ShouldReplaceSource reports whether the current source has to be replaced.
//
// When the retransmission timeout has expired for an ongoing retransmission,
// the call counts that timeout and clears the ongoing flag, so each timeout
// is counted once no matter how often this is called.
func (s *Selector) ShouldReplaceSource(nowMilli uint64, badDataFromCurrentSource bool) bool {
	return s.ReplaceReason(nowMilli, badDataFromCurrentSource).Replace()
}

// ReplaceReason is ShouldReplaceSource returning the reason for the decision.
// It has the same side effect on the retransmission counter.
func (s *Selector) ReplaceReason(nowMilli uint64, badDataFromCurrentSource bool) ReplacementReason {
	reason := s.replaceReason(nowMilli, badDataFromCurrentSource)
	s.metrics.TrackReplacement(reason)
	return reason
}

func (s *Selector) replaceReason(nowMilli uint64, badDataFromCurrentSource bool) ReplacementReason {
	if s.currentReplica == NoReplica {
		s.log.Info("should replace source: no source")
		return ReasonNoSource
	}

	if badDataFromCurrentSource {
		s.log.Info("should replace source: bad data", "replica", s.currentReplica)
		return ReasonBadData
	}

	if s.RetransmissionTimeoutExpired(nowMilli) && s.fetchRetransmissionOngoing {
		s.fetchRetransmissionCounter++
		s.fetchRetransmissionOngoing = false
		s.metrics.trackRetransmissionTimeout()
		s.log.Warn("retransmission timeout expired",
			"replica", s.currentReplica,
			"now", nowMilli,
			"fetchingTimeStamp", s.fetchingTimeStampMilli,
			"retransmissionTimeout", s.cfg.RetransmissionTimeoutMilli,
			"retransmissionCounter", s.fetchRetransmissionCounter)
	}

	if s.fetchRetransmissionCounter >= s.cfg.MaxFetchRetransmissions {
		s.log.Info("should replace source: retransmission timeout expired",
			"replica", s.currentReplica,
			"now", nowMilli,
			"fetchingTimeStamp", s.fetchingTimeStampMilli,
			"retransmissionTimeout", s.cfg.RetransmissionTimeoutMilli,
			"retransmissionCounter", s.fetchRetransmissionCounter,
			"maxFetchRetransmissions", s.cfg.MaxFetchRetransmissions)
		return ReasonRetransmissions
	}

	if s.cfg.SourceReplacementTimeoutMilli > 0 {
		dt := s.TimeSinceSourceSelected(nowMilli)
		if dt > s.cfg.SourceReplacementTimeoutMilli {
			s.log.Info("should replace source: source replacement timeout",
				"replica", s.currentReplica,
				"elapsed", dt,
				"sourceReplacementTimeout", s.cfg.SourceReplacementTimeoutMilli)
			return ReasonReplacementTimeout
		}
	}

	return ReasonNone
}

// UpdateSource replaces the current source. The outgoing source leaves the
// preferred pool; an empty pool is refilled with every other replica before
// a new source is drawn. It panics if there is no replica to choose from.
func (s *Selector) UpdateSource(nowMilli uint64) {
	if s.currentReplica != NoReplica {
		s.removePreferred(s.currentReplica)
	}
	if len(s.preferredReplicas) == 0 {
		s.preferredReplicas = slices.Clone(s.allOtherReplicas)
	}
	s.selectSource(nowMilli)
}

// selectSource draws the new source uniformly from the preferred pool and
// clears all state tied to the previous source.
func (s *Selector) selectSource(nowMilli uint64) {
	size := len(s.preferredReplicas)
	if size == 0 {
		precondition("selectSource", "no preferred replicas to select from")
	}

	i := 0
	if size > 1 {
		i = int(s.rnd.Uint64() % uint64(size))
	}

	s.currentReplica = s.preferredReplicas[i]
	s.sourceSelectionTimeMilli = nowMilli
	s.fetchRetransmissionOngoing = false
	s.fetchingTimeStampMilli = 0
	s.fetchRetransmissionCounter = 0
	s.receivedValidBlockFromSource = false

	s.log.Info("selected source",
		"replica", s.currentReplica,
		"preferred", s.PreferredReplicasString(),
		"now", nowMilli)
	s.metrics.trackSelection(s.currentReplica, size)
}

// Reset returns the selector to its initial state, including the list of
// actual sources.
func (s *Selector) Reset() {
	s.preferredReplicas = nil
	s.currentReplica = NoReplica
	s.sourceSelectionTimeMilli = 0
	s.fetchingTimeStampMilli = 0
	s.fetchRetransmissionCounter = 0
	s.fetchRetransmissionOngoing = false
	s.receivedValidBlockFromSource = false
	s.actualSources = nil
	s.metrics.trackPreferred(0)
}

// Snapshot is a copy of the selector state for diagnostics
type Snapshot struct {
	CurrentReplica         ReplicaID   `json:"current_replica"`
	SourceSelectionTime    uint64      `json:"source_selection_time_ms"`
	FetchingTimestamp      uint64      `json:"fetching_timestamp_ms"`
	RetransmissionOngoing  bool        `json:"retransmission_ongoing"`
	RetransmissionCounter  uint32      `json:"retransmission_counter"`
	ReceivedValidBlock     bool        `json:"received_valid_block"`
	PreferredReplicas      string      `json:"preferred_replicas"`
	ActualSources          []ReplicaID `json:"actual_sources"`
	NumberOfOtherReplicas  int         `json:"number_of_other_replicas"`
	NumberOfPreferred      int         `json:"number_of_preferred"`
	SourceReplacementLimit uint64      `json:"source_replacement_timeout_ms"`
}

// Snapshot copies the current state
func (s *Selector) Snapshot() Snapshot {
	return Snapshot{
		CurrentReplica:         s.currentReplica,
		SourceSelectionTime:    s.sourceSelectionTimeMilli,
		FetchingTimestamp:      s.fetchingTimeStampMilli,
		RetransmissionOngoing:  s.fetchRetransmissionOngoing,
		RetransmissionCounter:  s.fetchRetransmissionCounter,
		ReceivedValidBlock:     s.receivedValidBlockFromSource,
		PreferredReplicas:      s.PreferredReplicasString(),
		ActualSources:          s.ActualSources(),
		NumberOfOtherReplicas:  len(s.allOtherReplicas),
		NumberOfPreferred:      len(s.preferredReplicas),
		SourceReplacementLimit: s.cfg.SourceReplacementTimeoutMilli,
	}
}

// Package fetcher drives state transfer: it asks the selected source for
// missing blocks, validates what comes back and replaces the source when
// the selector says so.
//
// All state changes happen under one mutex; Run serializes ticks and
// inbound messages on a single goroutine, which is the control thread the
// selector expects. Fetch requests are queued under the mutex and sent
// after it is released.
package fetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/oklog/ulid/v2"
	"go.ntppool.org/common/tracing"
	commonulid "go.ntppool.org/common/ulid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/bftkit/statetransfer/provenance"
	"github.com/bftkit/statetransfer/selector"
	"github.com/bftkit/statetransfer/stmsg"
	"github.com/bftkit/statetransfer/transport"
)

const (
	inboxSize = 4096

	reasonRejected = "rejected"
)

var (
	ErrSessionActive = errors.New("fetcher: a session is already running")
	ErrNoReplicas    = errors.New("fetcher: no other replicas to fetch from")
	ErrInvalidRange  = errors.New("fetcher: invalid block range")
)

// Range is an inclusive range of block ids
type Range struct {
	First uint64 `json:"first"`
	Last  uint64 `json:"last"`
}

func (r Range) Len() uint64 {
	return r.Last - r.First + 1
}

type Validator interface {
	Validate(blockID uint64, data []byte) bool
}

type ValidatorFunc func(blockID uint64, data []byte) bool

func (f ValidatorFunc) Validate(blockID uint64, data []byte) bool {
	return f(blockID, data)
}

// BlockSink stores validated blocks
type BlockSink interface {
	PutBlock(ctx context.Context, blockID uint64, data []byte) error
}

type Config struct {
	Selector          selector.Config
	Replicas          []selector.ReplicaID
	TickInterval      time.Duration
	MaxBlocksPerFetch uint64
}

type Option func(*Fetcher)

func WithMetrics(m *Metrics) Option {
	return func(f *Fetcher) {
		f.metrics = m
	}
}

func WithSelectorOptions(opts ...selector.Option) Option {
	return func(f *Fetcher) {
		f.selOpts = append(f.selOpts, opts...)
	}
}

func WithClock(now func() time.Time) Option {
	return func(f *Fetcher) {
		f.now = now
	}
}

// WithResponder lets the fetcher answer FetchBlocks requests from peers
func WithResponder(r *Responder) Option {
	return func(f *Fetcher) {
		f.responder = r
	}
}

// WithOnComplete is called, under the fetcher lock, for each completed
// session
func WithOnComplete(fn func(provenance.Session)) Option {
	return func(f *Fetcher) {
		f.onComplete = fn
	}
}

type session struct {
	id      ulid.ULID
	started time.Time
	target  Range

	// next block to receive and the last block of the outstanding request
	next      uint64
	batchLast uint64
	seq       uint64

	// chunks received so far for block next
	chunks [][]byte

	span trace.Span
}

type inbound struct {
	from    selector.ReplicaID
	payload []byte
}

type outgoing struct {
	dest selector.ReplicaID
	data []byte
}

type Fetcher struct {
	cfg        Config
	self       selector.ReplicaID
	comm       transport.Communication
	validator  Validator
	sink       BlockSink
	store      provenance.Store
	log        *slog.Logger
	metrics    *Metrics
	now        func() time.Time
	responder  *Responder
	onComplete func(provenance.Session)
	selOpts    []selector.Option

	inbox chan inbound

	mu        sync.Mutex
	sel       *selector.Selector
	session   *session
	seq       uint64
	completed uint64
	waiters   map[ulid.ULID]chan provenance.Session

	// fetch requests queued under mu, sent by flush after unlocking
	outbox []outgoing
}

var _ transport.Receiver = (*Fetcher)(nil)

func New(cfg Config, self selector.ReplicaID, comm transport.Communication, validator Validator, sink BlockSink, store provenance.Store, log *slog.Logger, opts ...Option) (*Fetcher, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 100 * time.Millisecond
	}
	if cfg.MaxBlocksPerFetch == 0 {
		cfg.MaxBlocksPerFetch = 64
	}
	if store == nil {
		store = provenance.NewMemoryStore(0)
	}

	others := make([]selector.ReplicaID, 0, len(cfg.Replicas))
	for _, id := range cfg.Replicas {
		if id != self {
			others = append(others, id)
		}
	}
	if len(others) == 0 {
		return nil, ErrNoReplicas
	}
	cfg.Replicas = others

	f := &Fetcher{
		cfg:       cfg,
		self:      self,
		comm:      comm,
		validator: validator,
		sink:      sink,
		store:     store,
		log:       log.WithGroup("fetcher"),
		now:       time.Now,
		inbox:     make(chan inbound, inboxSize),
		waiters:   map[ulid.ULID]chan provenance.Session{},
	}
	for _, o := range opts {
		o(f)
	}

	sel, err := selector.New(others, cfg.Selector, log.WithGroup("selector"), f.selOpts...)
	if err != nil {
		return nil, err
	}
	f.sel = sel
	return f, nil
}

func milli(t time.Time) uint64 {
	return uint64(max(t.UnixMilli(), 0))
}

// StartSession begins fetching target. Seed sources (from checkpoint
// metadata) that are among the other replicas become the preferred
// replicas; without usable seeds every other replica is preferred.
func (f *Fetcher) StartSession(ctx context.Context, now time.Time, target Range, seeds []selector.ReplicaID) (ulid.ULID, error) {
	if target.Last < target.First {
		return ulid.ULID{}, fmt.Errorf("%w: %d..%d", ErrInvalidRange, target.First, target.Last)
	}

	defer f.flush(ctx)
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.session != nil {
		return ulid.ULID{}, ErrSessionActive
	}

	id, err := commonulid.MakeULID(now)
	if err != nil {
		return ulid.ULID{}, fmt.Errorf("session id: %w", err)
	}

	f.sel.Reset()
	seeded := 0
	for _, r := range seeds {
		if !f.sel.IsKnown(r) {
			f.log.WarnContext(ctx, "ignoring seed source outside the replica set", "replica", r)
			continue
		}
		f.sel.AddPreferredReplica(r)
		seeded++
	}
	if seeded == 0 {
		f.sel.SetAllReplicasAsPreferred()
	}

	_, span := tracing.Start(ctx, "statetransfer.session")
	span.SetAttributes(
		attribute.String("session", id.String()),
		attribute.Int64("first_block", int64(target.First)),
		attribute.Int64("last_block", int64(target.Last)),
	)

	f.session = &session{
		id:      *id,
		started: now,
		target:  target,
		next:    target.First,
		span:    span,
	}
	f.log.InfoContext(ctx, "state transfer started",
		"session", id.String(),
		"first", target.First,
		"last", target.Last,
		"preferred", f.sel.PreferredReplicasString())

	return *id, f.tick(ctx, now)
}

// Tick replaces the source or retransmits the outstanding request when
// the selector's timers call for it
func (f *Fetcher) Tick(ctx context.Context, now time.Time) error {
	defer f.flush(ctx)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.session == nil {
		return nil
	}
	return f.tick(ctx, now)
}

func (f *Fetcher) tick(ctx context.Context, now time.Time) error {
	nowMilli := milli(now)
	if reason := f.sel.ReplaceReason(nowMilli, false); reason.Replace() {
		return f.replaceSource(ctx, nowMilli, reason.String())
	}
	if f.sel.RetransmissionTimeoutExpired(nowMilli) {
		f.metrics.retransmission()
		f.log.DebugContext(ctx, "retransmitting fetch request", "replica", f.sel.CurrentReplica())
		return f.sendFetch(ctx, nowMilli, true)
	}
	return nil
}

func (f *Fetcher) replaceSource(ctx context.Context, nowMilli uint64, reason string) error {
	prev := f.sel.CurrentReplica()
	f.sel.UpdateSource(nowMilli)
	f.metrics.sourceChange(reason)
	f.log.InfoContext(ctx, "source replaced",
		"previous", prev,
		"current", f.sel.CurrentReplica(),
		"reason", reason)
	f.session.chunks = nil
	return f.sendFetch(ctx, nowMilli, false)
}

func (f *Fetcher) sendFetch(ctx context.Context, nowMilli uint64, retransmission bool) error {
	s := f.session
	if !retransmission {
		f.seq++
		s.seq = f.seq
		s.batchLast = min(s.next+f.cfg.MaxBlocksPerFetch-1, s.target.Last)
	}

	msg := stmsg.NewFetchBlocks(s.seq, s.next, s.batchLast)
	msg.LastKnownChunk = uint32(len(s.chunks))
	data, err := stmsg.Encode(msg)
	if err != nil {
		return err
	}

	f.sel.SetFetchingTimestamp(nowMilli, retransmission)
	f.outbox = append(f.outbox, outgoing{dest: f.sel.CurrentReplica(), data: data})
	return nil
}

// flush sends the queued fetch requests without holding the lock. Each
// send gets at most one retransmission timeout; a request that could not
// go out in time is retransmitted like a lost one.
func (f *Fetcher) flush(ctx context.Context) {
	f.mu.Lock()
	out := f.outbox
	f.outbox = nil
	f.mu.Unlock()

	for _, o := range out {
		sendCtx, cancel := context.WithTimeout(ctx, f.sendTimeout())
		err := f.comm.Send(sendCtx, o.dest, o.data)
		cancel()
		if err != nil {
			f.log.WarnContext(ctx, "could not send fetch request", "replica", o.dest, "err", err)
		}
	}
}

func (f *Fetcher) sendTimeout() time.Duration {
	if ms := f.cfg.Selector.RetransmissionTimeoutMilli; ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return f.cfg.TickInterval
}

// OnNewMessage queues an inbound message for Run
func (f *Fetcher) OnNewMessage(from selector.ReplicaID, payload []byte) {
	select {
	case f.inbox <- inbound{from: from, payload: payload}:
	default:
		f.log.Warn("inbox full, dropping message", "from", from)
	}
}

func (f *Fetcher) OnConnectionStatusChanged(id selector.ReplicaID, status transport.ConnectionStatus) {
	f.log.Debug("connection status", "replica", id, "status", status)
}

// HandleMessage processes one message from a peer. Replies from anyone
// but the current source are ignored.
func (f *Fetcher) HandleMessage(ctx context.Context, from selector.ReplicaID, payload []byte, now time.Time) error {
	msg, err := stmsg.Decode(payload)
	if err != nil {
		return fmt.Errorf("message from %s: %w", from, err)
	}

	if req, ok := msg.(*stmsg.FetchBlocks); ok {
		if f.responder == nil {
			return nil
		}
		return f.responder.Serve(ctx, from, req)
	}

	defer f.flush(ctx)
	f.mu.Lock()
	defer f.mu.Unlock()

	s := f.session
	if s == nil || from != f.sel.CurrentReplica() {
		f.log.DebugContext(ctx, "ignoring message", "from", from, "type", msg.Type())
		return nil
	}
	if msg.SeqNum() != s.seq {
		f.log.DebugContext(ctx, "ignoring stale reply", "from", from, "seq", msg.SeqNum(), "expected", s.seq)
		return nil
	}

	switch m := msg.(type) {
	case *stmsg.ItemData:
		return f.onItemData(ctx, now, m)
	case *stmsg.RejectFetching:
		f.log.InfoContext(ctx, "source rejected fetching", "replica", from, "reason", m.Reason)
		f.sel.RemoveCurrentReplica()
		return f.replaceSource(ctx, milli(now), reasonRejected)
	}
	return nil
}

func (f *Fetcher) onItemData(ctx context.Context, now time.Time, m *stmsg.ItemData) error {
	s := f.session
	nowMilli := milli(now)

	if m.BlockID != s.next || m.TotalChunks == 0 || m.ChunkNumber != uint32(len(s.chunks))+1 || m.ChunkNumber > m.TotalChunks {
		f.log.DebugContext(ctx, "ignoring out of order item",
			"block", m.BlockID, "chunk", m.ChunkNumber, "expected_block", s.next)
		return nil
	}

	s.chunks = append(s.chunks, m.Data)
	if !m.LastChunk() {
		f.sel.SetFetchingTimestamp(nowMilli, false)
		return nil
	}
	block := bytes.Join(s.chunks, nil)
	s.chunks = nil

	if !f.validator.Validate(m.BlockID, block) {
		f.metrics.invalidBlock()
		f.log.WarnContext(ctx, "invalid block from source", "replica", f.sel.CurrentReplica(), "block", m.BlockID)
		reason := f.sel.ReplaceReason(nowMilli, true)
		return f.replaceSource(ctx, nowMilli, reason.String())
	}

	f.sel.OnReceivedValidBlockFromSource()
	if err := f.sink.PutBlock(ctx, m.BlockID, block); err != nil {
		return fmt.Errorf("store block %d: %w", m.BlockID, err)
	}
	f.metrics.blockReceived()

	s.next++
	switch {
	case s.next > s.target.Last:
		return f.complete(ctx, now)
	case s.next > s.batchLast:
		return f.sendFetch(ctx, nowMilli, false)
	default:
		f.sel.SetFetchingTimestamp(nowMilli, false)
	}
	return nil
}

func (f *Fetcher) complete(ctx context.Context, now time.Time) error {
	s := f.session
	sess := provenance.Session{
		ID:         s.id,
		Started:    s.started,
		Completed:  now,
		FirstBlock: s.target.First,
		LastBlock:  s.target.Last,
		Sources:    f.sel.ActualSources(),
	}

	f.sel.Reset()
	f.session = nil
	f.completed++

	s.span.SetAttributes(attribute.String("sources", joinSources(sess.Sources)))
	s.span.End()
	f.metrics.sessionCompleted(sess.Duration().Seconds())

	f.log.InfoContext(ctx, "state transfer completed",
		"session", sess.ID.String(),
		"blocks", s.target.Len(),
		"duration", sess.Duration(),
		"sources", joinSources(sess.Sources))

	if ch, ok := f.waiters[sess.ID]; ok {
		ch <- sess
		close(ch)
		delete(f.waiters, sess.ID)
	}
	if f.onComplete != nil {
		f.onComplete(sess)
	}

	if err := f.store.Record(ctx, sess); err != nil {
		return fmt.Errorf("record session: %w", err)
	}
	return nil
}

func joinSources(ids []selector.ReplicaID) string {
	var b bytes.Buffer
	for i, id := range ids {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(id.String())
	}
	return b.String()
}

// Run processes ticks and inbound messages until ctx is done
func (f *Fetcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := f.Tick(ctx, f.now()); err != nil {
				f.log.ErrorContext(ctx, "tick", "err", err)
			}
		case in := <-f.inbox:
			if err := f.HandleMessage(ctx, in.from, in.payload, f.now()); err != nil {
				f.log.WarnContext(ctx, "handle message", "from", in.from, "err", err)
			}
		}
	}
}

// Sync runs one session for target and waits for it to complete. While
// another session is running it retries with exponential backoff.
func (f *Fetcher) Sync(ctx context.Context, target Range, seeds []selector.ReplicaID) (provenance.Session, error) {
	boff := backoff.NewExponentialBackOff()
	boff.InitialInterval = 100 * time.Millisecond
	boff.MaxInterval = 10 * time.Second

	var ch chan provenance.Session
	for {
		id, err := f.StartSession(ctx, f.now(), target, seeds)
		if err == nil {
			ch = f.wait(id)
			break
		}
		if !errors.Is(err, ErrSessionActive) {
			return provenance.Session{}, err
		}
		wait := boff.NextBackOff()
		if wait == backoff.Stop {
			wait = boff.MaxInterval
		}
		f.log.DebugContext(ctx, "session active, waiting", "wait", wait)
		select {
		case <-ctx.Done():
			return provenance.Session{}, ctx.Err()
		case <-time.After(wait):
		}
	}

	select {
	case <-ctx.Done():
		return provenance.Session{}, ctx.Err()
	case sess, ok := <-ch:
		if !ok {
			return provenance.Session{}, errors.New("fetcher: session abandoned")
		}
		return sess, nil
	}
}

// wait registers for completion of session id; a session that already
// completed is looked up in the store
func (f *Fetcher) wait(id ulid.ULID) chan provenance.Session {
	ch := make(chan provenance.Session, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.session != nil && f.session.id == id {
		f.waiters[id] = ch
		return ch
	}
	if sess, err := f.store.Get(context.Background(), id); err == nil {
		ch <- *sess
	}
	close(ch)
	return ch
}

// SessionStatus describes the running session
type SessionStatus struct {
	ID        ulid.ULID `json:"id"`
	Started   time.Time `json:"started"`
	Target    Range     `json:"target"`
	NextBlock uint64    `json:"next_block"`
}

type Snapshot struct {
	Self              selector.ReplicaID `json:"self"`
	Session           *SessionStatus     `json:"session,omitempty"`
	Selector          selector.Snapshot  `json:"selector"`
	SessionsCompleted uint64             `json:"sessions_completed"`
}

func (f *Fetcher) Snapshot() Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()

	snap := Snapshot{
		Self:              f.self,
		Selector:          f.sel.Snapshot(),
		SessionsCompleted: f.completed,
	}
	if s := f.session; s != nil {
		snap.Session = &SessionStatus{
			ID:        s.id,
			Started:   s.started,
			Target:    s.target,
			NextBlock: s.next,
		}
	}
	return snap
}

// Store returns the provenance store sessions are recorded in
func (f *Fetcher) Store() provenance.Store {
	return f.store
}

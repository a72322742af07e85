// Package selector implements source selection for block state transfer.
//
// A replica that has fallen behind the cluster fetches committed blocks from
// one peer at a time, the "source". The selector decides which peer that is
// and when it has to be replaced because it is slow, silent or serving bad
// data.
//
// # Selection
//
// Sources are drawn uniformly at random from the pool of preferred replicas.
// When a source is replaced it leaves the pool; once the pool is empty it is
// refilled from every other replica in the cluster, so each candidate gets a
// turn before any replica is picked again.
//
// # Replacement
//
// ShouldReplaceSource evaluates, in order:
//   - no source selected
//   - bad data reported for the current source
//   - too many retransmission timeouts against the current source
//   - the source replacement timeout has elapsed since selection
//
// Evaluating a retransmission timeout consumes it: the retransmission counter
// is incremented by ShouldReplaceSource itself, once per expired
// (re)transmission. Callers must not count timeouts separately.
//
// # Concurrency
//
// A Selector is not safe for concurrent use. It performs no I/O and never reads
// a clock; every timing decision is made against the "now" value passed in by
// the caller, in milliseconds.
//
// # Usage
//
//	sel, err := selector.New(replicas, selector.Config{
//	    RetransmissionTimeoutMilli:    2000,
//	    SourceReplacementTimeoutMilli: 15000,
//	    MaxFetchRetransmissions:       2,
//	}, log)
//	if err != nil {
//	    return err
//	}
//	if sel.ShouldReplaceSource(now, false) {
//	    sel.UpdateSource(now)
//	}
package selector

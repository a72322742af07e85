package selector

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ReplicaID identifies a member of the cluster
type ReplicaID uint16

// NoReplica is the sentinel for "no replica selected"
const NoReplica ReplicaID = math.MaxUint16

func (id ReplicaID) String() string {
	if id == NoReplica {
		return "none"
	}
	return strconv.FormatUint(uint64(id), 10)
}

// Config holds the timing and retry limits of a Selector. All values are
// fixed for the lifetime of the selector.
type Config struct {
	// RetransmissionTimeoutMilli is how long to wait for a reply to a fetch
	// request before it counts as a retransmission timeout.
	RetransmissionTimeoutMilli uint64

	// SourceReplacementTimeoutMilli forces rotation away from a source after
	// it has been used this long. Zero disables forced rotation.
	SourceReplacementTimeoutMilli uint64

	// MaxFetchRetransmissions is the number of retransmission timeouts
	// tolerated from one source before it is replaced.
	MaxFetchRetransmissions uint32
}

// RandomSource is the random number generator used for tie-breaking between
// preferred replicas. *math/rand/v2.Rand satisfies it.
type RandomSource interface {
	Uint64() uint64
}

// PreconditionError is the panic value used when a caller violates a
// precondition of the selector. It signals a bug in the caller, so it is
// never returned as an error.
type PreconditionError struct {
	Op  string
	Msg string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("selector: %s: %s", e.Op, e.Msg)
}

func precondition(op, msg string) {
	panic(&PreconditionError{Op: op, Msg: msg})
}

// joinReplicas renders ids as "1, 2, 4"
func joinReplicas(ids []ReplicaID) string {
	var sb strings.Builder
	for i, id := range ids {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(strconv.FormatUint(uint64(id), 10))
	}
	return sb.String()
}

package selector

//go:generate go tool github.com/dmarkham/enumer -type=ReplacementReason -trimprefix=Reason -transform=snake

// ReplacementReason explains why ReplaceReason asked for a new source
type ReplacementReason uint8

const (
	ReasonNone                 ReplacementReason = iota // Keep the current source
	ReasonNoSource                                      // No source is selected
	ReasonBadData                                       // Current source sent invalid data
	ReasonRetransmissions                               // Too many retransmission timeouts
	ReasonReplacementTimeout                            // Source has been used for too long
)

// Replace reports whether the reason calls for a new source
func (r ReplacementReason) Replace() bool {
	return r != ReasonNone
}

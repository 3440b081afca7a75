package protocol

// Pole marks which side of a channel a DataChannel plays: the side that
// dialed out (Positive) or the side that accepted the connection (Negative).
// Framing code uses it to break symmetry when two peers would otherwise
// pick the same stream id.
type Pole byte

const (
	PositivePole Pole = iota
	NegativePole
)

func (p Pole) String() string {
	switch p {
	case PositivePole:
		return "positive"
	case NegativePole:
		return "negative"
	default:
		return "unknown"
	}
}

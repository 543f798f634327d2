package verifier

// step classifies an incoming segment ID against the number of segments
// accepted so far.
type step int

const (
	stepNext      step = iota // count+1
	stepGap                   // count+2: one segment lost in transit
	stepDuplicate             // count: retransmission of the last accepted
	stepReplay                // below count
	stepBreak                 // beyond count+2
)

func (s step) String() string {
	switch s {
	case stepNext:
		return "next"
	case stepGap:
		return "gap"
	case stepDuplicate:
		return "duplicate"
	case stepReplay:
		return "replay"
	}
	return "break"
}

func classify(count, id uint64) step {
	switch {
	case id == count+1:
		return stepNext
	case id == count+2:
		return stepGap
	case id == count:
		return stepDuplicate
	case id < count:
		return stepReplay
	}
	return stepBreak
}

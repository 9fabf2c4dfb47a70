package confirmation

// Classification is the finality verdict for a matched event.
type Classification string

const (
	Provisional Classification = "Pending"
	Final       Classification = "Final"
)

// Depth is the number of blocks mined on top of eventBlock. A head behind the
// event block (a lagging provider node) counts as zero depth.
func Depth(eventBlock, head uint64) uint64 {
	if head < eventBlock {
		return 0
	}
	return head - eventBlock
}

// Classify treats an event as final once its depth reaches threshold. It does
// not check that eventBlock is still canonical.
func Classify(eventBlock, head, threshold uint64) Classification {
	if head >= eventBlock && Depth(eventBlock, head) >= threshold {
		return Final
	}
	return Provisional
}

// Tracker carries the configured confirmation threshold.
type Tracker struct {
	Threshold uint64
}

func (t Tracker) Classify(eventBlock, head uint64) Classification {
	return Classify(eventBlock, head, t.Threshold)
}

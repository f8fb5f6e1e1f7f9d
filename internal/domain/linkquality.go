package domain

// Link quality is an integer in [0..10] derived from observed hop counts and
// routing feedback. It starts from the hop distance and drifts with traffic.

const (
	LinkQualityMin = 0
	LinkQualityMax = 10
)

// InitialLinkQuality seeds the estimate from the first observed hop count:
// 8 - hops, clamped to [1..7].
func InitialLinkQuality(hops int) int {
	q := 8 - hops
	if q < 1 {
		q = 1
	}
	if q > 7 {
		q = 7
	}

	return q
}

// LinkQualityDelta maps an observed hop-count change against the previous
// observation for the same node. Stable or improved routing earns credit, a
// single extra hop is noise, two or more is a degradation.
func LinkQualityDelta(previousHops, currentHops int) int {
	switch {
	case currentHops <= previousHops:
		return 1
	case currentHops == previousHops+1:
		return 0
	default:
		return -1
	}
}

const (
	// LinkQualityTracerouteTimeoutPenalty applies when a traceroute request
	// gets no response within the sweep window.
	LinkQualityTracerouteTimeoutPenalty = -2
	// LinkQualityPKIErrorPenalty applies on a PKI routing failure from the
	// local radio against that node.
	LinkQualityPKIErrorPenalty = -5
)

// ClampLinkQuality bounds a quality value to [0..10].
func ClampLinkQuality(q int) int {
	if q < LinkQualityMin {
		return LinkQualityMin
	}
	if q > LinkQualityMax {
		return LinkQualityMax
	}

	return q
}

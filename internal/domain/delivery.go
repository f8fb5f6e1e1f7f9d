package domain

// DeliveryState tracks an outgoing message through the mesh.
type DeliveryState int

const (
	DeliveryPending DeliveryState = iota + 1
	// DeliveryDelivered means our own radio acknowledged the transmit: the
	// message made it onto the mesh, but not necessarily to the recipient.
	DeliveryDelivered
	// DeliveryConfirmed means the intended DM recipient acknowledged receipt.
	DeliveryConfirmed
	DeliveryFailed
)

func (s DeliveryState) String() string {
	switch s {
	case DeliveryPending:
		return "pending"
	case DeliveryDelivered:
		return "delivered"
	case DeliveryConfirmed:
		return "confirmed"
	case DeliveryFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ShouldTransitionDelivery implements the monotonic delivery lattice:
// pending → delivered → confirmed, pending/delivered → failed,
// never backwards.
func ShouldTransitionDelivery(current, next DeliveryState) bool {
	if current == next {
		return false
	}
	switch current {
	case DeliveryPending:
		return next == DeliveryDelivered || next == DeliveryConfirmed || next == DeliveryFailed
	case DeliveryDelivered:
		return next == DeliveryConfirmed || next == DeliveryFailed
	default:
		return false
	}
}

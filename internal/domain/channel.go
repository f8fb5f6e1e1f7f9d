package domain

// ChannelRole mirrors the radio's channel role enum.
type ChannelRole int

const (
	ChannelRoleDisabled ChannelRole = iota
	ChannelRolePrimary
	ChannelRoleSecondary
)

func (r ChannelRole) String() string {
	switch r {
	case ChannelRolePrimary:
		return "primary"
	case ChannelRoleSecondary:
		return "secondary"
	default:
		return "disabled"
	}
}

// Channel is one of the radio's eight channel slots.
type Channel struct {
	RowID             int64
	Index             int
	Name              string
	Role              ChannelRole
	PSK               []byte
	UplinkEnabled     bool
	DownlinkEnabled   bool
	PositionPrecision uint32
}

// RepairChannelRole enforces the slot invariants: index 0 is always PRIMARY,
// and no other slot may claim PRIMARY.
func RepairChannelRole(index int, role ChannelRole) ChannelRole {
	if index == 0 {
		if role == ChannelRoleDisabled || role == ChannelRoleSecondary {
			return ChannelRolePrimary
		}

		return role
	}
	if role == ChannelRolePrimary {
		return ChannelRoleSecondary
	}

	return role
}

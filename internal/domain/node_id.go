package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// FormatNodeNum renders a node number in canonical "!xxxxxxxx" form.
func FormatNodeNum(num uint32) string {
	return fmt.Sprintf("!%08x", num)
}

// ParseNodeID parses a canonical "!xxxxxxxx" node id back into a node number.
func ParseNodeID(id string) (uint32, error) {
	id = strings.TrimSpace(id)
	if len(id) != 9 || id[0] != '!' {
		return 0, fmt.Errorf("invalid node id: %q", id)
	}
	v, err := strconv.ParseUint(id[1:], 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid node id %q: %w", id, err)
	}

	return uint32(v), nil
}

// PlaceholderLongName is the name a node gets on first observation before any
// NodeInfo arrives. It must never overwrite a real name going the other way.
func PlaceholderLongName(num uint32) string {
	return "Meshtastic " + shortSuffix(num)
}

// PlaceholderShortName derives the default 4-hex-digit short name.
func PlaceholderShortName(num uint32) string {
	return shortSuffix(num)
}

func shortSuffix(num uint32) string {
	return fmt.Sprintf("%04x", num&0xffff)
}

// reserved node numbers never belong to a real device and are filtered out of
// traceroute paths.
func IsReservedNodeNum(num uint32) bool {
	switch num {
	case 0, 1, 2, 3, 255, 65535, BroadcastNodeNum:
		return true
	default:
		return false
	}
}

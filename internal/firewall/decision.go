package firewall

import (
	"strconv"
	"strings"

	"grimm.is/appwall/internal/errors"
)

// FilterMode selects which traffic the advisory classifier evaluates.
type FilterMode int

const (
	FilterAll FilterMode = iota
	FilterTCPOnly
	FilterUDPOnly
	AllowAll
	BlockAll
)

func (m FilterMode) String() string {
	switch m {
	case FilterAll:
		return "filter_all"
	case FilterTCPOnly:
		return "filter_tcp"
	case FilterUDPOnly:
		return "filter_udp"
	case AllowAll:
		return "allow_all"
	case BlockAll:
		return "block_all"
	}
	return "FilterMode(" + strconv.Itoa(int(m)) + ")"
}

// ParseFilterMode parses the names produced by String.
func ParseFilterMode(s string) (FilterMode, error) {
	switch strings.ToLower(s) {
	case "filter_all", "":
		return FilterAll, nil
	case "filter_tcp", "filter_tcp_only":
		return FilterTCPOnly, nil
	case "filter_udp", "filter_udp_only":
		return FilterUDPOnly, nil
	case "allow_all":
		return AllowAll, nil
	case "block_all":
		return BlockAll, nil
	}
	return 0, errors.Errorf(errors.KindValidation, "unknown filter mode %q", s)
}

// Accepts decides in-process whether a connection matched by policy would
// pass under mode. It is advisory: enforcement happens in the kernel, and
// interactive connections are decided by the queue consumer.
func Accepts(mode FilterMode, policy RulePolicy, proto Protocol) bool {
	switch mode {
	case AllowAll:
		return true
	case BlockAll:
		return false
	case FilterTCPOnly:
		if proto != ProtocolTCP {
			return true
		}
	case FilterUDPOnly:
		if proto != ProtocolUDP {
			return true
		}
	}
	return policyAccepts(policy)
}

// policyAccepts is the filtered-connection verdict. Interactive
// connections pass here because their verdict is not known in-process.
func policyAccepts(policy RulePolicy) bool {
	return policy != PolicyBlock
}

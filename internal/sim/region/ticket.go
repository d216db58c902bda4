package region

import "github.com/CSneko/nya-folia-sub021/internal/sim/section"

type TicketKind uint8

const (
	TicketPlayer TicketKind = iota + 1
	TicketForced
	TicketOperation
)

func (k TicketKind) String() string {
	switch k {
	case TicketPlayer:
		return "PLAYER"
	case TicketForced:
		return "FORCED"
	case TicketOperation:
		return "OPERATION"
	default:
		return "UNKNOWN"
	}
}

func (k TicketKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func ParseTicketKind(s string) (TicketKind, bool) {
	switch s {
	case "PLAYER", "player":
		return TicketPlayer, true
	case "FORCED", "forced":
		return TicketForced, true
	case "OPERATION", "operation":
		return TicketOperation, true
	}
	return 0, false
}

// Ticket keeps every section within Radius (Chebyshev, in sections) of Pos
// alive. Anchor identifies the ticket; re-adding an anchor moves it.
type Ticket struct {
	Anchor string      `json:"anchor"`
	Pos    section.Pos `json:"pos"`
	Radius int         `json:"radius"`
	Kind   TicketKind  `json:"kind"`
}

type ticketState struct {
	t      Ticket
	claims section.Rect
}

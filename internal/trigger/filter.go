package trigger

import "github.com/pulsekit/engage-go/internal/vars"

// KindMask selects which definition kinds an evaluation may fire.
type KindMask uint8

const (
	KindMessages KindMask = 1 << iota
	KindActions

	KindAll = KindMessages | KindActions
)

// Has reports whether the mask admits a definition kind.
func (m KindMask) Has(kind vars.MessageKind) bool {
	switch kind {
	case vars.KindAction:
		return m&KindActions != 0
	default:
		return m&KindMessages != 0
	}
}

// Filter configures one evaluation: which kinds are eligible and whether
// every candidate fires or only the single priority winner. A capability
// set on the evaluation, not a different algorithm.
type Filter struct {
	Kinds   KindMask
	FireAll bool
}

// The standard filters. Default fires exactly one winning message per call.
var (
	FilterDefault      = Filter{Kinds: KindAll}
	FilterAll          = Filter{Kinds: KindAll, FireAll: true}
	FilterMessagesOnly = Filter{Kinds: KindMessages}
	FilterActionsOnly  = Filter{Kinds: KindActions}
)

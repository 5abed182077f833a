package mutator

import (
	"fmt"

	"github.com/sessfuzz/sessfuzz/internal/config"
)

// Strategy is one way of deriving a child session from a parent.
type Strategy int

const (
	// StrategyMessageMutation mutates the payload of one message in place.
	StrategyMessageMutation Strategy = iota
	// StrategyInsertion inserts a dictionary or duplicated message.
	StrategyInsertion
	// StrategyDeletion removes one message.
	StrategyDeletion
	// StrategySplice substitutes a run of messages taken from a donor.
	StrategySplice
	// StrategyReorder swaps two messages sent from the same state.
	StrategyReorder
	// StrategyDuplicate copies one message to another position. It is only
	// used when no weighted strategy applies.
	StrategyDuplicate
)

// Strategies lists every strategy in dispatch order.
var Strategies = []Strategy{
	StrategyMessageMutation,
	StrategyInsertion,
	StrategyDeletion,
	StrategySplice,
	StrategyReorder,
	StrategyDuplicate,
}

func (s Strategy) String() string {
	switch s {
	case StrategyMessageMutation:
		return config.StrategyMessage
	case StrategyInsertion:
		return config.StrategyInsertion
	case StrategyDeletion:
		return config.StrategyDeletion
	case StrategySplice:
		return config.StrategySplice
	case StrategyReorder:
		return config.StrategyReorder
	case StrategyDuplicate:
		return "duplicate"
	default:
		return fmt.Sprintf("Strategy(%d)", int(s))
	}
}

// ParseStrategy returns the strategy with the given configuration name.
func ParseStrategy(name string) (Strategy, error) {
	for _, s := range Strategies {
		if s.String() == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown mutation strategy %q", name)
}

package conflict

import (
	"fmt"

	"github.com/calsync/backend/internal/storage/models"
)

// Side identifies one half of a conflict.
type Side int

// Sides of a conflict.
const (
	SideNone Side = iota
	SideInternal
	SideExternal
)

func (s Side) String() string {
	switch s {
	case SideInternal:
		return "internal"
	case SideExternal:
		return "external"
	default:
		return "none"
	}
}

// Strategy decides which version of a conflicted event wins. SideNone
// means the conflict needs a human decision.
type Strategy interface {
	Name() models.Strategy
	Decide(internal, external models.Snapshot) Side
}

type lastModifiedWins struct{}

func (lastModifiedWins) Name() models.Strategy { return models.StrategyLastModifiedWins }

// Decide picks the later modification. Equal timestamps go to the internal side.
func (lastModifiedWins) Decide(internal, external models.Snapshot) Side {
	if external.ModifiedAt.After(internal.ModifiedAt) {
		return SideExternal
	}
	return SideInternal
}

type fixedSide struct {
	name models.Strategy
	side Side
}

func (f fixedSide) Name() models.Strategy { return f.name }

func (f fixedSide) Decide(_, _ models.Snapshot) Side { return f.side }

var strategies = map[models.Strategy]Strategy{
	models.StrategyLastModifiedWins: lastModifiedWins{},
	models.StrategyInternalWins:     fixedSide{name: models.StrategyInternalWins, side: SideInternal},
	models.StrategyExternalWins:     fixedSide{name: models.StrategyExternalWins, side: SideExternal},
	models.StrategyManual:           fixedSide{name: models.StrategyManual, side: SideNone},
}

// StrategyFor returns the strategy with the given name. Empty selects
// last_modified_wins.
func StrategyFor(name models.Strategy) (Strategy, error) {
	if name == "" {
		name = models.StrategyLastModifiedWins
	}
	s, ok := strategies[name]
	if !ok {
		return nil, fmt.Errorf("unknown conflict strategy %q", name)
	}
	return s, nil
}

package domain

import (
	"fmt"
	"strings"
)

// Level is notification urgency.
// Params: constants urgent/normal/low.
// Returns: ordered urgency used for group priority and destination selection.
type Level string

const (
	// LevelUrgent is highest urgency.
	LevelUrgent Level = "urgent"
	// LevelNormal is default urgency.
	LevelNormal Level = "normal"
	// LevelLow is lowest urgency.
	LevelLow Level = "low"
)

// Levels lists supported levels from highest to lowest priority.
var Levels = []Level{LevelUrgent, LevelNormal, LevelLow}

// ParseLevel converts config value into level.
// Params: case-insensitive level name; empty means normal.
// Returns: normalized level or error for unknown values.
func ParseLevel(raw string) (Level, error) {
	switch Level(strings.ToLower(strings.TrimSpace(raw))) {
	case "", LevelNormal:
		return LevelNormal, nil
	case LevelUrgent:
		return LevelUrgent, nil
	case LevelLow:
		return LevelLow, nil
	default:
		return "", fmt.Errorf("unsupported level %q", raw)
	}
}

// Priority returns numeric ordering where higher is more urgent.
// Params: none.
// Returns: 3 for urgent, 2 for normal, 1 for low, 0 otherwise.
func (l Level) Priority() int {
	switch l {
	case LevelUrgent:
		return 3
	case LevelNormal:
		return 2
	case LevelLow:
		return 1
	default:
		return 0
	}
}

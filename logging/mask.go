// Package logging gates slog output with per-api log masks.
//
// Levels follow syslog numbering: bit i of a mask enables level i.
package logging

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
)

// Level is a syslog-style level, 0 (emergency) to 7 (debug).
type Level uint8

const (
	LevelEmergency Level = iota
	LevelAlert
	LevelCritical
	LevelError
	LevelWarning
	LevelNotice
	LevelInfo
	LevelDebug
)

// Extra slog levels for the syslog levels slog lacks.
const (
	SlogNotice    = slog.Level(2)
	SlogCritical  = slog.Level(12)
	SlogAlert     = slog.Level(16)
	SlogEmergency = slog.Level(20)
)

var levelNames = [...]string{"emergency", "alert", "critical", "error", "warning", "notice", "info", "debug"}

func (l Level) String() string {
	if int(l) < len(levelNames) {
		return levelNames[l]
	}
	return "level(" + strconv.Itoa(int(l)) + ")"
}

// ParseLevel accepts a level name or its number.
func ParseLevel(s string) (Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, n := range levelNames {
		if s == n {
			return Level(i), nil
		}
	}
	switch s {
	case "warn":
		return LevelWarning, nil
	case "crit":
		return LevelCritical, nil
	case "emerg":
		return LevelEmergency, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || n > int(LevelDebug) {
		return 0, fmt.Errorf("logging: unknown level %q", s)
	}
	return Level(n), nil
}

// FromSlog maps a slog level to the closest syslog level.
func FromSlog(l slog.Level) Level {
	switch {
	case l >= SlogEmergency:
		return LevelEmergency
	case l >= SlogAlert:
		return LevelAlert
	case l >= SlogCritical:
		return LevelCritical
	case l >= slog.LevelError:
		return LevelError
	case l >= slog.LevelWarn:
		return LevelWarning
	case l >= SlogNotice:
		return LevelNotice
	case l >= slog.LevelInfo:
		return LevelInfo
	default:
		return LevelDebug
	}
}

// UpTo returns the mask enabling every level up to and including l.
func UpTo(l Level) uint32 {
	return uint32(1)<<(uint(l)+1) - 1
}

// DefaultMask enables emergency through notice.
var DefaultMask = UpTo(LevelNotice)

// Mask is an atomically updated log mask.
type Mask struct{ v atomic.Uint32 }

// NewMask returns a mask holding bits.
func NewMask(bits uint32) *Mask {
	m := &Mask{}
	m.v.Store(bits)
	return m
}

func (m *Mask) Load() uint32 { return m.v.Load() }

func (m *Mask) Store(bits uint32) { m.v.Store(bits) }

// Enabled reports whether level l passes the mask.
func (m *Mask) Enabled(l Level) bool {
	return m.v.Load()&(1<<uint(l)) != 0
}

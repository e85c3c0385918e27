package router

import (
	"context"
	"time"
)

// managerHandle tracks the single long-lived Manager session. It is created
// at startup (fresh or resumed) and lives until shutdown.
type managerHandle struct {
	externalID   string
	lastActivity time.Time
	contextPct   int // -1 until first successful probe
	toolCalls    int
}

// workerHandle tracks the at-most-one delegated Worker session. Ordinals
// increase monotonically across the process lifetime and are never reused.
type workerHandle struct {
	ordinal      int
	label        string
	externalID   string
	ctx          context.Context
	cancel       context.CancelFunc
	lastActivity time.Time
	contextPct   int // -1 until first successful probe
	toolCalls    int
	queue        []string
}

var romanNumerals = []struct {
	value  int
	symbol string
}{
	{1000, "M"}, {900, "CM"}, {500, "D"}, {400, "CD"},
	{100, "C"}, {90, "XC"}, {50, "L"}, {40, "XL"},
	{10, "X"}, {9, "IX"}, {5, "V"}, {4, "IV"}, {1, "I"},
}

// romanLabel renders a Worker ordinal as its human-facing label (I, II, III).
func romanLabel(n int) string {
	if n <= 0 {
		return "?"
	}
	var out []byte
	for _, r := range romanNumerals {
		for n >= r.value {
			out = append(out, r.symbol...)
			n -= r.value
		}
	}
	return string(out)
}

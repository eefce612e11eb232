// Package clientid generates and parses client order ids that deterministically
// encode an intended order's (side, level_index, leg) key together with a
// session-unique salt, so the id is stable across restarts within a session
// and never collides across sessions.
package clientid

import (
	"fmt"
	"strconv"
	"strings"

	"gridengine/internal/core"
)

const (
	sideCodeBuy  = "B"
	sideCodeSell = "S"
	legCodeLong  = "L"
	legCodeShort = "X"
)

// Generate builds a compact client order id of the form
// {salt}_{side}_{leg}_{level_index}. The salt is a session-scoped string
// (the reconciler is handed the full session id) so ids minted in
// different sessions never collide even if the grid geometry repeats.
func Generate(salt string, key core.IntendedOrderKey) string {
	return fmt.Sprintf("%s_%s_%s_%d", salt, sideCode(key.Side), legCode(key.Leg), key.LevelIndex)
}

// Parse reverses Generate, recovering the intended-order key and the salt it
// was minted under. It returns ok=false for any id not produced by Generate,
// including ids a venue has prefixed with its own broker tag.
func Parse(clientOID string) (salt string, key core.IntendedOrderKey, ok bool) {
	parts := strings.Split(clientOID, "_")
	if len(parts) != 4 {
		return "", core.IntendedOrderKey{}, false
	}
	side, ok := sideFromCode(parts[1])
	if !ok {
		return "", core.IntendedOrderKey{}, false
	}
	leg, ok := legFromCode(parts[2])
	if !ok {
		return "", core.IntendedOrderKey{}, false
	}
	levelIndex, err := strconv.Atoi(parts[3])
	if err != nil {
		return "", core.IntendedOrderKey{}, false
	}
	return parts[0], core.IntendedOrderKey{Side: side, LevelIndex: levelIndex, Leg: leg}, true
}

func sideCode(s core.Side) string {
	if s == core.SideSell {
		return sideCodeSell
	}
	return sideCodeBuy
}

func sideFromCode(c string) (core.Side, bool) {
	switch c {
	case sideCodeBuy:
		return core.SideBuy, true
	case sideCodeSell:
		return core.SideSell, true
	default:
		return "", false
	}
}

func legCode(l core.Leg) string {
	if l == core.LegShortOpen {
		return legCodeShort
	}
	return legCodeLong
}

func legFromCode(c string) (core.Leg, bool) {
	switch c {
	case legCodeLong:
		return core.LegLong, true
	case legCodeShort:
		return core.LegShortOpen, true
	default:
		return "", false
	}
}

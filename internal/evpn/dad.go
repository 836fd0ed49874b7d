package evpn

import "time"

// -------------------------------------------------------------------------
// Duplicate Address Detection
// -------------------------------------------------------------------------

// RecordMove appends a move at now to the history, discards moves older
// than cfg.Window and reports whether the remaining count exceeds
// cfg.MaxMoves. The returned slice may share storage with moves.
//
// Only local timestamps are used; no coordination with other VTEPs is
// needed.
func RecordMove(moves []time.Time, now time.Time, cfg DADConfig) ([]time.Time, bool) {
	moves = append(moves, now)
	moves = PruneMoves(moves, now, cfg.Window)
	return moves, len(moves) > cfg.MaxMoves
}

// PruneMoves drops moves that fall outside the window ending at now.
// Moves exactly window old are kept.
func PruneMoves(moves []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	i := 0
	for i < len(moves) && moves[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return moves
	}
	return append(moves[:0], moves[i:]...)
}

package shipping

import "shipflow/internal/model"

// MaxHistory bounds an order's tracking_history.
const MaxHistory = 50

// AppendHistory returns a new slice with e appended, dropping the oldest entries
// beyond MaxHistory. The input slice is never modified.
func AppendHistory(history []model.HistoryEntry, e model.HistoryEntry) []model.HistoryEntry {
	start := 0
	if n := len(history) + 1; n > MaxHistory {
		start = n - MaxHistory
	}
	out := make([]model.HistoryEntry, 0, len(history)-start+1)
	out = append(out, history[start:]...)
	return append(out, e)
}

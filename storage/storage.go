// Package storage defines the history retention contract shared by every
// backend: at most HistoryCap messages per room, and the whole room log
// expires HistoryTTL after the last append.
package storage

import "time"

const (
	HistoryCap = 100
	HistoryTTL = 24 * time.Hour
)

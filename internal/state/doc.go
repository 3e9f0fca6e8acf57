// Package state provides the filesystem and SQLite backed stores.
package state

import "github.com/user/pagewright/internal/types"

// Compile-time interface compliance checks.
var _ types.ComponentStore = (*ComponentStore)(nil)
var _ types.HistoryStore = (*JSONLHistory)(nil)
var _ types.HistoryStore = (*SQLiteHistory)(nil)

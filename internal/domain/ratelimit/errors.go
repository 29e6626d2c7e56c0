package ratelimit

import "errors"

// ErrStore wraps any failure reported by a Store.
var ErrStore = errors.New("rate store failed")

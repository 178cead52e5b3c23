// Package filter holds the per-destination delivery decision.
package filter

import (
	"github.com/tanoasia/feedrelay/internal/content"
	"github.com/tanoasia/feedrelay/internal/store"
)

// ShouldDeliver decides whether a classified content item goes to a
// destination. Pure: same inputs always give the same answer.
//
//	plain original post            -> always deliver
//	self-repost                    -> only if the destination allows them
//	quote / repost of someone else -> only if the destination allows them
func ShouldDeliver(class content.Classification, cfg store.DestinationConfig) bool {
	if class.IsSelfRepost {
		return cfg.AllowSelfReposts
	}
	if class.IsQuote {
		return cfg.AllowReposts
	}
	return true
}

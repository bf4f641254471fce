// Package reconcile keeps the local conversation cache consistent with the
// remote conversation feed while preserving the fields only this device owns.
package reconcile

import "github.com/minisocial/chatsync/internal/store"

// Merge combines a parsed remote conversation with the locally-owned fields
// of its cached counterpart. The remote document is authoritative for shared
// state; unread count, pin and mute never leave this device and survive every
// remote update.
func Merge(remote *store.Conversation, local store.LocalFields) *store.Conversation {
	merged := *remote
	if local.Known {
		merged.UnreadCount = local.UnreadCount
		merged.Pinned = local.Pinned
		merged.Muted = local.Muted
	} else {
		merged.UnreadCount = 0
		merged.Pinned = false
		merged.Muted = false
	}
	return &merged
}

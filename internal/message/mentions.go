package message

import (
	"context"

	"github.com/oxidesk/oxidesk/internal/store"
)

// StoreMentionResolver is the production MentionResolver: it treats the
// local part of an agent's login email as their @mention username, since
// the schema has no separate username column (spec §4.6 egress).
type StoreMentionResolver struct {
	store *store.Postgres
}

func NewStoreMentionResolver(st *store.Postgres) *StoreMentionResolver {
	return &StoreMentionResolver{store: st}
}

func (r *StoreMentionResolver) ResolveMentions(ctx context.Context, usernames []string) (map[string]string, error) {
	return r.store.ResolveAgentsByUsername(ctx, usernames)
}

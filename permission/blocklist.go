package permission

import (
	"context"
	"fmt"

	"github.com/rbaliyan/bookmail"
	"github.com/redis/go-redis/v9"
)

var _ bookmail.PermissionChecker = (*Blocklist)(nil)

// DefaultBlocklistPrefix is the key prefix of blocklist sets.
const DefaultBlocklistPrefix = "bookmail:blocked"

// BlocklistOption configures a Blocklist.
type BlocklistOption func(*Blocklist)

// WithKeyPrefix sets the key prefix of the per-recipient sets.
func WithKeyPrefix(prefix string) BlocklistOption {
	return func(b *Blocklist) {
		if prefix != "" {
			b.prefix = prefix
		}
	}
}

// Blocklist rejects sends from senders a recipient has blocked.
// Each recipient's blocked senders are a Redis set, so every service
// instance sharing the Redis deployment sees the same list.
type Blocklist struct {
	client redis.UniversalClient
	prefix string
}

// NewBlocklist creates a Blocklist backed by client.
// Compatible with *redis.Client, *redis.ClusterClient, and redis.UniversalClient.
func NewBlocklist(client redis.UniversalClient, opts ...BlocklistOption) *Blocklist {
	b := &Blocklist{client: client, prefix: DefaultBlocklistPrefix}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Blocklist) key(recipientID string) string {
	return b.prefix + ":" + recipientID
}

// CanSend permits the send unless the recipient blocked the sender.
func (b *Blocklist) CanSend(ctx context.Context, senderID, recipientID string) (bool, error) {
	blocked, err := b.client.SIsMember(ctx, b.key(recipientID), senderID).Result()
	if err != nil {
		return false, fmt.Errorf("blocklist lookup: %w", err)
	}
	return !blocked, nil
}

// Block stops senderID from messaging recipientID.
func (b *Blocklist) Block(ctx context.Context, recipientID, senderID string) error {
	if err := b.client.SAdd(ctx, b.key(recipientID), senderID).Err(); err != nil {
		return fmt.Errorf("block sender: %w", err)
	}
	return nil
}

// Unblock lets senderID message recipientID again.
func (b *Blocklist) Unblock(ctx context.Context, recipientID, senderID string) error {
	if err := b.client.SRem(ctx, b.key(recipientID), senderID).Err(); err != nil {
		return fmt.Errorf("unblock sender: %w", err)
	}
	return nil
}

// Blocked lists the senders recipientID has blocked.
func (b *Blocklist) Blocked(ctx context.Context, recipientID string) ([]string, error) {
	members, err := b.client.SMembers(ctx, b.key(recipientID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list blocked: %w", err)
	}
	return members, nil
}

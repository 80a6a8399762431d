package state

import "context"

// Store is the bot's small durable KV surface. It backs the persisted runtime
// overrides, the exchange nonce, the operator's Telegram offset, and the
// operator audit trail. Get reports presence separately from errors so a
// missing key is not an error.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Close() error
}

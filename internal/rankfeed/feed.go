// Package rankfeed maintains the live leaderboard: a rank-ordered view
// over accounts by lifetime-paid total, recomputed whenever the ledger
// reports an account change and pushed to subscribers as full
// snapshots.
package rankfeed

import (
	"context"
	"sync"

	"github.com/meiyolab/honorledger/pkg/ledger"
	"go.uber.org/zap"
)

// DefaultSize is how many accounts a snapshot carries.
const DefaultSize = 100

// RankedAccount is one leaderboard row.
type RankedAccount struct {
	Rank        int    `json:"rank"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	AvatarRef   string `json:"avatarRef"`
	TotalPaid   int64  `json:"totalPaid"`
}

// Feed derives the leaderboard from the store. It implements
// ledger.ChangePublisher; the ledger service calls it after every
// committed mutation and the feed recomputes asynchronously. The feed
// never mutates ledger state.
type Feed struct {
	store  ledger.Store
	size   int
	logger *zap.Logger

	mu          sync.RWMutex
	snapshot    []RankedAccount
	lastErr     error
	subscribers map[chan []RankedAccount]struct{}

	dirty chan struct{}
}

// New wires a Feed over the store.
func New(store ledger.Store, size int, logger *zap.Logger) *Feed {
	if size <= 0 {
		size = DefaultSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Feed{
		store:       store,
		size:        size,
		logger:      logger,
		subscribers: make(map[chan []RankedAccount]struct{}),
		dirty:       make(chan struct{}, 1),
	}
}

// PublishAccountChange signals that an account mutated. Coalescing via
// the buffered channel keeps bursts cheap: many changes between two
// recomputes collapse into one.
func (feed *Feed) PublishAccountChange(ledger.AccountChange) {
	select {
	case feed.dirty <- struct{}{}:
	default:
	}
}

// Run recomputes the snapshot on startup and after every change signal
// until the context is canceled.
func (feed *Feed) Run(ctx context.Context) error {
	if err := feed.Refresh(ctx); err != nil {
		feed.logger.Warn("initial ranking refresh failed", zap.Error(err))
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-feed.dirty:
			if err := feed.Refresh(ctx); err != nil {
				feed.logger.Warn("ranking refresh failed", zap.Error(err))
			}
		}
	}
}

// Refresh recomputes the snapshot from the store and fans it out.
func (feed *Feed) Refresh(ctx context.Context) error {
	accounts, err := feed.store.TopAccounts(ctx, feed.size)
	if err != nil {
		feed.mu.Lock()
		feed.lastErr = err
		feed.mu.Unlock()
		return err
	}
	snapshot := make([]RankedAccount, 0, len(accounts))
	for index, account := range accounts {
		snapshot = append(snapshot, RankedAccount{
			Rank:        index + 1,
			UserID:      account.UserID,
			DisplayName: account.DisplayName,
			AvatarRef:   account.AvatarRef,
			TotalPaid:   account.TotalPaid,
		})
	}

	feed.mu.Lock()
	feed.snapshot = snapshot
	feed.lastErr = nil
	channels := make([]chan []RankedAccount, 0, len(feed.subscribers))
	for channel := range feed.subscribers {
		channels = append(channels, channel)
	}
	feed.mu.Unlock()

	for _, channel := range channels {
		// Replace a stale pending snapshot rather than blocking on a
		// slow consumer.
		select {
		case channel <- snapshot:
		default:
			select {
			case <-channel:
			default:
			}
			select {
			case channel <- snapshot:
			default:
			}
		}
	}
	return nil
}

// Snapshot returns the current leaderboard. After a failed refresh it
// returns the error instead of the stale pre-failure snapshot; push
// subscribers keep the last delivered snapshot regardless.
func (feed *Feed) Snapshot() ([]RankedAccount, error) {
	feed.mu.RLock()
	defer feed.mu.RUnlock()
	if feed.lastErr != nil {
		return nil, feed.lastErr
	}
	snapshot := make([]RankedAccount, len(feed.snapshot))
	copy(snapshot, feed.snapshot)
	return snapshot, nil
}

// Subscribe registers a consumer. Each delivery is a full ordered
// snapshot, never a diff. The returned cancel func must be called to
// release the subscription.
func (feed *Feed) Subscribe() (<-chan []RankedAccount, func()) {
	channel := make(chan []RankedAccount, 1)
	feed.mu.Lock()
	feed.subscribers[channel] = struct{}{}
	channel <- append([]RankedAccount(nil), feed.snapshot...)
	feed.mu.Unlock()
	cancel := func() {
		feed.mu.Lock()
		delete(feed.subscribers, channel)
		feed.mu.Unlock()
	}
	return channel, cancel
}

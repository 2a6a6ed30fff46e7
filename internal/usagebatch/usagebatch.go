// Package usagebatch implements the Usage Batcher of §4.6: an in-process
// aggregator of "token was used" events, flushed every 30s by swapping
// each container with an empty one under a brief mutex hold, per the
// design note that flush work itself should run on the swapped-out
// containers without holding the lock.
package usagebatch

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/pylon-project/pylon/internal/dbx"
	"github.com/pylon-project/pylon/internal/sessionstore"
)

// PatMarker batches last_used writes for PATs.
type PatMarker interface {
	MarkUsed(ctx context.Context, tx *sqlx.Tx, ids []int64) error
}

// OAuthMarker batches last_used writes for OAuth access tokens.
type OAuthMarker interface {
	MarkUsed(ctx context.Context, tx *sqlx.Tx, ids []int64) error
}

// Batcher owns the three queues named in §4.6 and flushes them
// periodically or on shutdown.
type Batcher struct {
	store    *dbx.Store
	sessions *sessionstore.Store
	pats     PatMarker
	oauth    OAuthMarker

	mu          sync.Mutex
	sessionMeta map[int64]sessionstore.Metadata
	patIDs      map[int64]struct{}
	oauthIDs    map[int64]struct{}

	invalidate func(sessionID int64)
}

func New(store *dbx.Store, sessions *sessionstore.Store, pats PatMarker, oauth OAuthMarker, invalidate func(sessionID int64)) *Batcher {
	return &Batcher{
		store:       store,
		sessions:    sessions,
		pats:        pats,
		oauth:       oauth,
		sessionMeta: make(map[int64]sessionstore.Metadata),
		patIDs:      make(map[int64]struct{}),
		oauthIDs:    make(map[int64]struct{}),
		invalidate:  invalidate,
	}
}

// AddSession enqueues a session-usage event; newer metadata overwrites
// older for the same ID, per §4.6.
func (b *Batcher) AddSession(id int64, md sessionstore.Metadata) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessionMeta[id] = md
}

func (b *Batcher) AddPAT(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.patIDs[id] = struct{}{}
}

func (b *Batcher) AddOAuth(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.oauthIDs[id] = struct{}{}
}

// swap atomically replaces each container with an empty one and returns
// the swapped-out contents, holding the mutex only across the swap itself.
func (b *Batcher) swap() (map[int64]sessionstore.Metadata, []int64, []int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sessionMeta := b.sessionMeta
	patIDs := make([]int64, 0, len(b.patIDs))
	for id := range b.patIDs {
		patIDs = append(patIDs, id)
	}
	oauthIDs := make([]int64, 0, len(b.oauthIDs))
	for id := range b.oauthIDs {
		oauthIDs = append(oauthIDs, id)
	}

	b.sessionMeta = make(map[int64]sessionstore.Metadata)
	b.patIDs = make(map[int64]struct{})
	b.oauthIDs = make(map[int64]struct{})

	return sessionMeta, patIDs, oauthIDs
}

// Flush runs one flush cycle: apply queued session metadata, sweep
// refresh-expired sessions, and batch-mark PAT/OAuth last-used, all
// inside one transaction. A partial failure rolls back and the queued
// events are lost, not double-counted — an explicit trade-off (§4.6) that
// callers must not rely on for correctness of any access decision.
func (b *Batcher) Flush(ctx context.Context) error {
	sessionMeta, patIDs, oauthIDs := b.swap()

	var expiredSessionIDs []int64
	err := b.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := b.sessions.FlushMetadata(ctx, tx, sessionMeta); err != nil {
			return err
		}
		ids, err := b.sessions.SweepRefreshExpired(ctx, tx)
		if err != nil {
			return err
		}
		expiredSessionIDs = ids

		if err := b.pats.MarkUsed(ctx, tx, patIDs); err != nil {
			return err
		}
		if err := b.oauth.MarkUsed(ctx, tx, oauthIDs); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}

	if b.invalidate != nil {
		for _, id := range expiredSessionIDs {
			b.invalidate(id)
		}
	}
	return nil
}

// Run flushes every interval until ctx is canceled, then performs one
// final flush for a clean shutdown.
func (b *Batcher) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := b.Flush(context.Background()); err != nil {
				log.Printf("usagebatch: final flush failed: %v", err)
			}
			return
		case <-ticker.C:
			if err := b.Flush(ctx); err != nil {
				log.Printf("usagebatch: flush failed: %v", err)
			}
		}
	}
}

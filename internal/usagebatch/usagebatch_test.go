package usagebatch

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pylon-project/pylon/internal/sessionstore"
)

func TestSwapReturnsQueuedEventsAndClearsContainers(t *testing.T) {
	b := &Batcher{
		sessionMeta: make(map[int64]sessionstore.Metadata),
		patIDs:      make(map[int64]struct{}),
		oauthIDs:    make(map[int64]struct{}),
	}

	b.AddSession(1, sessionstore.Metadata{IP: "10.0.0.1"})
	b.AddPAT(7)
	b.AddPAT(8)
	b.AddOAuth(42)

	sessionMeta, patIDs, oauthIDs := b.swap()

	assert.Equal(t, sessionstore.Metadata{IP: "10.0.0.1"}, sessionMeta[1])
	assert.ElementsMatch(t, []int64{7, 8}, patIDs)
	assert.ElementsMatch(t, []int64{42}, oauthIDs)

	assert.Empty(t, b.sessionMeta)
	assert.Empty(t, b.patIDs)
	assert.Empty(t, b.oauthIDs)
}

func TestAddSessionNewerMetadataOverwritesOlder(t *testing.T) {
	b := &Batcher{
		sessionMeta: make(map[int64]sessionstore.Metadata),
		patIDs:      make(map[int64]struct{}),
		oauthIDs:    make(map[int64]struct{}),
	}

	b.AddSession(1, sessionstore.Metadata{IP: "10.0.0.1"})
	b.AddSession(1, sessionstore.Metadata{IP: "10.0.0.2"})

	sessionMeta, _, _ := b.swap()
	assert.Equal(t, "10.0.0.2", sessionMeta[1].IP)
}

func TestSwapOnEmptyBatcherReturnsEmptyContainers(t *testing.T) {
	b := &Batcher{
		sessionMeta: make(map[int64]sessionstore.Metadata),
		patIDs:      make(map[int64]struct{}),
		oauthIDs:    make(map[int64]struct{}),
	}

	sessionMeta, patIDs, oauthIDs := b.swap()
	assert.Empty(t, sessionMeta)
	assert.Empty(t, patIDs)
	assert.Empty(t, oauthIDs)
}

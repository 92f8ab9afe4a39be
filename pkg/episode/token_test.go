package episode

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMintProducesLiveToken(t *testing.T) {
	tm := NewTokenManager()

	mt, err := tm.Mint("run-1", "ep-1", "batch-1")
	assert.NoError(t, err)
	assert.NotEmpty(t, mt.Token)
	assert.False(t, mt.Consumed)

	assert.True(t, tm.ValidateForBatch(mt.Token, "batch-1"))
	assert.False(t, tm.ValidateForBatch(mt.Token, "some-other-batch"))
}

func TestMintInvalidatesPreviousPendingTokenForSameRun(t *testing.T) {
	tm := NewTokenManager()

	first, err := tm.Mint("run-1", "ep-1", "batch-1")
	assert.NoError(t, err)
	second, err := tm.Mint("run-1", "ep-2", "batch-2")
	assert.NoError(t, err)

	assert.False(t, tm.ValidateForBatch(first.Token, "batch-1"))
	assert.True(t, tm.ValidateForBatch(second.Token, "batch-2"))
}

func TestMintForDifferentRunsDoesNotInterfere(t *testing.T) {
	tm := NewTokenManager()

	a, err := tm.Mint("run-a", "ep-a", "batch-a")
	assert.NoError(t, err)
	b, err := tm.Mint("run-b", "ep-b", "batch-b")
	assert.NoError(t, err)

	assert.True(t, tm.ValidateForBatch(a.Token, "batch-a"))
	assert.True(t, tm.ValidateForBatch(b.Token, "batch-b"))
}

func TestConsumeInvalidatesToken(t *testing.T) {
	tm := NewTokenManager()
	mt, err := tm.Mint("run-1", "ep-1", "batch-1")
	assert.NoError(t, err)

	tm.Consume(mt.Token)

	assert.False(t, tm.ValidateForBatch(mt.Token, "batch-1"))
	_, ok := tm.Peek(mt.Token)
	assert.False(t, ok)
}

func TestPeekDoesNotConsume(t *testing.T) {
	tm := NewTokenManager()
	mt, err := tm.Mint("run-1", "ep-1", "batch-1")
	assert.NoError(t, err)

	peeked, ok := tm.Peek(mt.Token)
	assert.True(t, ok)
	assert.Equal(t, mt.Token, peeked.Token)

	assert.True(t, tm.ValidateForBatch(mt.Token, "batch-1"))
}

func TestValidateForBatchUnknownTokenIsFalse(t *testing.T) {
	tm := NewTokenManager()
	assert.False(t, tm.ValidateForBatch("never-issued", "batch-1"))
}

// A token minted with no batch named yet (sealMilestone's "seal now, commit
// later" path) must bind to whichever batch validates against it first,
// rather than being permanently stuck authorizing the empty batch id.
func TestMintWithNoBatchBindsOnFirstValidate(t *testing.T) {
	tm := NewTokenManager()
	mt, err := tm.Mint("run-1", "ep-1", "")
	assert.NoError(t, err)

	assert.True(t, tm.ValidateForBatch(mt.Token, "batch-chosen-later"))
	assert.True(t, tm.ValidateForBatch(mt.Token, "batch-chosen-later"))
	assert.False(t, tm.ValidateForBatch(mt.Token, "a-different-batch"))
}

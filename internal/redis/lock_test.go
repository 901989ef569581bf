package redis

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLockToken_UniqueUnderConcurrentAcquires(t *testing.T) {
	t.Parallel()

	const holders = 64
	const perHolder = 50

	var (
		mu     sync.Mutex
		tokens = make(map[string]struct{}, holders*perHolder)
		wg     sync.WaitGroup
		start  = make(chan struct{})
	)
	for i := 0; i < holders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for j := 0; j < perHolder; j++ {
				token := newLockToken()
				mu.Lock()
				tokens[token] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Len(t, tokens, holders*perHolder)
}

func TestPayoutLockKey(t *testing.T) {
	t.Parallel()

	require.NotEmpty(t, newLockToken())
	assert.Equal(t, "lock:payout:m-1", payoutLockKey("m-1"))
}

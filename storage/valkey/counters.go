package valkey

import (
	"context"
	"fmt"
	"time"
)

// luaIncrementCounter increments a fixed-window counter, starting the window
// on the first hit. Doing both in one script avoids the classic INCR/EXPIRE
// race that leaves a counter without expiry.
//
// KEYS[1] = counter key
// ARGV[1] = window length in milliseconds
const luaIncrementCounter = `
local count = redis.call('INCR', KEYS[1])
if count == 1 then
    redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return count
`

// Increment implements storage.Counters. Counters in Valkey are what make
// the request rate limit hold across a horizontally scaled deployment.
func (s *Store) Increment(ctx context.Context, key string, window time.Duration) (int64, error) {
	count, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaIncrementCounter).
			Numkeys(1).
			Key(s.counterKey(key)).
			Arg(fmt.Sprintf("%d", window.Milliseconds())).
			Build(),
	).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("failed to increment counter: %w", err)
	}
	return count, nil
}

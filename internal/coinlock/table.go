// Package coinlock reserves funding coins that are committed to in-flight
// sale offers so later coin selection does not double-spend them. Locks
// self-expire after the offer lifetime; expiry is swept lazily on read.
package coinlock

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"cdp-keeper/internal/kvstore"
)

const storeKey = "locked_coins"

// Table is a logical view over one store key mapping coin id to unix expiry
// seconds. It holds no state of its own; every call re-reads the store.
type Table struct {
	store *kvstore.Store
	now   func() time.Time
	log   zerolog.Logger
}

// New returns a lock table over store. now may be nil for the wall clock.
func New(store *kvstore.Store, log zerolog.Logger, now func() time.Time) *Table {
	if now == nil {
		now = time.Now
	}
	return &Table{store: store, now: now, log: log}
}

// Lock records each coin id with expiry now+ttl. Re-locking an already
// locked coin extends its expiry.
func (t *Table) Lock(coinIDs []string, ttl time.Duration) error {
	if len(coinIDs) == 0 {
		return nil
	}
	expiry := t.now().Add(ttl).Unix()
	return t.update(func(locks map[string]int64) {
		for _, id := range coinIDs {
			locks[id] = expiry
		}
		t.log.Debug().Int("coins", len(coinIDs)).Int64("expiry", expiry).Msg("locked coins")
	})
}

// Release removes the given coin ids unconditionally.
func (t *Table) Release(coinIDs []string) error {
	if len(coinIDs) == 0 {
		return nil
	}
	return t.update(func(locks map[string]int64) {
		for _, id := range coinIDs {
			delete(locks, id)
		}
	})
}

// IgnoredCoins purges expired entries and returns the ids still locked,
// sorted for deterministic request payloads. An entry with expiry <= now is
// logically absent.
func (t *Table) IgnoredCoins() ([]string, error) {
	nowUnix := t.now().Unix()
	var ids []string
	err := t.update(func(locks map[string]int64) {
		for id, expiry := range locks {
			if expiry <= nowUnix {
				delete(locks, id)
				t.log.Debug().Str("coin", id).Msg("expired lock removed")
				continue
			}
			ids = append(ids, id)
		}
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

func (t *Table) update(fn func(locks map[string]int64)) error {
	return t.store.Update(func(data map[string]json.RawMessage) error {
		locks := map[string]int64{}
		if raw, ok := data[storeKey]; ok {
			if err := json.Unmarshal(raw, &locks); err != nil {
				t.log.Warn().Err(err).Msg("unreadable lock table, resetting")
				locks = map[string]int64{}
			}
		}
		fn(locks)
		raw, err := json.Marshal(locks)
		if err != nil {
			return err
		}
		data[storeKey] = raw
		return nil
	})
}

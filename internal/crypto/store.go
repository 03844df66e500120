package crypto

import (
	"context"
	"time"

	"github.com/penserai/acteon/infrastructure/state"
)

// EncryptingStore decorates a state.Store so values of the selected
// kinds (those carrying action payloads) are wrapped in the ENC[…]
// envelope at rest. Reads transparently unwrap; legacy plaintext values
// pass through.
type EncryptingStore struct {
	state.Store
	keyring *Keyring
	kinds   map[state.Kind]bool
}

// DefaultEncryptedKinds lists the state kinds whose values embed action
// payloads.
func DefaultEncryptedKinds() []state.Kind {
	return []state.Kind{
		state.KindScheduled,
		state.KindGroup,
		state.KindChainState,
		state.KindApproval,
		state.KindRecurring,
	}
}

func NewEncryptingStore(inner state.Store, keyring *Keyring, kinds []state.Kind) *EncryptingStore {
	set := make(map[state.Kind]bool, len(kinds))
	for _, k := range kinds {
		set[k] = true
	}
	return &EncryptingStore{Store: inner, keyring: keyring, kinds: set}
}

func (s *EncryptingStore) covered(key string) bool {
	_, _, kind, _, ok := state.SplitCanonicalKey(key)
	return ok && s.kinds[kind]
}

func (s *EncryptingStore) wrap(key string, value []byte) ([]byte, error) {
	if !s.covered(key) {
		return value, nil
	}
	enc, err := s.keyring.Encrypt(value)
	if err != nil {
		return nil, err
	}
	return []byte(enc), nil
}

func (s *EncryptingStore) unwrap(key string, value []byte) ([]byte, error) {
	if !s.covered(key) {
		return value, nil
	}
	return s.keyring.Decrypt(string(value))
}

func (s *EncryptingStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	wrapped, err := s.wrap(key, value)
	if err != nil {
		return err
	}
	return s.Store.Set(ctx, key, wrapped, ttl)
}

func (s *EncryptingStore) CheckAndSet(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	wrapped, err := s.wrap(key, value)
	if err != nil {
		return false, err
	}
	return s.Store.CheckAndSet(ctx, key, wrapped, ttl)
}

func (s *EncryptingStore) CompareAndSwap(ctx context.Context, key string, expectedVersion uint64, newValue []byte, ttl time.Duration) (bool, *state.ConflictError, error) {
	wrapped, err := s.wrap(key, newValue)
	if err != nil {
		return false, nil, err
	}
	swapped, conflict, err := s.Store.CompareAndSwap(ctx, key, expectedVersion, wrapped, ttl)
	if conflict != nil && conflict.CurrentValue != nil {
		if plain, derr := s.unwrap(key, conflict.CurrentValue); derr == nil {
			conflict.CurrentValue = plain
		}
	}
	return swapped, conflict, err
}

func (s *EncryptingStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, ok, err := s.Store.Get(ctx, key)
	if err != nil || !ok {
		return value, ok, err
	}
	plain, err := s.unwrap(key, value)
	if err != nil {
		return nil, false, err
	}
	return plain, true, nil
}

func (s *EncryptingStore) GetVersioned(ctx context.Context, key string) ([]byte, uint64, bool, error) {
	value, version, ok, err := s.Store.GetVersioned(ctx, key)
	if err != nil || !ok {
		return value, version, ok, err
	}
	plain, err := s.unwrap(key, value)
	if err != nil {
		return nil, 0, false, err
	}
	return plain, version, true, nil
}

func (s *EncryptingStore) ScanKeys(ctx context.Context, namespace, tenant string, kind state.Kind, prefix string) ([]state.KV, error) {
	kvs, err := s.Store.ScanKeys(ctx, namespace, tenant, kind, prefix)
	return s.unwrapAll(kvs, err)
}

func (s *EncryptingStore) ScanKeysByKind(ctx context.Context, kind state.Kind) ([]state.KV, error) {
	kvs, err := s.Store.ScanKeysByKind(ctx, kind)
	return s.unwrapAll(kvs, err)
}

func (s *EncryptingStore) unwrapAll(kvs []state.KV, err error) ([]state.KV, error) {
	if err != nil {
		return nil, err
	}
	for i := range kvs {
		plain, derr := s.unwrap(kvs[i].Key, kvs[i].Value)
		if derr != nil {
			return nil, derr
		}
		kvs[i].Value = plain
	}
	return kvs, nil
}

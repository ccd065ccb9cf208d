package credstore

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/giantswarm/tokensync/credential"
	"github.com/giantswarm/tokensync/internal/testutil"
	"github.com/giantswarm/tokensync/security"
	"github.com/giantswarm/tokensync/storage/mock"
)

var errBackend = errors.New("backend unavailable")

func newTestStore(t *testing.T, kv *mock.KV) *Store {
	t.Helper()
	keys, err := security.NewEphemeralKeyProvider()
	testutil.AssertNoError(t, err)

	cfg := Config{KeyProvider: keys, Clock: testutil.NewFakeClock(testutil.Epoch)}
	if kv != nil {
		cfg.KV = kv
	}
	s, err := New(cfg)
	testutil.AssertNoError(t, err)
	return s
}

func testEntry() (string, *credential.CacheEntry) {
	set := testutil.GenerateTestCredentials(testutil.Epoch, time.Hour)
	key := credential.CacheKey("user-1", set.Scopes)
	return key, credential.NewCacheEntry(set, "user-1", set.Scopes, testutil.Epoch)
}

func TestNew_RequiresKeyProvider(t *testing.T) {
	_, err := New(Config{})
	testutil.AssertError(t, err)
}

func TestStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	kv := mock.NewKV()
	s := newTestStore(t, kv)
	key, entry := testEntry()

	testutil.AssertNoError(t, s.Put(ctx, key, entry))

	got, ok := s.Get(ctx, key)
	if !ok {
		t.Fatal("Get() miss after Put()")
	}
	if !reflect.DeepEqual(got.Credentials, entry.Credentials) {
		t.Errorf("Get() credentials = %+v, want %+v", got.Credentials, entry.Credentials)
	}

	raw, ok := kv.Raw(s.EncryptedKey(key))
	if !ok {
		t.Fatal("encrypted record not written")
	}
	if strings.Contains(raw, entry.Credentials.AccessToken) {
		t.Error("encrypted record contains the access token in plaintext")
	}
	if _, ok := kv.Raw(s.LegacyKey(key)); ok {
		t.Error("plaintext record written")
	}
}

func TestStore_Put_InvalidInput(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, mock.NewKV())
	key, entry := testEntry()

	tests := []struct {
		name  string
		key   string
		entry *credential.CacheEntry
	}{
		{name: "empty key", key: "", entry: entry},
		{name: "nil entry", key: key, entry: nil},
		{name: "no credentials", key: key, entry: &credential.CacheEntry{AccountID: "user-1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.Put(ctx, tt.key, tt.entry); !errors.Is(err, ErrInvalidEntry) {
				t.Errorf("Put() error = %v, want ErrInvalidEntry", err)
			}
		})
	}
}

func TestStore_MigratesLegacyEntry(t *testing.T) {
	ctx := context.Background()
	kv := mock.NewKV()
	s := newTestStore(t, kv)
	key, entry := testEntry()

	plaintext, err := json.Marshal(entry)
	testutil.AssertNoError(t, err)
	kv.Put(s.LegacyKey(key), string(plaintext))

	got, ok := s.Get(ctx, key)
	if !ok {
		t.Fatal("Get() miss for legacy entry")
	}
	testutil.AssertEqual(t, got.Credentials.AccessToken, entry.Credentials.AccessToken)

	if _, ok := kv.Raw(s.LegacyKey(key)); ok {
		t.Error("legacy plaintext record still present after read")
	}
	if _, ok := kv.Raw(s.EncryptedKey(key)); !ok {
		t.Fatal("legacy entry not re-written encrypted")
	}

	again, ok := s.Get(ctx, key)
	if !ok {
		t.Fatal("second Get() miss")
	}
	if !reflect.DeepEqual(again.Credentials, got.Credentials) {
		t.Errorf("encrypted read = %+v, want %+v", again.Credentials, got.Credentials)
	}
}

func TestStore_MigratesBareLegacySet(t *testing.T) {
	ctx := context.Background()
	kv := mock.NewKV()
	s := newTestStore(t, kv)
	key, entry := testEntry()

	plaintext, err := json.Marshal(entry.Credentials)
	testutil.AssertNoError(t, err)
	kv.Put(s.LegacyKey(key), string(plaintext))

	got, ok := s.Get(ctx, key)
	if !ok {
		t.Fatal("Get() miss for bare legacy set")
	}
	testutil.AssertEqual(t, got.Credentials.RefreshToken, entry.Credentials.RefreshToken)
}

func TestStore_UndecryptableEntryIsMiss(t *testing.T) {
	ctx := context.Background()
	kv := mock.NewKV()
	writer := newTestStore(t, kv)
	key, entry := testEntry()
	testutil.AssertNoError(t, writer.Put(ctx, key, entry))

	// A different ephemeral key cannot open the record.
	reader := newTestStore(t, kv)
	if _, ok := reader.Get(ctx, key); ok {
		t.Error("Get() hit with a foreign key")
	}
}

func TestStore_ServesOwnWriteOverForeignRecord(t *testing.T) {
	ctx := context.Background()
	kv := mock.NewKV()
	owner := newTestStore(t, kv)
	sibling := newTestStore(t, kv)
	key, entry := testEntry()

	testutil.AssertNoError(t, owner.Put(ctx, key, entry))

	adopted := entry.Clone()
	adopted.Credentials.AccessToken = "adopted-access"
	testutil.AssertNoError(t, sibling.Put(ctx, key, adopted))

	got, ok := owner.Get(ctx, key)
	if !ok {
		t.Fatal("Get() miss after a sibling overwrote the record with its own key")
	}
	testutil.AssertEqual(t, got.Credentials.AccessToken, entry.Credentials.AccessToken)

	got, ok = sibling.Get(ctx, key)
	if !ok {
		t.Fatal("sibling Get() miss for its own record")
	}
	testutil.AssertEqual(t, got.Credentials.AccessToken, "adopted-access")
}

func TestStore_OwnWriteGoneAfterEvict(t *testing.T) {
	ctx := context.Background()
	kv := mock.NewKV()
	owner := newTestStore(t, kv)
	sibling := newTestStore(t, kv)
	key, entry := testEntry()

	testutil.AssertNoError(t, owner.Put(ctx, key, entry))
	owner.Evict(ctx, key)
	testutil.AssertNoError(t, sibling.Put(ctx, key, entry))

	if _, ok := owner.Get(ctx, key); ok {
		t.Error("Get() served an evicted entry")
	}
}

func TestStore_RemovedRecordIsNotServedFromOwnWrite(t *testing.T) {
	ctx := context.Background()
	kv := mock.NewKV()
	owner := newTestStore(t, kv)
	sibling := newTestStore(t, kv)
	key, entry := testEntry()

	testutil.AssertNoError(t, owner.Put(ctx, key, entry))
	sibling.Clear(ctx)

	if _, ok := owner.Get(ctx, key); ok {
		t.Error("Get() hit after a sibling cleared the cache")
	}
}

func TestStore_MigrationKeepsLegacyWhenWriteFails(t *testing.T) {
	ctx := context.Background()
	kv := mock.NewKV()
	s := newTestStore(t, kv)
	key, entry := testEntry()

	plaintext, err := json.Marshal(entry)
	testutil.AssertNoError(t, err)
	kv.Put(s.LegacyKey(key), string(plaintext))
	kv.SetFunc = func(string, string, time.Duration) error { return errBackend }

	got, ok := s.Get(ctx, key)
	if !ok {
		t.Fatal("Get() miss for legacy entry")
	}
	testutil.AssertEqual(t, got.Credentials.AccessToken, entry.Credentials.AccessToken)

	if _, ok := kv.Raw(s.LegacyKey(key)); !ok {
		t.Error("legacy record deleted although the encrypted write failed")
	}
	if !s.Degraded() {
		t.Error("Degraded() = false after a failed migration write")
	}
}

func TestStore_DegradesToMemory(t *testing.T) {
	ctx := context.Background()
	kv := mock.NewKV()
	kv.SetFunc = func(string, string, time.Duration) error { return errBackend }
	kv.GetFunc = func(string) (string, error) { return "", errBackend }
	s := newTestStore(t, kv)
	key, entry := testEntry()

	if err := s.Put(ctx, key, entry); err != nil {
		t.Fatalf("Put() returned persistence error: %v", err)
	}
	if !s.Degraded() {
		t.Error("Degraded() = false after failed write")
	}

	got, ok := s.Get(ctx, key)
	if !ok {
		t.Fatal("degraded store did not serve the entry from memory")
	}
	testutil.AssertEqual(t, got.Credentials.AccessToken, entry.Credentials.AccessToken)
}

func TestStore_RecoversAfterDegradation(t *testing.T) {
	ctx := context.Background()
	kv := mock.NewKV()
	failing := true
	defaultSet := kv.SetFunc
	kv.SetFunc = func(k, v string, ttl time.Duration) error {
		if failing {
			return errBackend
		}
		return defaultSet(k, v, ttl)
	}
	s := newTestStore(t, kv)
	key, entry := testEntry()

	testutil.AssertNoError(t, s.Put(ctx, key, entry))
	failing = false
	testutil.AssertNoError(t, s.Put(ctx, key, entry))

	if s.Degraded() {
		t.Error("Degraded() = true after successful write")
	}
	if _, ok := kv.Raw(s.EncryptedKey(key)); !ok {
		t.Error("entry not persisted after recovery")
	}
}

func TestStore_NilKV(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)
	key, entry := testEntry()

	testutil.AssertNoError(t, s.Put(ctx, key, entry))
	if _, ok := s.Get(ctx, key); !ok {
		t.Error("memory-only store lost the entry")
	}
	s.Evict(ctx, key)
	if _, ok := s.Get(ctx, key); ok {
		t.Error("entry present after Evict()")
	}
}

func TestStore_EvictAndClear(t *testing.T) {
	ctx := context.Background()
	kv := mock.NewKV()
	s := newTestStore(t, kv)
	key, entry := testEntry()
	otherKey := credential.CacheKey("user-2", []string{"openid"})

	testutil.AssertNoError(t, s.Put(ctx, key, entry))
	testutil.AssertNoError(t, s.Put(ctx, otherKey, entry))
	kv.Put("unrelated", "value")

	s.Evict(ctx, key)
	if _, ok := s.Get(ctx, key); ok {
		t.Error("entry present after Evict()")
	}
	if _, ok := s.Get(ctx, otherKey); !ok {
		t.Error("Evict() removed an unrelated entry")
	}

	s.Clear(ctx)
	if got := s.List(ctx); len(got) != 0 {
		t.Errorf("List() after Clear() = %d entries, want 0", len(got))
	}
	if _, ok := kv.Raw("unrelated"); !ok {
		t.Error("Clear() removed a key outside the credential namespace")
	}
}

func TestStore_List(t *testing.T) {
	ctx := context.Background()
	kv := mock.NewKV()
	s := newTestStore(t, kv)
	key, entry := testEntry()
	testutil.AssertNoError(t, s.Put(ctx, key, entry))

	plaintext, err := json.Marshal(entry)
	testutil.AssertNoError(t, err)
	kv.Put(s.LegacyKey(credential.CacheKey("user-2", nil)), string(plaintext))

	if got := s.List(ctx); len(got) != 2 {
		t.Errorf("List() = %d entries, want 2", len(got))
	}
}

package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMasterCode = "lengoctuyen"

func newTestHasher(t *testing.T) *Hasher {
	t.Helper()
	h, err := NewHasher(HasherConfig{
		Memory:      8 * 1024,
		Time:        1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   32,
	})
	require.NoError(t, err)
	return h
}

func newTestAuthority(t *testing.T, store CredentialStore) *Authority {
	t.Helper()
	if store == nil {
		store = NewFileStore(filepath.Join(t.TempDir(), "users.yaml"))
	}
	require.NoError(t, store.Load(context.Background()))

	a, err := NewAuthority(AuthorityConfig{
		MasterCode: testMasterCode,
		Store:      store,
		Hasher:     newTestHasher(t),
	})
	require.NoError(t, err)
	return a
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})
	return mr, rdb
}

func TestHasher_RoundTrip(t *testing.T) {
	h := newTestHasher(t)

	encoded, err := h.Hash("secret1")
	require.NoError(t, err)
	assert.Contains(t, encoded, "$argon2id$v=19$m=8192,t=1,p=1$")

	ok, err := h.Verify("secret1", encoded)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.Verify("secret2", encoded)
	require.NoError(t, err)
	assert.False(t, ok)

	again, err := h.Hash("secret1")
	require.NoError(t, err)
	assert.NotEqual(t, encoded, again, "salt must differ between hashes")
}

func TestHasher_RejectsMalformed(t *testing.T) {
	h := newTestHasher(t)

	tests := []struct {
		name    string
		encoded string
	}{
		{"empty", ""},
		{"plain text", "secret1"},
		{"wrong algorithm", "$argon2i$v=19$m=8192,t=1,p=1$c2FsdHNhbHRzYWx0c2FsdA$aGFzaA"},
		{"wrong version", "$argon2id$v=16$m=8192,t=1,p=1$c2FsdHNhbHRzYWx0c2FsdA$aGFzaA"},
		{"missing params", "$argon2id$v=19$m=8192$c2FsdHNhbHRzYWx0c2FsdA$aGFzaA"},
		{"short salt", "$argon2id$v=19$m=8192,t=1,p=1$c2FsdA$aGFzaA"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.Verify("secret1", tt.encoded)
			assert.Error(t, err)
		})
	}

	_, err := h.Hash("")
	assert.ErrorIs(t, err, ErrEmptyPassword)
}

func TestNewHasher_Validation(t *testing.T) {
	cfg := DefaultHasherConfig()
	cfg.Memory = 1024
	_, err := NewHasher(cfg)
	assert.Error(t, err)

	_, err = NewHasher(DefaultHasherConfig())
	assert.NoError(t, err)
}

func TestFileStore_PersistsAcrossReload(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "users.yaml")

	store := NewFileStore(path)
	require.NoError(t, store.Load(ctx))

	registered, err := store.Any(ctx)
	require.NoError(t, err)
	assert.False(t, registered)

	require.NoError(t, store.Insert(ctx, Credential{Username: "Alice", Secret: "h1"}))
	assert.ErrorIs(t, store.Insert(ctx, Credential{Username: "ALICE", Secret: "h2"}), ErrUsernameTaken)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	reloaded := NewFileStore(path)
	require.NoError(t, reloaded.Load(ctx))

	cred, err := reloaded.Lookup(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "Alice", cred.Username)
	assert.Equal(t, "h1", cred.Secret)

	_, err = reloaded.Lookup(ctx, "bob")
	assert.ErrorIs(t, err, ErrCredentialNotFound)
}

func TestFileStore_ConcurrentInserts(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "users.yaml")
	store := NewFileStore(path)
	require.NoError(t, store.Load(ctx))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, store.Insert(ctx, Credential{Username: fmt.Sprintf("user%02d", i), Secret: "x"}))
		}(i)
	}
	wg.Wait()

	reloaded := NewFileStore(path)
	require.NoError(t, reloaded.Load(ctx))
	for i := 0; i < 20; i++ {
		_, err := reloaded.Lookup(ctx, fmt.Sprintf("USER%02d", i))
		assert.NoError(t, err)
	}
}

func TestFileStore_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.yaml")
	require.NoError(t, os.WriteFile(path, []byte("users: [\n"), 0o600))

	err := NewFileStore(path).Load(context.Background())
	assert.ErrorIs(t, err, ErrPersistence)
}

func TestRedisStore_Uniqueness(t *testing.T) {
	ctx := context.Background()
	_, rdb := newTestRedis(t)

	store := NewRedisStore(rdb, "remote")
	require.NoError(t, store.Load(ctx))

	registered, err := store.Any(ctx)
	require.NoError(t, err)
	assert.False(t, registered)

	require.NoError(t, store.Insert(ctx, Credential{Username: "Alice", Secret: "h1"}))
	assert.ErrorIs(t, store.Insert(ctx, Credential{Username: "alice", Secret: "h2"}), ErrUsernameTaken)

	cred, err := store.Lookup(ctx, "ALICE")
	require.NoError(t, err)
	assert.Equal(t, "Alice", cred.Username)
	assert.Equal(t, "h1", cred.Secret)

	_, err = store.Lookup(ctx, "bob")
	assert.ErrorIs(t, err, ErrCredentialNotFound)

	registered, err = store.Any(ctx)
	require.NoError(t, err)
	assert.True(t, registered)

	n, err := rdb.HLen(ctx, "remote:credentials").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestRedisStore_Unavailable(t *testing.T) {
	mr, rdb := newTestRedis(t)
	mr.Close()

	store := NewRedisStore(rdb, "remote")
	assert.ErrorIs(t, store.Load(context.Background()), ErrPersistence)
	assert.ErrorIs(t, store.Insert(context.Background(), Credential{Username: "a", Secret: "b"}), ErrPersistence)
}

func TestTokenManager(t *testing.T) {
	m, err := NewTokenManager("0123456789abcdef0123", "remote-lab-01", time.Hour)
	require.NoError(t, err)

	token, err := m.Issue("alice")
	require.NoError(t, err)

	user, err := m.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", user)

	// different issuer
	other, err := NewTokenManager("0123456789abcdef0123", "remote-lab-02", time.Hour)
	require.NoError(t, err)
	_, err = other.Parse(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	// expired
	m.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = m.Parse(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	// disabled
	disabled, err := NewTokenManager("", "x", time.Hour)
	require.NoError(t, err)
	assert.Nil(t, disabled)
	_, err = disabled.Issue("alice")
	assert.ErrorIs(t, err, ErrTokensDisabled)
}

func TestAuthority_WrongCodeNeverChangesState(t *testing.T) {
	a := newTestAuthority(t, nil)
	a.Open("s1")

	for _, code := range []string{"", "wrong", "LENGOCTUYEN", testMasterCode + " "} {
		assert.False(t, a.ValidateSetupCode("s1", code), "code %q", code)
		assert.Equal(t, Unauthenticated, a.State("s1"))
		assert.Equal(t, StatusLoginRequired, a.CurrentStatus("s1"))
	}
}

func TestAuthority_RegisterRequiresSetupCode(t *testing.T) {
	ctx := context.Background()
	a := newTestAuthority(t, nil)
	a.Open("s1")

	err := a.Register(ctx, "s1", "alice", "secret1")
	assert.ErrorIs(t, err, ErrNotAllowed)
	assert.False(t, a.IsAuthenticated("s1"))

	registered, err := a.AnyRegistered(ctx)
	require.NoError(t, err)
	assert.False(t, registered, "nothing must be persisted")
}

func TestAuthority_SecondRegistrationNeedsCodeAgain(t *testing.T) {
	ctx := context.Background()
	a := newTestAuthority(t, nil)
	a.Open("s1")

	require.True(t, a.ValidateSetupCode("s1", testMasterCode))
	assert.True(t, a.IsRegistrationAllowed("s1"))
	require.NoError(t, a.Register(ctx, "s1", "alice", "secret1"))
	assert.False(t, a.IsRegistrationAllowed("s1"))

	err := a.Register(ctx, "s1", "bob", "secret2")
	assert.ErrorIs(t, err, ErrNotAllowed)

	require.True(t, a.ValidateSetupCode("s1", testMasterCode))
	require.NoError(t, a.Register(ctx, "s1", "bob", "secret2"))

	// principal stays alice until an explicit logout
	principal, ok := a.Principal("s1")
	require.True(t, ok)
	assert.Equal(t, "alice", principal)
}

func TestAuthority_RegisterUsernameTakenKeepsMarker(t *testing.T) {
	ctx := context.Background()
	a := newTestAuthority(t, nil)

	require.True(t, a.ValidateSetupCode("s1", testMasterCode))
	require.NoError(t, a.Register(ctx, "s1", "alice", "secret1"))
	a.Logout("s1")

	require.True(t, a.ValidateSetupCode("s2", testMasterCode))
	err := a.Register(ctx, "s2", "ALICE", "other")
	assert.ErrorIs(t, err, ErrUsernameTaken)
	assert.True(t, a.IsRegistrationAllowed("s2"), "failed registration must not consume the marker")
	assert.Equal(t, StatusRegistrationRequired, a.CurrentStatus("s2"))

	assert.ErrorIs(t, a.Register(ctx, "s2", "  ", "x"), ErrInvalidInput)
}

func TestAuthority_EndToEnd(t *testing.T) {
	ctx := context.Background()
	a := newTestAuthority(t, nil)

	t.Log("S submits the setup code")
	a.Open("S")
	require.True(t, a.ValidateSetupCode("S", testMasterCode))
	assert.Equal(t, AwaitingRegistration, a.State("S"))

	t.Log("S registers alice (auto-authenticates)")
	require.NoError(t, a.Register(ctx, "S", "alice", "secret1"))
	assert.False(t, a.IsRegistrationAllowed("S"))
	assert.Equal(t, StatusAuthenticated, a.CurrentStatus("S"))

	t.Log("S logs out and logs back in")
	a.Logout("S")
	assert.False(t, a.IsAuthenticated("S"))
	assert.False(t, a.Authenticate(ctx, "S", "alice", "wrong"))
	assert.Equal(t, Unauthenticated, a.State("S"))
	require.True(t, a.Authenticate(ctx, "S", "Alice", "secret1"))

	principal, ok := a.Principal("S")
	require.True(t, ok)
	assert.Equal(t, "alice", principal, "stored username casing is the principal")

	t.Log("a fresh session is not authenticated")
	a.Open("T")
	assert.False(t, a.IsAuthenticated("T"))
	assert.False(t, a.Authenticate(ctx, "T", "mallory", "secret1"))
}

func TestAuthority_PrincipalDoesNotChangeWithoutLogout(t *testing.T) {
	ctx := context.Background()
	a := newTestAuthority(t, nil)

	require.True(t, a.ValidateSetupCode("s1", testMasterCode))
	require.NoError(t, a.Register(ctx, "s1", "alice", "secret1"))
	require.True(t, a.ValidateSetupCode("s1", testMasterCode))
	require.NoError(t, a.Register(ctx, "s1", "bob", "secret2"))

	assert.False(t, a.Authenticate(ctx, "s1", "bob", "secret2"))
	principal, _ := a.Principal("s1")
	assert.Equal(t, "alice", principal)

	a.Logout("s1")
	a.Logout("s1") // idempotent
	assert.True(t, a.Authenticate(ctx, "s1", "bob", "secret2"))
}

func TestAuthority_ConcurrentIsolation(t *testing.T) {
	ctx := context.Background()
	a := newTestAuthority(t, nil)

	require.True(t, a.ValidateSetupCode("setup", testMasterCode))
	require.NoError(t, a.Register(ctx, "setup", "alice", "secret1"))
	require.True(t, a.ValidateSetupCode("setup", testMasterCode))
	require.NoError(t, a.Register(ctx, "setup", "bob", "secret2"))
	a.Logout("setup")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("a-%d", i)
			assert.True(t, a.Authenticate(ctx, id, "alice", "secret1"))
			p, _ := a.Principal(id)
			assert.Equal(t, "alice", p)
		}(i)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("b-%d", i)
			assert.True(t, a.Authenticate(ctx, id, "bob", "secret2"))
			p, _ := a.Principal(id)
			assert.Equal(t, "bob", p)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 20, a.SessionCount())
}

func TestAuthority_ConcurrentRegisterConsumesMarkerOnce(t *testing.T) {
	ctx := context.Background()
	a := newTestAuthority(t, nil)
	require.True(t, a.ValidateSetupCode("s1", testMasterCode))

	var wg sync.WaitGroup
	results := make([]error, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = a.Register(ctx, "s1", fmt.Sprintf("user%d", i), "pw")
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range results {
		if err == nil {
			succeeded++
		} else {
			assert.True(t, errors.Is(err, ErrNotAllowed), "unexpected error %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
}

func TestAuthority_ResumeWithToken(t *testing.T) {
	ctx := context.Background()
	_, rdb := newTestRedis(t)
	store := NewRedisStore(rdb, "test")
	require.NoError(t, store.Load(ctx))

	tokens, err := NewTokenManager("0123456789abcdef0123", "remote-lab-01", time.Hour)
	require.NoError(t, err)

	a, err := NewAuthority(AuthorityConfig{
		MasterCode: testMasterCode,
		Store:      store,
		Hasher:     newTestHasher(t),
		Tokens:     tokens,
	})
	require.NoError(t, err)
	assert.True(t, a.TokensEnabled())

	require.True(t, a.ValidateSetupCode("s1", testMasterCode))
	require.NoError(t, a.Register(ctx, "s1", "alice", "secret1"))

	token, err := a.IssueToken("s1")
	require.NoError(t, err)

	user, err := a.Resume(ctx, "s2", token)
	require.NoError(t, err)
	assert.Equal(t, "alice", user)
	assert.True(t, a.IsAuthenticated("s2"))

	_, err = a.Resume(ctx, "s3", "garbage")
	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.False(t, a.IsAuthenticated("s3"))

	_, err = a.IssueToken("s3")
	assert.ErrorIs(t, err, ErrAuthRejected)
}

func TestAuthority_ResumeDisabled(t *testing.T) {
	a := newTestAuthority(t, nil)
	assert.False(t, a.TokensEnabled())

	_, err := a.Resume(context.Background(), "s1", "anything")
	assert.ErrorIs(t, err, ErrTokensDisabled)
}

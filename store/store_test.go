package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// backends returns every Store implementation, each freshly created.
func backends(t *testing.T) map[string]Store {
	t.Helper()

	fs, err := NewFileStore(filepath.Join(t.TempDir(), "creds", "tokens.json"))
	require.NoError(t, err)

	mr, err := miniredis.Run()
	require.NoError(t, err, "start miniredis")
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})

	return map[string]Store{
		"memory": NewMemoryStore(),
		"file":   fs,
		"redis":  NewRedisStore(client),
	}
}

func TestStore_Contract(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := s.Get(ctx, "access_token")
			require.ErrorIs(t, err, ErrNotFound, "missing key should be ErrNotFound")

			require.NoError(t, s.Set(ctx, "access_token", "tok-1"))
			v, err := s.Get(ctx, "access_token")
			require.NoError(t, err)
			assert.Equal(t, "tok-1", v)

			require.NoError(t, s.Set(ctx, "access_token", "tok-2"))
			v, err = s.Get(ctx, "access_token")
			require.NoError(t, err)
			assert.Equal(t, "tok-2", v, "set should overwrite")

			require.NoError(t, s.Remove(ctx, "access_token"))
			_, err = s.Get(ctx, "access_token")
			require.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.Remove(ctx, "access_token"), "removing a missing key is not an error")
		})
	}
}

func TestNamespaced_KeepsProfilesApart(t *testing.T) {
	ctx := context.Background()
	base := NewMemoryStore()

	work := Namespaced(base, ProfileNamespace("work"))
	home := Namespaced(base, ProfileNamespace("home"))

	require.NoError(t, work.Set(ctx, "access_token", "work-token"))
	require.NoError(t, home.Set(ctx, "access_token", "home-token"))

	v, err := work.Get(ctx, "access_token")
	require.NoError(t, err)
	assert.Equal(t, "work-token", v)

	require.NoError(t, home.Remove(ctx, "access_token"))
	_, err = home.Get(ctx, "access_token")
	require.ErrorIs(t, err, ErrNotFound)

	v, err = work.Get(ctx, "access_token")
	require.NoError(t, err)
	assert.Equal(t, "work-token", v, "removing one profile must not touch another")

	assert.Equal(t, []string{"storefront:work:access_token"}, base.Keys())
}

func TestNamespaced_EmptyPrefixIsPassthrough(t *testing.T) {
	base := NewMemoryStore()
	assert.Same(t, Store(base), Namespaced(base, ""))
}

func TestFileStore_ConcurrentWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	s, err := NewFileStore(path)
	require.NoError(t, err)

	const goroutines = 10
	var wg sync.WaitGroup

	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func(id int) {
			defer wg.Done()
			key := fmt.Sprintf("storefront:profile-%d:access_token", id)
			if err := s.Set(context.Background(), key, fmt.Sprintf("token-%d", id)); err != nil {
				t.Errorf("goroutine %d: set failed: %v", id, err)
			}
		}(i)
	}
	wg.Wait()

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var file credentialFile
	require.NoError(t, json.Unmarshal(data, &file))
	assert.Len(t, file.Entries, goroutines, "every profile entry should survive")

	_, err = os.Stat(path + ".lock")
	assert.True(t, os.IsNotExist(err), "lock file should be released")
}

func TestFileStore_FileMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	s, err := NewFileStore(path)
	require.NoError(t, err)

	require.NoError(t, s.Set(context.Background(), "access_token", "secret"))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestFileStore_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	s, err := NewFileStore(path)
	require.NoError(t, err)

	_, err = s.Get(context.Background(), "access_token")
	var storeErr *Error
	require.ErrorAs(t, err, &storeErr, "corrupt file should surface as a store error")
	assert.Equal(t, "get", storeErr.Op)

	require.NoError(t, s.Set(context.Background(), "access_token", "fresh"), "set replaces a corrupt file")
	v, err := s.Get(context.Background(), "access_token")
	require.NoError(t, err)
	assert.Equal(t, "fresh", v)
}

func TestRedisStore_Unavailable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()

	s := NewRedisStore(client)
	mr.Close()

	_, err = s.Get(context.Background(), "access_token")
	var storeErr *Error
	require.ErrorAs(t, err, &storeErr)
	assert.Equal(t, "get", storeErr.Op)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestOpenRedisStore(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	s, err := OpenRedisStore(context.Background(), "redis://"+mr.Addr()+"/0")
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Set(context.Background(), "k", "v"))
	got, err := mr.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)

	_, err = OpenRedisStore(context.Background(), "not-a-url")
	require.Error(t, err)
}

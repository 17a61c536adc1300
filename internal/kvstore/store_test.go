package kvstore

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/sealed-store/internal/cache"
	"github.com/kenneth/sealed-store/internal/crypto"
)

type staticDeriver struct {
	secret []byte
}

func (d staticDeriver) Derive(label string) ([]byte, error) {
	return crypto.DeriveKey(d.secret, nil, label)
}

func testDeriver() staticDeriver {
	return staticDeriver{secret: bytes.Repeat([]byte{0x5A}, crypto.KeySize)}
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

type backendFactory struct {
	name string
	open func(t *testing.T) Backend
}

func backends() []backendFactory {
	return []backendFactory{
		{"memory", func(t *testing.T) Backend { return NewMemoryBackend() }},
		{"file", func(t *testing.T) Backend {
			b, err := OpenFileBackend(filepath.Join(t.TempDir(), "kv", "secrets.json"))
			require.NoError(t, err)
			return b
		}},
		{"sqlite", func(t *testing.T) Backend {
			b, err := OpenSQLiteBackend(":memory:")
			require.NoError(t, err)
			return b
		}},
	}
}

func newStore(t *testing.T, backend Backend, opts ...Option) *Store {
	t.Helper()
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	s, err := New(testDeriver(), backend, opts...)
	require.NoError(t, err)
	return s
}

func TestStore_Scenario(t *testing.T) {
	for _, bf := range backends() {
		t.Run(bf.name, func(t *testing.T) {
			ctx := context.Background()
			backend := bf.open(t)
			s := newStore(t, backend)
			defer s.Close()

			require.NoError(t, s.Put(ctx, "token", "abc123"))

			v, ok, err := s.Get(ctx, "token")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "abc123", v)

			_, ok, err = s.Get(ctx, "missing")
			require.NoError(t, err)
			assert.False(t, ok)

			// Nothing persisted reveals the plaintext.
			ids, err := backend.List(ctx)
			require.NoError(t, err)
			require.Len(t, ids, 1)
			assert.NotContains(t, ids[0], "token")
			e, err := backend.Get(ctx, ids[0])
			require.NoError(t, err)
			assert.False(t, bytes.Contains(e.EncKey, []byte("token")))
			assert.False(t, bytes.Contains(e.EncValue, []byte("abc123")))

			deleted, err := s.Delete(ctx, "token")
			require.NoError(t, err)
			assert.True(t, deleted)

			deleted, err = s.Delete(ctx, "token")
			require.NoError(t, err)
			assert.False(t, deleted)

			_, ok, err = s.Get(ctx, "token")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestStore_RoundTripEdgeValues(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, NewMemoryBackend())

	cases := map[string]string{
		"":              "empty key",
		"empty value":   "",
		"unicode ключ":  "значение ✓",
		"big":           strings.Repeat("x", 1<<16),
		"with\x00nul":   "a\x00b",
		"token":         "abc123",
		"Token":         "different case",
	}
	for k, v := range cases {
		require.NoError(t, s.Put(ctx, k, v))
	}
	for k, v := range cases {
		got, ok, err := s.Get(ctx, k)
		require.NoError(t, err, k)
		assert.True(t, ok, k)
		assert.Equal(t, v, got, k)
	}

	keys, err := s.Keys(ctx)
	require.NoError(t, err)
	assert.Len(t, keys, len(cases))
}

func TestStore_Overwrite(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, NewMemoryBackend())

	require.NoError(t, s.Put(ctx, "token", "v1"))
	require.NoError(t, s.Put(ctx, "token", "v2"))

	v, ok, err := s.Get(ctx, "token")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v2", v)
}

func TestStore_FreshNoncePerPut(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	s := newStore(t, backend)

	require.NoError(t, s.Put(ctx, "token", "same"))
	first, err := backend.Get(ctx, s.LookupID("token"))
	require.NoError(t, err)

	require.NoError(t, s.Put(ctx, "token", "same"))
	second, err := backend.Get(ctx, s.LookupID("token"))
	require.NoError(t, err)

	assert.NotEqual(t, first.Nonce, second.Nonce)
	assert.NotEqual(t, first.EncValue, second.EncValue)
}

func TestStore_DetectsTampering(t *testing.T) {
	for _, bf := range backends() {
		t.Run(bf.name, func(t *testing.T) {
			ctx := context.Background()
			backend := bf.open(t)
			s := newStore(t, backend)
			defer s.Close()

			require.NoError(t, s.Put(ctx, "token", "abc123"))
			id := s.LookupID("token")
			orig, err := backend.Get(ctx, id)
			require.NoError(t, err)

			fields := map[string]func(e *Entry) []byte{
				"key":   func(e *Entry) []byte { return e.EncKey },
				"value": func(e *Entry) []byte { return e.EncValue },
				"nonce": func(e *Entry) []byte { return e.Nonce },
			}
			for name, field := range fields {
				for i := range field(orig) {
					tampered := orig.clone()
					field(tampered)[i] ^= 0x01
					require.NoError(t, backend.Put(ctx, id, tampered))

					_, _, err := s.Get(ctx, "token")
					require.ErrorIs(t, err, crypto.ErrAuthenticationFailed, "%s byte %d", name, i)
				}
			}

			truncated := orig.clone()
			truncated.EncValue = truncated.EncValue[:len(truncated.EncValue)-1]
			require.NoError(t, backend.Put(ctx, id, truncated))
			_, _, err = s.Get(ctx, "token")
			assert.ErrorIs(t, err, crypto.ErrAuthenticationFailed)

			require.NoError(t, backend.Put(ctx, id, orig))
			v, ok, err := s.Get(ctx, "token")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "abc123", v)
		})
	}
}

func TestStore_DetectsSwappedEntries(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	s := newStore(t, backend)

	require.NoError(t, s.Put(ctx, "a", "value-a"))
	require.NoError(t, s.Put(ctx, "b", "value-b"))

	entryA, err := backend.Get(ctx, s.LookupID("a"))
	require.NoError(t, err)
	require.NoError(t, backend.Put(ctx, s.LookupID("b"), entryA))

	_, _, err = s.Get(ctx, "b")
	assert.ErrorIs(t, err, crypto.ErrAuthenticationFailed)

	_, err = s.Keys(ctx)
	assert.ErrorIs(t, err, crypto.ErrAuthenticationFailed)
}

func TestStore_WrongMasterKey(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	s := newStore(t, backend)
	require.NoError(t, s.Put(ctx, "token", "abc123"))

	other, err := New(staticDeriver{secret: bytes.Repeat([]byte{0x01}, crypto.KeySize)}, backend, WithLogger(quietLogger()))
	require.NoError(t, err)

	// A different master key maps the key to a different lookup id.
	_, ok, err := other.Get(ctx, "token")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = other.Keys(ctx)
	assert.ErrorIs(t, err, crypto.ErrAuthenticationFailed)
}

func TestStore_SurvivesRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	factories := map[string]func() (Backend, error){
		"file": func() (Backend, error) { return OpenFileBackend(filepath.Join(dir, "secrets.json")) },
		"sqlite": func() (Backend, error) {
			return OpenSQLiteBackend(filepath.Join(dir, "secrets.db"))
		},
	}
	for name, open := range factories {
		t.Run(name, func(t *testing.T) {
			b1, err := open()
			require.NoError(t, err)
			s1 := newStore(t, b1)
			require.NoError(t, s1.Put(ctx, "token", "abc123"))
			require.NoError(t, s1.Close())

			b2, err := open()
			require.NoError(t, err)
			s2 := newStore(t, b2)
			defer s2.Close()

			v, ok, err := s2.Get(ctx, "token")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "abc123", v)
		})
	}
}

func TestFileBackend_FileFormat(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "secrets.json")
	b, err := OpenFileBackend(path)
	require.NoError(t, err)
	s := newStore(t, b)
	require.NoError(t, s.Put(ctx, "token", "abc123"))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"v":1`)
	assert.Contains(t, string(data), s.LookupID("token"))
	assert.NotContains(t, string(data), "token")
	assert.NotContains(t, string(data), "abc123")

	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0o600))
	_, err = OpenFileBackend(path)
	assert.Error(t, err)
}

func TestStore_ConcurrentPuts(t *testing.T) {
	for _, bf := range backends() {
		t.Run(bf.name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t, bf.open(t))
			defer s.Close()

			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(2)
				go func(i int) {
					defer wg.Done()
					assert.NoError(t, s.Put(ctx, fmt.Sprintf("key-%d", i), fmt.Sprintf("value-%d", i)))
				}(i)
				go func(i int) {
					defer wg.Done()
					assert.NoError(t, s.Put(ctx, "shared", fmt.Sprintf("value-%d", i)))
				}(i)
			}
			wg.Wait()

			for i := 0; i < 20; i++ {
				v, ok, err := s.Get(ctx, fmt.Sprintf("key-%d", i))
				require.NoError(t, err)
				assert.True(t, ok)
				assert.Equal(t, fmt.Sprintf("value-%d", i), v)
			}

			// The shared key holds exactly one of the written values.
			v, ok, err := s.Get(ctx, "shared")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.True(t, strings.HasPrefix(v, "value-"))
		})
	}
}

func TestStore_CacheInvalidation(t *testing.T) {
	ctx := context.Background()
	c := cache.NewMemoryCache(1<<20, 100, time.Minute)
	s := newStore(t, NewMemoryBackend(), WithCache(c, time.Minute))

	require.NoError(t, s.Put(ctx, "token", "v1"))
	v, _, err := s.Get(ctx, "token")
	require.NoError(t, err)
	assert.Equal(t, "v1", v)
	assert.Equal(t, 1, c.Stats().Items)

	require.NoError(t, s.Put(ctx, "token", "v2"))
	v, _, err = s.Get(ctx, "token")
	require.NoError(t, err)
	assert.Equal(t, "v2", v)

	_, err = s.Delete(ctx, "token")
	require.NoError(t, err)
	_, ok, err := s.Get(ctx, "token")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_ChaCha20Poly1305(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, NewMemoryBackend(), WithAlgorithm(crypto.AlgorithmChaCha20Poly1305))

	require.NoError(t, s.Put(ctx, "token", "abc123"))
	v, ok, err := s.Get(ctx, "token")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "abc123", v)

	_, err = New(testDeriver(), NewMemoryBackend(), WithAlgorithm("ROT13"))
	assert.Error(t, err)
}

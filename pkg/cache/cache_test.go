package cache

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type handle struct{ key string }

func TestGetBuildsOncePerKey(t *testing.T) {
	reg := NewRegistry[*handle]()
	var builds atomic.Int32

	build := func(key string) func() (*handle, error) {
		return func() (*handle, error) {
			builds.Add(1)
			time.Sleep(10 * time.Millisecond)
			return &handle{key: key}, nil
		}
	}

	var wg sync.WaitGroup
	results := make([]*handle, 32)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := reg.Get("index-a", build("index-a"))
			assert.NoError(t, err)
			results[i] = h
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), builds.Load())
	for _, h := range results {
		assert.Same(t, results[0], h)
	}

	other, err := reg.Get("index-b", build("index-b"))
	require.NoError(t, err)
	assert.Equal(t, "index-b", other.key)
	assert.Equal(t, int32(2), builds.Load())
	assert.Equal(t, 2, reg.Len())
}

func TestGetDoesNotCacheFailures(t *testing.T) {
	reg := NewRegistry[int]()
	calls := 0

	_, err := reg.Get("k", func() (int, error) {
		calls++
		return 0, errors.New("boom")
	})
	require.Error(t, err)

	v, err := reg.Get("k", func() (int, error) {
		calls++
		return 7, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, v)
	assert.Equal(t, 2, calls)
}

func TestCloseReleasesAll(t *testing.T) {
	reg := NewRegistry[string]()
	for _, k := range []string{"a", "b"} {
		_, err := reg.Get(k, func() (string, error) { return "v" + k, nil })
		require.NoError(t, err)
	}

	released := map[string]string{}
	err := reg.Close(func(k, v string) error {
		released[k] = v
		if k == "a" {
			return errors.New("close a")
		}
		return nil
	})
	require.EqualError(t, err, "close a")
	assert.Equal(t, map[string]string{"a": "va", "b": "vb"}, released)
	assert.Equal(t, 0, reg.Len())
}

func TestLookupDoesNotBuild(t *testing.T) {
	reg := NewRegistry[*handle]()

	_, ok := reg.Lookup("a")
	assert.False(t, ok)
	assert.Equal(t, 0, reg.Len())

	built, err := reg.Get("a", func() (*handle, error) { return &handle{key: "a"}, nil })
	require.NoError(t, err)

	got, ok := reg.Lookup("a")
	require.True(t, ok)
	assert.Same(t, built, got)
}

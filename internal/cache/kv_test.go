package cache

import (
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileKV(t *testing.T) {
	kv, err := NewFileKV(t.TempDir(), "keys")
	require.NoError(t, err)

	_, ok, err := kv.Get("k")
	require.NoError(t, err)
	assert.False(t, ok)

	won, err := kv.SetIfAbsent("k", "first")
	require.NoError(t, err)
	assert.True(t, won)

	won, err = kv.SetIfAbsent("k", "second")
	require.NoError(t, err)
	assert.False(t, won)

	v, ok, err := kv.Get("k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "first", v)

	require.NoError(t, kv.Set("k", "third"))
	v, _, _ = kv.Get("k")
	assert.Equal(t, "third", v)

	require.NoError(t, kv.Delete("k"))
	require.NoError(t, kv.Delete("k"))
	_, ok, _ = kv.Get("k")
	assert.False(t, ok)
}

func TestFileKVRejectsPathKeys(t *testing.T) {
	_, err := NewFileKV(t.TempDir(), "../x")
	assert.Error(t, err)

	kv, err := NewFileKV(t.TempDir(), "configs")
	require.NoError(t, err)
	assert.Error(t, kv.Set("../escape", "v"))
}

func TestFileKVConcurrentSetNeverTears(t *testing.T) {
	dir := t.TempDir()
	big := strings.Repeat("b", 64<<10)
	small := "s"

	var wg sync.WaitGroup
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			// separate instances over one directory, like separate processes
			kv, err := NewFileKV(dir, "configs")
			if !assert.NoError(t, err) {
				return
			}
			value := small
			if w%2 == 0 {
				value = big
			}
			for i := 0; i < 50; i++ {
				assert.NoError(t, kv.Set("k", value))
				got, ok, err := kv.Get("k")
				assert.NoError(t, err)
				assert.True(t, ok)
				assert.True(t, got == big || got == small, "torn value of length %d", len(got))
			}
		}(w)
	}
	wg.Wait()

	entries, err := os.ReadDir(dir + "/configs")
	require.NoError(t, err)
	require.Len(t, entries, 1, "temporary files must not be left behind")
	assert.Equal(t, "k", entries[0].Name())
}

package compiler

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const batchSource = `
.method static T.one ()I
    iconst_1
    ireturn
.end
.method static T.two ()I
    iconst_2
    ireturn
.end
.method static T.sub ()V
    jsr s
    return
s:
    return
.end
.method static T.three ()I
    iconst_3
    ireturn
.end
`

func TestCacheKey(t *testing.T) {
	prog := assemble(t, batchSource)
	one, two := prog.Method("T.one:()I"), prog.Method("T.two:()I")
	cfg := DefaultConfig()

	require.Equal(t, CacheKey(one, cfg), CacheKey(one, cfg))
	require.NotEqual(t, CacheKey(one, cfg), CacheKey(two, cfg))

	other := cfg
	other.ElideConstantGuards = false
	require.NotEqual(t, CacheKey(one, cfg), CacheKey(one, other))

	same := *one
	same.Code = append([]byte(nil), one.Code...)
	require.Equal(t, CacheKey(one, cfg), CacheKey(&same, cfg))
	same.Code[0]++
	require.NotEqual(t, CacheKey(one, cfg), CacheKey(&same, cfg))
}

func TestModuleCache(t *testing.T) {
	prog := assemble(t, batchSource)
	m := prog.Method("T.one:()I")
	cfg := DefaultConfig()
	key := CacheKey(m, cfg)

	cache := NewModuleCache(2)
	_, ok := cache.Get(key)
	require.False(t, ok)

	cache.Add(key, NewEmitter("T.one:()I").Module())
	require.Zero(t, cache.Len(), "unfrozen modules are not cached")

	mod, err := GenerateModule(m, cfg)
	require.NoError(t, err)
	cache.Add(key, mod)
	got, ok := cache.Get(key)
	require.True(t, ok)
	require.Same(t, mod, got)

	cache.Remove(key)
	require.Zero(t, cache.Len())
}

func TestBrokerCompileAll(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Workers = 2
	cfg.DumpIR = true
	b, err := NewBroker(cfg)
	require.NoError(t, err)
	defer b.Close()

	prog := assemble(t, batchSource)
	results := b.CompileAll(context.Background(), prog.Methods)
	require.Len(t, results, len(prog.Methods))
	for i, r := range results {
		require.Equal(t, prog.Methods[i].Key(), r.Method)
		if r.Method == "T.sub:()V" {
			require.ErrorIs(t, r.Err, ErrUnsupported)
			require.Nil(t, r.Module)
			continue
		}
		require.NoError(t, r.Err, r.Method)
		require.True(t, r.Module.Frozen())
		require.False(t, r.Cached)
		require.Contains(t, r.IR, "define i32 @"+r.Method)
	}
	require.Equal(t, 3, b.Cache().Len())

	again := b.CompileAll(context.Background(), prog.Methods)
	for i, r := range again {
		if r.Err == nil {
			require.True(t, r.Cached, r.Method)
			require.Same(t, results[i].Module, r.Module)
		}
	}
}

func TestBrokerConcurrentRequestsShareModules(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Workers = 4
	b, err := NewBroker(cfg)
	require.NoError(t, err)
	defer b.Close()

	m := method(t, cleanupSource, "T.run:(I)I")
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		mods = map[*Module]bool{}
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := b.Compile(context.Background(), m)
			assert.NoError(t, r.Err)
			mu.Lock()
			mods[r.Module] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	require.Len(t, mods, 1, "identical requests yield one module")
}

func TestBrokerCancelled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Workers = 1
	b, err := NewBroker(cfg)
	require.NoError(t, err)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	prog := assemble(t, batchSource)
	for _, r := range b.CompileAll(ctx, prog.Methods) {
		require.ErrorIs(t, r.Err, context.Canceled)
		require.Nil(t, r.Module)
	}
	require.Zero(t, b.Cache().Len())

	_, err = NewBroker(Config{Workers: 0, MaxCleanupNesting: 1})
	require.Error(t, err)
}

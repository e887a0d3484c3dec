package compiler

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/lru"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/vmjit/bcjit/core/jit/bytecode"
)

// ModuleCache keeps frozen modules keyed by the hash of everything that
// determines a translation. Frozen modules are immutable, so one cached
// module may be handed to any number of callers.
type ModuleCache struct {
	modules *lru.Cache[common.Hash, *Module]
}

// NewModuleCache creates a cache holding up to size modules.
func NewModuleCache(size int) *ModuleCache {
	if size < 1 {
		size = 1
	}
	return &ModuleCache{modules: lru.NewCache[common.Hash, *Module](size)}
}

// CacheKey hashes the method identity, its code and exception table and
// the output-relevant configuration.
func CacheKey(m *bytecode.Method, cfg Config) common.Hash {
	var num [8]byte
	parts := [][]byte{[]byte(m.Key()), m.Code}
	for _, e := range m.Exceptions {
		for _, v := range []int{e.StartBCI, e.EndBCI, e.HandlerBCI} {
			binary.BigEndian.PutUint64(num[:], uint64(v))
			parts = append(parts, append([]byte(nil), num[:]...))
		}
		flag := "catch:"
		if e.Finally {
			flag = "finally:"
		}
		parts = append(parts, []byte(flag+e.CatchType))
	}
	if m.Static {
		parts = append(parts, []byte("static"))
	}
	// Resolved pool entries feed the output too: field layouts of `new`,
	// literals and call targets.
	if m.Pool != nil {
		for i := 1; i < m.Pool.Len(); i++ {
			c, err := m.Pool.Entry(i)
			if err != nil {
				continue
			}
			parts = append(parts, []byte(c.Render()))
			if c.Tag == bytecode.ConstClass {
				for _, f := range c.Class.Fields {
					parts = append(parts, []byte(f.Key()+":"+f.Desc))
				}
			}
		}
	}
	parts = append(parts, []byte(cfg.fingerprint()))
	return crypto.Keccak256Hash(parts...)
}

// Get returns the cached module for key.
func (c *ModuleCache) Get(key common.Hash) (*Module, bool) {
	mod, ok := c.modules.Get(key)
	if ok {
		cacheHitMeter.Mark(1)
	} else {
		cacheMissMeter.Mark(1)
	}
	return mod, ok
}

// Add stores a frozen module.
func (c *ModuleCache) Add(key common.Hash, mod *Module) {
	if mod == nil || !mod.Frozen() {
		return
	}
	c.modules.Add(key, mod)
}

// Remove drops the entry for key.
func (c *ModuleCache) Remove(key common.Hash) { c.modules.Remove(key) }

// Len returns the number of cached modules.
func (c *ModuleCache) Len() int { return c.modules.Len() }

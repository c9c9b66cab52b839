package command

import (
	"hash/fnv"
	"sync"
)

const lockStripes = 64

// keyLocks serializes writers of the same key inside one process. Stores
// still compare-and-swap, which covers writers in other processes.
type keyLocks struct {
	stripes [lockStripes]sync.Mutex
}

func (k *keyLocks) lock(key string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	m := &k.stripes[h.Sum32()%lockStripes]
	m.Lock()
	return m.Unlock
}

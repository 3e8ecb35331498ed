package demod

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryAttachDetach(t *testing.T) {
	r := NewRegistry()
	key := BusKey{Bus: "/dev/i2c-1", Addr: 0x68}

	a := r.Attach(key)
	b := r.Attach(key)
	assert.Same(t, a, b)
	assert.Equal(t, 2, r.Users(key))

	other := r.Attach(BusKey{Bus: "/dev/i2c-1", Addr: 0x6a})
	assert.NotSame(t, a, other)

	r.Detach(key)
	s, ok := r.Lookup(key)
	require.True(t, ok)
	assert.Same(t, a, s)

	r.Detach(key)
	_, ok = r.Lookup(key)
	assert.False(t, ok)
	assert.Zero(t, r.Users(key))

	// detaching an unknown chip is a no-op
	r.Detach(key)
	assert.Zero(t, r.Users(key))
}

func TestRegistryConcurrentAttach(t *testing.T) {
	r := NewRegistry()
	key := BusKey{Bus: "sim", Addr: 0x68}

	var wg sync.WaitGroup
	got := make([]*Shared, 16)
	for i := range got {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got[i] = r.Attach(key)
		}()
	}
	wg.Wait()
	for _, s := range got {
		assert.Same(t, got[0], s)
	}
	assert.Equal(t, 16, r.Users(key))
}

func TestBusKeyString(t *testing.T) {
	assert.Equal(t, "/dev/i2c-1@0x68", BusKey{Bus: "/dev/i2c-1", Addr: 0x68}.String())
}

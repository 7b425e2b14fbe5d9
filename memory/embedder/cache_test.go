package embedder_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/becomeliminal/codemem/memory/embedder"
)

func TestCache_EvictsOldestInserted(t *testing.T) {
	c := embedder.NewCache(2)
	c.Put("a", []float32{1})
	c.Put("b", []float32{2})

	// Reads do not refresh position.
	_, ok := c.Get("a")
	assert.True(t, ok)

	c.Put("c", []float32{3})
	_, ok = c.Get("a")
	assert.False(t, ok)
	_, ok = c.Get("b")
	assert.True(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)
	assert.Equal(t, 2, c.Len())
}

func TestCache_ReplaceKeepsPosition(t *testing.T) {
	c := embedder.NewCache(2)
	c.Put("a", []float32{1})
	c.Put("b", []float32{2})
	c.Put("a", []float32{9})

	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, []float32{9}, v)

	c.Put("c", []float32{3})
	_, ok = c.Get("a")
	assert.False(t, ok)
}

func TestCache_DefaultSizeAndReset(t *testing.T) {
	c := embedder.NewCache(0)
	for i := 0; i < embedder.DefaultCacheSize+10; i++ {
		c.Put(string(rune('A'+i)), []float32{float32(i)})
	}
	assert.Equal(t, embedder.DefaultCacheSize, c.Len())

	c.Reset()
	assert.Equal(t, 0, c.Len())
}

package vector

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPointIDDeterministic(t *testing.T) {
	t.Parallel()

	a := PointID("asset-1", 0, "sha-aaa")
	b := PointID("asset-1", 0, "sha-aaa")
	assert.Equal(t, a, b)

	assert.NotEqual(t, a, PointID("asset-1", 1, "sha-aaa"))
	assert.NotEqual(t, a, PointID("asset-2", 0, "sha-aaa"))
	assert.NotEqual(t, a, PointID("asset-1", 0, "sha-bbb"))
}

func TestSplitQdrantURL(t *testing.T) {
	t.Parallel()

	host, port, tls, err := splitQdrantURL("http://localhost:6334")
	assert.NoError(t, err)
	assert.Equal(t, "localhost", host)
	assert.Equal(t, 6334, port)
	assert.False(t, tls)

	host, port, tls, err = splitQdrantURL("https://qdrant.internal")
	assert.NoError(t, err)
	assert.Equal(t, "qdrant.internal", host)
	assert.Equal(t, 6334, port)
	assert.True(t, tls)
}

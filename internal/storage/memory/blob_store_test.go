package memory

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/incident-harvester/internal/storage"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("ids\n1\n")
	meta := map[string]string{"run_id": "r1"}
	uri, err := store.PutObject(context.Background(), storage.Object{Key: "p/r1/a.csv", Metadata: meta}, bytes.NewReader(payload))
	require.NoError(t, err)
	assert.Equal(t, "memory://p/r1/a.csv", uri)

	payload[0] = 'X'
	meta["run_id"] = "changed"
	data, obj, ok := store.Get("p/r1/a.csv")
	require.True(t, ok)
	assert.Equal(t, "ids\n1\n", string(data))
	assert.Equal(t, "r1", obj.Metadata["run_id"])
	assert.Equal(t, []string{"p/r1/a.csv"}, store.Keys())

	_, _, ok = store.Get("missing")
	assert.False(t, ok)
	_, err = store.PutObject(context.Background(), storage.Object{}, bytes.NewReader(nil))
	require.Error(t, err)
}

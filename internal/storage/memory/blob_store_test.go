package memory

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObject(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	uri, err := store.PutObject(context.Background(), "kasp/job-1/all_KASP_primers.txt", "text/plain", strings.NewReader("content"))
	require.NoError(t, err)
	require.Equal(t, "memory://kasp/job-1/all_KASP_primers.txt", uri)

	got, ok := store.Object("kasp/job-1/all_KASP_primers.txt")
	require.True(t, ok)
	require.Equal(t, "content", string(got))

	got[0] = 'C'
	again, _ := store.Object("kasp/job-1/all_KASP_primers.txt")
	require.Equal(t, "content", string(again))
	require.Equal(t, []string{"kasp/job-1/all_KASP_primers.txt"}, store.Paths())
}

func TestBlobStoreMissingObject(t *testing.T) {
	t.Parallel()

	_, ok := NewBlobStore().Object("absent")
	require.False(t, ok)
}

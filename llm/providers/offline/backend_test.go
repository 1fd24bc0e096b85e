package offline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/evalflow/llm"
	"github.com/BaSui01/evalflow/types"
)

var _ llm.Backend = (*Backend)(nil)

func TestBackend(t *testing.T) {
	ctx := context.Background()
	b := New()

	assert.Equal(t, "offline", b.Name())
	assert.NoError(t, b.TryConnect(ctx))

	info, err := b.Info(ctx)
	require.NoError(t, err)
	assert.Empty(t, info)

	_, err = b.Generate(ctx, "prompt", types.DefaultGenerateParams())
	require.Error(t, err)
	assert.True(t, types.IsOffline(err))
}

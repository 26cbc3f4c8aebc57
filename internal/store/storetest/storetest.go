// Package storetest runs the shared behaviour checks every state backend
// must pass.
package storetest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nidhogg/msgproviders/internal/envelope"
	"github.com/nidhogg/msgproviders/internal/store"
)

// Run exercises read, write, delete, prefix deletion and env scoping.
func Run(t *testing.T, b store.Backend) {
	t.Helper()
	ctx := context.Background()
	prod := &envelope.TenantCtx{Env: "prod", Tenant: "acme"}
	dev := &envelope.TenantCtx{Env: "dev", Tenant: "acme"}

	t.Run("missing key", func(t *testing.T) {
		v, ok, err := b.Read(ctx, "messaging/none/acme/config", prod)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Nil(t, v)
	})

	t.Run("write read overwrite delete", func(t *testing.T) {
		key := "messaging/slack/acme/config"
		require.NoError(t, b.Write(ctx, key, []byte{0xa0}, prod))
		require.NoError(t, b.Write(ctx, key, []byte{0xa1, 0x61, 0x61, 0x01}, prod))
		v, ok, err := b.Read(ctx, key, prod)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, []byte{0xa1, 0x61, 0x61, 0x01}, v)

		require.NoError(t, b.Delete(ctx, key, prod))
		_, ok, err = b.Read(ctx, key, prod)
		require.NoError(t, err)
		assert.False(t, ok)
		require.NoError(t, b.Delete(ctx, key, prod), "deleting a missing key is not an error")
	})

	t.Run("env scoping", func(t *testing.T) {
		key := "messaging/telegram/acme/config"
		require.NoError(t, b.Write(ctx, key, []byte("p"), prod))
		_, ok, err := b.Read(ctx, key, dev)
		require.NoError(t, err)
		assert.False(t, ok)
		require.NoError(t, b.Delete(ctx, key, prod))
	})

	t.Run("delete prefix", func(t *testing.T) {
		keep := "messaging/webex/acme/config"
		for _, k := range []string{
			"messaging/webex/acme/state/subs/1",
			"messaging/webex/acme/state/subs/2",
			"messaging/webex/acme/state/cursor",
			keep,
		} {
			require.NoError(t, b.Write(ctx, k, []byte("x"), prod))
		}
		require.NoError(t, b.Write(ctx, "messaging/webex/acme/state/other-env", []byte("x"), dev))

		n, err := b.DeletePrefix(ctx, "messaging/webex/acme/state/", prod)
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		_, ok, err := b.Read(ctx, keep, prod)
		require.NoError(t, err)
		assert.True(t, ok)
		_, ok, err = b.Read(ctx, "messaging/webex/acme/state/other-env", dev)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

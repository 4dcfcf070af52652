//go:build integration

package gateway

import (
	"context"
	"testing"

	"github.com/mbd888/escrowpay/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresAccountStore_Upsert(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	t.Cleanup(cleanup)
	store := NewPostgresAccountStore(db)
	ctx := context.Background()

	_, err := store.Get(ctx, 2)
	assert.ErrorIs(t, err, ErrAccountNotFound)

	require.NoError(t, store.Upsert(ctx, &PayoutAccount{UserID: 2, ExternalAccountID: "acct_old"}))
	acct := &PayoutAccount{UserID: 2, ExternalAccountID: "acct_new", PayoutsEnabled: true}
	require.NoError(t, store.Upsert(ctx, acct))
	assert.False(t, acct.UpdatedAt.IsZero())

	got, err := store.Get(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, "acct_new", got.ExternalAccountID)
	assert.True(t, got.PayoutsEnabled)
}

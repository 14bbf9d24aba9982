package custody_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"legacyvault/custody"
)

func TestRegistry(t *testing.T) {
	r := custody.NewRegistry()
	p := custody.Params{Owner: owner, Beneficiary: beneficiary, InitialDeposit: 5, CreatedAt: created}

	a, err := r.Create("b", p)
	require.NoError(t, err)
	_, err = r.Create("a", custody.Params{Owner: stranger, Beneficiary: owner, CreatedAt: created})
	require.NoError(t, err)

	_, err = r.Create("b", p)
	assert.ErrorIs(t, err, custody.ErrDuplicateAgreement)
	_, err = r.Create("c", custody.Params{Owner: owner})
	assert.ErrorIs(t, err, custody.ErrMissingParty)

	got, err := r.Get("b")
	require.NoError(t, err)
	assert.Same(t, a, got)

	_, err = r.Get("missing")
	assert.ErrorIs(t, err, custody.ErrAgreementNotFound)

	assert.Equal(t, []string{"a", "b"}, r.IDs())
}

func TestRegistry_agreementsAreIndependent(t *testing.T) {
	r := custody.NewRegistry()
	p := custody.Params{Owner: owner, Beneficiary: beneficiary, InitialDeposit: 5, CreatedAt: created}
	first, err := r.Create("first", p)
	require.NoError(t, err)
	second, err := r.Create("second", p)
	require.NoError(t, err)

	_, err = first.Terminate(context.Background(), at(owner, time.Hour), newWallets())
	require.NoError(t, err)

	assert.False(t, first.IsActive())
	assert.True(t, second.IsActive())
	assert.Equal(t, custody.Amount(5), second.Balance())
}

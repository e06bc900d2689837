package memory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xraph/billing"
	"github.com/xraph/billing/store"
	"github.com/xraph/billing/store/memory"
	"github.com/xraph/billing/store/storetest"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return memory.New() })
}

func TestClosedStoreRefusesWrites(t *testing.T) {
	s := memory.New()
	require.NoError(t, s.Close())

	_, err := s.Balance(context.Background(), "t1")
	require.ErrorIs(t, err, billing.ErrStoreClosed)
	require.ErrorIs(t, s.Ping(context.Background()), billing.ErrStoreClosed)
}

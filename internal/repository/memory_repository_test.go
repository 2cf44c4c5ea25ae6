package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"approval-engine/internal/models"
)

func TestMemoryRepository_WriteOutsideTransactionSurvivesRollback(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	opened := make(chan struct{})
	release := make(chan struct{})
	txDone := make(chan error, 1)
	go func() {
		txDone <- repo.WithTransaction(ctx, func(tx Store) error {
			close(opened)
			<-release
			return errors.New("boom")
		})
	}()
	<-opened

	written := make(chan error, 1)
	go func() {
		written <- repo.CreateFlow(ctx, &models.ApprovalFlow{
			Name:       "Late flow",
			Slug:       "late-flow",
			EntityType: "invoice",
			IsActive:   true,
		})
	}()

	select {
	case err := <-written:
		t.Fatalf("write finished while a transaction was open: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.Error(t, <-txDone)
	require.NoError(t, <-written)

	_, err := repo.GetFlowBySlug(ctx, "late-flow")
	require.NoError(t, err)
}

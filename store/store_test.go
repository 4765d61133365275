package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func openTestStore(t *testing.T) *Store {
	s, err := Open(":memory:", zaptest.NewLogger(t))
	require.NoError(t, err)
	return s
}

func TestUpsert_InsertThenUpdate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.Upsert(ctx, CredentialRecord{
		ProjectID:    "proj-1",
		RefreshToken: "rt-1",
		AccessToken:  "at-1",
		Tier:         "free",
		Active:       true,
	})
	require.NoError(t, err)
	assert.Positive(t, id)

	// Same project id updates in place.
	id2, err := s.Upsert(ctx, CredentialRecord{
		ProjectID:    "proj-1",
		RefreshToken: "rt-2",
		AccessToken:  "at-2",
		Tier:         "paid",
		Active:       true,
	})
	require.NoError(t, err)
	assert.Equal(t, id, id2)

	rows, err := s.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "rt-2", rows[0].RefreshToken)
	assert.Equal(t, "paid", rows[0].Tier)
}

func TestUpsert_EmptyProjectKeysOnRefreshToken(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// Two accounts registered before onboarding has discovered either
	// project must stay distinct rows.
	id1, err := s.Upsert(ctx, CredentialRecord{RefreshToken: "rt-account-1", Active: true})
	require.NoError(t, err)
	id2, err := s.Upsert(ctx, CredentialRecord{RefreshToken: "rt-account-2", Active: true})
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	rows, err := s.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	// Re-submitting the same token is a re-registration, not a new row.
	id3, err := s.Upsert(ctx, CredentialRecord{RefreshToken: "rt-account-1", Active: true})
	require.NoError(t, err)
	assert.Equal(t, id1, id3)
}

func TestUpsert_ReRegisterKeepsDiscoveredProject(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.Upsert(ctx, CredentialRecord{RefreshToken: "rt-1", Active: true})
	require.NoError(t, err)
	require.NoError(t, s.UpdateByID(ctx, id, CredentialRecord{
		ProjectID:    "proj-discovered",
		AccessToken:  "at-1",
		RefreshToken: "rt-1",
		Tier:         "free",
		Active:       true,
	}))

	// A later registration of the same account carries no project id;
	// the discovered one must survive.
	id2, err := s.Upsert(ctx, CredentialRecord{RefreshToken: "rt-1", Active: true})
	require.NoError(t, err)
	assert.Equal(t, id, id2)

	rows, err := s.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "proj-discovered", rows[0].ProjectID)
	assert.Equal(t, "at-1", rows[0].AccessToken)
	assert.Equal(t, "free", rows[0].Tier)
}

func TestListActive_ExcludesInactive(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id1, err := s.Upsert(ctx, CredentialRecord{ProjectID: "p1", RefreshToken: "r1", Active: true})
	require.NoError(t, err)
	_, err = s.Upsert(ctx, CredentialRecord{ProjectID: "p2", RefreshToken: "r2", Active: true})
	require.NoError(t, err)

	require.NoError(t, s.SetStatus(ctx, id1, false))

	rows, err := s.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "p2", rows[0].ProjectID)
}

func TestUpdateByID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.Upsert(ctx, CredentialRecord{ProjectID: "p1", RefreshToken: "r1", Active: true})
	require.NoError(t, err)

	expires := time.Now().Add(time.Hour).Truncate(time.Second)
	err = s.UpdateByID(ctx, id, CredentialRecord{
		ProjectID:    "p1-discovered",
		Email:        "dev@example.com",
		AccessToken:  "at-new",
		RefreshToken: "r1",
		ExpiresAt:    expires,
		Tier:         "free",
		Active:       true,
	})
	require.NoError(t, err)

	rows, err := s.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "p1-discovered", rows[0].ProjectID)
	assert.Equal(t, "at-new", rows[0].AccessToken)
	assert.Equal(t, "dev@example.com", rows[0].Email)
	assert.WithinDuration(t, expires, rows[0].ExpiresAt, time.Second)
}

func TestUpdateByID_MissingRow(t *testing.T) {
	s := openTestStore(t)
	err := s.UpdateByID(context.Background(), 999, CredentialRecord{})
	assert.Error(t, err)
}

func TestSetStatus_MissingRow(t *testing.T) {
	s := openTestStore(t)
	err := s.SetStatus(context.Background(), 999, false)
	assert.Error(t, err)
}

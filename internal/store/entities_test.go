package store

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clanhub/appcore/internal/apperrors"
	"github.com/clanhub/appcore/internal/models"
)

func TestUpsertGetRoundTrip(t *testing.T) {
	db := setupDB(t)

	e := &models.Entity{
		ID:         "u1",
		Kind:       models.KindUser,
		Payload:    json.RawMessage(`{"name":"ada"}`),
		UpdatedAt:  100,
		SyncStatus: models.SyncClean,
	}
	require.NoError(t, db.UpsertEntity(e))

	got, err := db.GetEntity(models.KindUser, "u1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, e.ID, got.ID)
	assert.Equal(t, models.KindUser, got.Kind)
	assert.JSONEq(t, `{"name":"ada"}`, string(got.Payload))
	assert.Equal(t, int64(100), got.UpdatedAt)
	assert.Equal(t, models.SyncClean, got.SyncStatus)
}

func TestUpsertIsIdempotent(t *testing.T) {
	db := setupDB(t)

	e := &models.Entity{
		ID:         "c1",
		Kind:       models.KindClan,
		Payload:    json.RawMessage(`{"n":1}`),
		UpdatedAt:  5,
		SyncStatus: models.SyncClean,
	}
	require.NoError(t, db.UpsertEntity(e))
	require.NoError(t, db.UpsertEntity(e))

	all, err := db.ListEntities(models.KindClan, ListFilter{}, 10, 0)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestGetMissingReturnsNil(t *testing.T) {
	db := setupDB(t)

	got, err := db.GetEntity(models.KindVote, "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestKindsAreIsolated(t *testing.T) {
	db := setupDB(t)

	// Same id in two kind tables stays distinct.
	require.NoError(t, db.UpsertEntity(&models.Entity{
		ID: "x", Kind: models.KindUser, Payload: json.RawMessage(`{"k":"user"}`),
		UpdatedAt: 1, SyncStatus: models.SyncClean,
	}))
	require.NoError(t, db.UpsertEntity(&models.Entity{
		ID: "x", Kind: models.KindContent, Payload: json.RawMessage(`{"k":"content"}`),
		UpdatedAt: 2, SyncStatus: models.SyncClean,
	}))

	u, err := db.GetEntity(models.KindUser, "x")
	require.NoError(t, err)
	assert.JSONEq(t, `{"k":"user"}`, string(u.Payload))

	c, err := db.GetEntity(models.KindContent, "x")
	require.NoError(t, err)
	assert.JSONEq(t, `{"k":"content"}`, string(c.Payload))
}

func TestInvalidKindRejected(t *testing.T) {
	db := setupDB(t)

	_, err := db.GetEntity(models.EntityKind("wallet"), "w1")
	assert.Error(t, err)
}

func TestListFilterAndOrder(t *testing.T) {
	db := setupDB(t)

	for i, status := range []models.SyncStatus{models.SyncClean, models.SyncDirty, models.SyncClean} {
		require.NoError(t, db.UpsertEntity(&models.Entity{
			ID: string(rune('a' + i)), Kind: models.KindContent,
			Payload: json.RawMessage(`{}`), UpdatedAt: int64(i + 1), SyncStatus: status,
		}))
	}

	// Newest first.
	all, err := db.ListEntities(models.KindContent, ListFilter{}, 10, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[0].ID)
	assert.Equal(t, "a", all[2].ID)

	dirty, err := db.ListEntities(models.KindContent, ListFilter{SyncStatus: models.SyncDirty}, 10, 0)
	require.NoError(t, err)
	require.Len(t, dirty, 1)
	assert.Equal(t, "b", dirty[0].ID)

	since, err := db.ListEntities(models.KindContent, ListFilter{UpdatedSince: 2}, 10, 0)
	require.NoError(t, err)
	assert.Len(t, since, 2)

	paged, err := db.ListEntities(models.KindContent, ListFilter{}, 1, 1)
	require.NoError(t, err)
	require.Len(t, paged, 1)
	assert.Equal(t, "b", paged[0].ID)
}

func TestUpdatePartialMergesAndMarksDirty(t *testing.T) {
	db := setupDB(t)

	require.NoError(t, db.UpsertEntity(&models.Entity{
		ID: "c1", Kind: models.KindContent,
		Payload:   json.RawMessage(`{"title":"old","body":"text"}`),
		UpdatedAt: 50, SyncStatus: models.SyncClean,
	}))

	got, err := db.UpdatePartial(models.KindContent, "c1", map[string]json.RawMessage{
		"title": json.RawMessage(`"A"`),
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"A","body":"text"}`, string(got.Payload))
	assert.Equal(t, models.SyncDirty, got.SyncStatus)
	assert.GreaterOrEqual(t, got.UpdatedAt, int64(50))

	// The write is visible in the store.
	stored, err := db.GetEntity(models.KindContent, "c1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"A","body":"text"}`, string(stored.Payload))
	assert.Equal(t, models.SyncDirty, stored.SyncStatus)
}

func TestUpdatePartialNeverMovesUpdatedAtBackwards(t *testing.T) {
	db := setupDB(t)

	future := time.Now().Add(time.Hour).UnixMilli()
	require.NoError(t, db.UpsertEntity(&models.Entity{
		ID: "c1", Kind: models.KindContent,
		Payload: json.RawMessage(`{}`), UpdatedAt: future, SyncStatus: models.SyncClean,
	}))

	got, err := db.UpdatePartial(models.KindContent, "c1", map[string]json.RawMessage{
		"x": json.RawMessage(`1`),
	})
	require.NoError(t, err)
	assert.Equal(t, future, got.UpdatedAt)
}

func TestUpdatePartialMissingRow(t *testing.T) {
	db := setupDB(t)

	_, err := db.UpdatePartial(models.KindUser, "ghost", map[string]json.RawMessage{
		"a": json.RawMessage(`1`),
	})
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeNotFound, apperrors.CodeOf(err))

	// Fail-closed: the failed call left no row behind.
	got, err := db.GetEntity(models.KindUser, "ghost")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestUpdatePartialRemovesNilKeys(t *testing.T) {
	db := setupDB(t)

	require.NoError(t, db.UpsertEntity(&models.Entity{
		ID: "n1", Kind: models.KindNotification,
		Payload: json.RawMessage(`{"seen":false,"badge":3}`), UpdatedAt: 1,
		SyncStatus: models.SyncClean,
	}))

	got, err := db.UpdatePartial(models.KindNotification, "n1", map[string]json.RawMessage{
		"badge": nil,
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"seen":false}`, string(got.Payload))
}

func TestDeleteEntity(t *testing.T) {
	db := setupDB(t)

	require.NoError(t, db.UpsertEntity(&models.Entity{
		ID: "v1", Kind: models.KindVote, Payload: json.RawMessage(`{}`),
		UpdatedAt: 1, SyncStatus: models.SyncClean,
	}))
	require.NoError(t, db.DeleteEntity(models.KindVote, "v1"))

	got, err := db.GetEntity(models.KindVote, "v1")
	require.NoError(t, err)
	assert.Nil(t, got)

	// Deleting again is not an error.
	assert.NoError(t, db.DeleteEntity(models.KindVote, "v1"))
}

func TestSetSyncStatus(t *testing.T) {
	db := setupDB(t)

	require.NoError(t, db.UpsertEntity(&models.Entity{
		ID: "p1", Kind: models.KindProposal, Payload: json.RawMessage(`{}`),
		UpdatedAt: 7, SyncStatus: models.SyncDirty,
	}))
	require.NoError(t, db.SetSyncStatus(models.KindProposal, "p1", models.SyncInFlight))

	got, err := db.GetEntity(models.KindProposal, "p1")
	require.NoError(t, err)
	assert.Equal(t, models.SyncInFlight, got.SyncStatus)
	assert.Equal(t, int64(7), got.UpdatedAt, "status change must not touch updated_at")
}

package store

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type StoreTest struct{}

func (s *StoreTest) TestAddRecords(t *testing.T, storage SyncStorage) {
	testOwnerID := uuid.New().String()
	a1, a2 := uuid.New().String(), uuid.New().String()
	newRevision, err := storage.SetRecord(context.Background(), testOwnerID, a1, []byte("data1"))
	require.NoError(t, err, "failed to call SetRecord a1")
	require.Equal(t, uint64(1), newRevision)

	newRevision, err = storage.SetRecord(context.Background(), testOwnerID, a2, []byte("data2"))
	require.NoError(t, err, "failed to call SetRecord a2")
	require.Equal(t, uint64(2), newRevision)

	records, revision, err := storage.ListRecords(context.Background(), testOwnerID)
	require.NoError(t, err, "failed to call list records")
	require.Equal(t, uint64(2), revision)
	require.ElementsMatch(t, []StoredRecord{
		{Id: a1, OwnerId: testOwnerID, Data: []byte("data1"), Revision: 1},
		{Id: a2, OwnerId: testOwnerID, Data: []byte("data2"), Revision: 2},
	}, records)

	// Revisions are counted per owner.
	anotherOwnerID := uuid.New().String()
	newRev, err := storage.SetRecord(context.Background(), anotherOwnerID, uuid.New().String(), []byte("data1"))
	require.NoError(t, err, "failed to call SetRecord for another owner")
	require.Equal(t, uint64(1), newRev)
}

func (s *StoreTest) TestUpdateRecords(t *testing.T, storage SyncStorage) {
	testOwnerID := uuid.New().String()
	a1 := uuid.New().String()
	newRevision, err := storage.SetRecord(context.Background(), testOwnerID, a1, []byte("data1"))
	require.NoError(t, err, "failed to call SetRecord a1")
	require.Equal(t, uint64(1), newRevision)

	newRevision, err = storage.SetRecord(context.Background(), testOwnerID, a1, []byte("data2"))
	require.NoError(t, err, "failed to update a1")
	require.Equal(t, uint64(2), newRevision)

	records, _, err := storage.ListRecords(context.Background(), testOwnerID)
	require.NoError(t, err, "failed to call list records")
	require.Equal(t, []StoredRecord{
		{Id: a1, OwnerId: testOwnerID, Data: []byte("data2"), Revision: 2},
	}, records)

	rec, err := storage.GetRecord(context.Background(), testOwnerID, a1)
	require.NoError(t, err, "failed to get a1")
	require.Equal(t, &StoredRecord{Id: a1, OwnerId: testOwnerID, Data: []byte("data2"), Revision: 2}, rec)
}

func (s *StoreTest) TestDeleteRecords(t *testing.T, storage SyncStorage) {
	testOwnerID := uuid.New().String()
	a1 := uuid.New().String()
	_, err := storage.SetRecord(context.Background(), testOwnerID, a1, []byte("data1"))
	require.NoError(t, err, "failed to call SetRecord a1")

	newRevision, err := storage.DeleteRecord(context.Background(), testOwnerID, a1)
	require.NoError(t, err, "failed to delete a1")
	require.Equal(t, uint64(2), newRevision)

	_, err = storage.GetRecord(context.Background(), testOwnerID, a1)
	require.ErrorIs(t, err, ErrNotFound)

	newRevision, err = storage.DeleteRecord(context.Background(), testOwnerID, a1)
	require.NoError(t, err, "deleting a missing record should succeed")
	require.Equal(t, uint64(2), newRevision)

	records, revision, err := storage.ListRecords(context.Background(), testOwnerID)
	require.NoError(t, err, "failed to call list records")
	require.Empty(t, records)
	require.Equal(t, uint64(2), revision)
}

func (s *StoreTest) TestOwnership(t *testing.T, storage SyncStorage) {
	owner, intruder := uuid.New().String(), uuid.New().String()
	a1 := uuid.New().String()
	_, err := storage.SetRecord(context.Background(), owner, a1, []byte("data1"))
	require.NoError(t, err, "failed to call SetRecord a1")

	_, err = storage.SetRecord(context.Background(), intruder, a1, []byte("stolen"))
	require.ErrorIs(t, err, ErrPermissionDenied)

	_, err = storage.DeleteRecord(context.Background(), intruder, a1)
	require.ErrorIs(t, err, ErrPermissionDenied)

	_, err = storage.GetRecord(context.Background(), intruder, a1)
	require.ErrorIs(t, err, ErrPermissionDenied)

	records, revision, err := storage.ListRecords(context.Background(), intruder)
	require.NoError(t, err)
	require.Empty(t, records)
	require.Equal(t, uint64(0), revision)

	rec, err := storage.GetRecord(context.Background(), owner, a1)
	require.NoError(t, err)
	require.Equal(t, []byte("data1"), rec.Data)
}

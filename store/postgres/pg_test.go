package postgres

import (
	"os"
	"testing"

	"github.com/breez/replica-sync/store"
	"github.com/stretchr/testify/require"
)

func newTestStorage(t *testing.T) *PgSyncStorage {
	databaseURL := os.Getenv("TEST_PG_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("TEST_PG_DATABASE_URL is not set")
	}
	storage, err := NewPGSyncStorage(databaseURL)
	require.NoError(t, err, "failed to connect")
	t.Cleanup(storage.Close)
	return storage
}

func TestAddRecords(t *testing.T) {
	(&store.StoreTest{}).TestAddRecords(t, newTestStorage(t))
}

func TestUpdateRecords(t *testing.T) {
	(&store.StoreTest{}).TestUpdateRecords(t, newTestStorage(t))
}

func TestDeleteRecords(t *testing.T) {
	(&store.StoreTest{}).TestDeleteRecords(t, newTestStorage(t))
}

func TestOwnership(t *testing.T) {
	(&store.StoreTest{}).TestOwnership(t, newTestStorage(t))
}

package store

import (
	"testing"

	"github.com/breez/replica-sync/record"
	"github.com/stretchr/testify/require"
)

func TestFieldEncoding(t *testing.T) {
	rec := record.Record{
		Id:      "c1",
		OwnerId: "alice",
		Fields:  map[string]any{"name": "Ada", "visits": float64(3), "tags": []any{"vip"}},
	}
	data, err := EncodeFields(rec)
	require.NoError(t, err)

	decoded, err := StoredRecord{Id: "c1", OwnerId: "alice", Data: data, Revision: 7}.ToRecord()
	require.NoError(t, err)
	rec.Revision = 7
	require.Equal(t, rec, decoded)
}

func TestEmptyFields(t *testing.T) {
	data, err := EncodeFields(record.Record{Id: "c2"})
	require.NoError(t, err)
	require.Equal(t, "{}", string(data))

	_, err = StoredRecord{Id: "c3", Data: []byte("not json")}.ToRecord()
	require.Error(t, err)
}

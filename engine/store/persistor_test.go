package store

import (
	"context"
	"testing"

	"github.com/nuwa-protocol/nuwa-sub003/subrav"
	"github.com/stretchr/testify/require"
)

func TestPersistor_LoadEmptyReturnsNil(t *testing.T) {
	p := NewPersistor(NewMemStore(), "payee.example", "did:nuwa:alice")
	got, err := p.Load(context.Background())
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestPersistor_SaveThenLoadStampsLastUpdated(t *testing.T) {
	p := NewPersistor(NewMemStore(), "payee.example", "did:nuwa:alice")

	var id subrav.ChannelID
	id[0] = 0xFF
	proposal := &subrav.SubRAV{VMIDFragment: "key-1", Nonce: subrav.BigIntFromUint64(2), Version: subrav.Version}
	require.NoError(t, p.Save(context.Background(), &id, proposal))

	got, err := p.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, id, *got.ChannelID)
	require.Equal(t, proposal, got.PendingSubRAV)
	require.False(t, got.LastUpdated.IsZero())
}

func TestPersistor_SaveAcceptsNilPointers(t *testing.T) {
	p := NewPersistor(NewMemStore(), "payee.example", "did:nuwa:alice")
	require.NoError(t, p.Save(context.Background(), nil, nil))

	got, err := p.Load(context.Background())
	require.NoError(t, err)
	require.Nil(t, got.ChannelID)
	require.Nil(t, got.PendingSubRAV)
}

func TestPersistor_DeleteClearsSnapshot(t *testing.T) {
	p := NewPersistor(NewMemStore(), "payee.example", "did:nuwa:alice")
	require.NoError(t, p.Save(context.Background(), nil, &subrav.SubRAV{VMIDFragment: "key-1"}))

	require.NoError(t, p.Delete(context.Background()))

	got, err := p.Load(context.Background())
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestPersistor_NamespacesIndependentlyOfOtherPayers(t *testing.T) {
	shared := NewMemStore()
	alice := NewPersistor(shared, "payee.example", "did:nuwa:alice")
	bob := NewPersistor(shared, "payee.example", "did:nuwa:bob")

	require.NoError(t, alice.Save(context.Background(), nil, &subrav.SubRAV{VMIDFragment: "alice-key"}))

	got, err := bob.Load(context.Background())
	require.NoError(t, err)
	require.Nil(t, got)
}

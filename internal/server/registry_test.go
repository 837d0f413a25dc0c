package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/airband/internal/auth"
	"github.com/mossy-p/airband/internal/protocol"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	verifier := auth.NewStaticVerifier(map[string]string{
		"client1": "token1",
		"client2": "token2",
		"client3": "token3",
	})
	return NewRegistry(verifier, NewMemoryStore(), 16, 4)
}

func recvMessage(t *testing.T, ch <-chan protocol.Message) protocol.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		return protocol.Message{}
	}
}

func assertNoMessage(t *testing.T, ch <-chan protocol.Message) {
	t.Helper()
	select {
	case msg := <-ch:
		t.Fatalf("unexpected message: %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAdmitReturnsOtherClients(t *testing.T) {
	r := testRegistry(t)
	defer r.Close()

	first, err := r.Admit(context.Background(), "client1", "token1")
	require.NoError(t, err)
	assert.Empty(t, first.Clients)
	assert.Equal(t, "client1", first.Identity.ID)

	second, err := r.Admit(context.Background(), "client2", "token2")
	require.NoError(t, err)
	require.Len(t, second.Clients, 1)
	assert.Equal(t, "client1", second.Clients[0].ID)

	// The first client hears about the second over the bus.
	msg := recvMessage(t, first.Broadcast.C())
	assert.Equal(t, protocol.TypeClientConnected, msg.Type)
	require.NotNil(t, msg.Client)
	assert.Equal(t, "client2", msg.Client.ID)
}

func TestAdmitRejectsInvalidCredentials(t *testing.T) {
	r := testRegistry(t)
	defer r.Close()

	_, err := r.Admit(context.Background(), "client1", "wrong")
	require.Error(t, err)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
	assert.Empty(t, r.Clients())
}

func TestAdmitRejectsDuplicateID(t *testing.T) {
	r := testRegistry(t)
	defer r.Close()

	_, err := r.Admit(context.Background(), "client1", "token1")
	require.NoError(t, err)

	_, err = r.Admit(context.Background(), "client1", "token1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateID)

	// The original registration survives.
	clients := r.Clients()
	require.Len(t, clients, 1)
	assert.Equal(t, "client1", clients[0].ID)
}

func TestRemoveBroadcastsExactlyOnce(t *testing.T) {
	r := testRegistry(t)
	defer r.Close()

	first, err := r.Admit(context.Background(), "client1", "token1")
	require.NoError(t, err)
	_, err = r.Admit(context.Background(), "client2", "token2")
	require.NoError(t, err)

	// Drain the connect event.
	msg := recvMessage(t, first.Broadcast.C())
	require.Equal(t, protocol.TypeClientConnected, msg.Type)

	r.Remove("client2")
	msg = recvMessage(t, first.Broadcast.C())
	assert.Equal(t, protocol.TypeClientDisconnected, msg.Type)
	assert.Equal(t, "client2", msg.ID)

	// Removing again is a no-op: no second broadcast.
	r.Remove("client2")
	assertNoMessage(t, first.Broadcast.C())
}

func TestRelayRewritesSenderAndDelivers(t *testing.T) {
	r := testRegistry(t)
	defer r.Close()

	first, err := r.Admit(context.Background(), "client1", "token1")
	require.NoError(t, err)
	second, err := r.Admit(context.Background(), "client2", "token2")
	require.NoError(t, err)

	r.Relay("client1", protocol.CallOffer("client2", "the-sdp"))

	msg := recvMessage(t, second.Inbox)
	assert.Equal(t, protocol.TypeCallOffer, msg.Type)
	assert.Equal(t, "client1", msg.PeerID, "peer_id should identify the sender on delivery")
	assert.Equal(t, "the-sdp", msg.SDP)

	assertNoMessage(t, first.Inbox)
}

func TestRelayToUnknownPeerReturnsSoftError(t *testing.T) {
	r := testRegistry(t)
	defer r.Close()

	first, err := r.Admit(context.Background(), "client1", "token1")
	require.NoError(t, err)

	r.Relay("client1", protocol.CallOffer("ghost", "sdp"))

	msg := recvMessage(t, first.Inbox)
	assert.Equal(t, protocol.TypeError, msg.Type)
	assert.Equal(t, "peer not found", msg.Message)
	assert.Equal(t, uint64(1), r.RelayMisses())
}

func TestFullInboxDropsNewest(t *testing.T) {
	r := testRegistry(t) // inbox capacity 4
	defer r.Close()

	_, err := r.Admit(context.Background(), "client1", "token1")
	require.NoError(t, err)
	second, err := r.Admit(context.Background(), "client2", "token2")
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		r.Relay("client1", protocol.CallIceCandidate("client2", "cand"))
	}

	assert.Equal(t, uint64(6), r.InboxDrops())

	// The four oldest made it through; the overflow was discarded.
	for i := 0; i < 4; i++ {
		msg := recvMessage(t, second.Inbox)
		assert.Equal(t, protocol.TypeCallIceCandidate, msg.Type)
	}
	assertNoMessage(t, second.Inbox)
}

func TestPresenceStoreMirrorsRegistry(t *testing.T) {
	verifier := auth.NewStaticVerifier(map[string]string{"client1": "token1"}).
		WithUserInfo("client1", auth.UserInfo{DisplayName: "Tower", Frequency: "118.700"})
	store := NewMemoryStore()
	r := NewRegistry(verifier, store, 16, 4)
	defer r.Close()

	adm, err := r.Admit(context.Background(), "client1", "token1")
	require.NoError(t, err)
	assert.Equal(t, "Tower", adm.Identity.DisplayName)
	assert.Equal(t, "118.700", adm.Identity.Frequency)

	snapshot := store.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, "client1", snapshot[0].ID)

	r.Remove("client1")
	assert.Empty(t, store.Snapshot())
}

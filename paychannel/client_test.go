package paychannel

import (
	"context"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/nuwa-protocol/nuwa-sub003/engine"
	"github.com/nuwa-protocol/nuwa-sub003/engine/store"
	"github.com/nuwa-protocol/nuwa-sub003/subrav"
	"github.com/streamingfast/eth-go"
	"github.com/stretchr/testify/require"
)

// clientTestPayee is a minimal payee mirroring the demo CLI's settlement
// logic: it charges price per signed call and replies with the next
// proposal, and free-handshakes a request that carries no signed Sub-RAV.
type clientTestPayee struct {
	mu           sync.Mutex
	vmIDFragment string
	price        *big.Int
	lastAccepted *subrav.SubRAV
}

func (p *clientTestPayee) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var reqPayload *engine.RequestPayload
	if token := r.Header.Get(engine.PaymentHeader); token != "" {
		parsed, err := engine.DecodeRequestHeader(token)
		if err != nil {
			http.Error(w, "bad header", http.StatusBadRequest)
			return
		}
		reqPayload = parsed
	}
	clientTxRef := ""
	if reqPayload != nil {
		clientTxRef = reqPayload.ClientTxRef
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if reqPayload != nil && reqPayload.SignedSubRAV != nil {
		p.lastAccepted = reqPayload.SignedSubRAV.SubRAV
		p.reply(w, clientTxRef, p.price)
		return
	}
	p.reply(w, clientTxRef, big.NewInt(0))
}

func (p *clientTestPayee) reply(w http.ResponseWriter, clientTxRef string, cost *big.Int) {
	accumulated := big.NewInt(0)
	nonce := big.NewInt(0)
	if p.lastAccepted != nil {
		accumulated = p.lastAccepted.AccumulatedAmount.Native()
		nonce = p.lastAccepted.Nonce.Native()
	}
	next := &subrav.SubRAV{
		VMIDFragment:      p.vmIDFragment,
		AccumulatedAmount: subrav.NewBigInt(new(big.Int).Add(accumulated, p.price)),
		Nonce:             subrav.NewBigInt(new(big.Int).Add(nonce, big.NewInt(1))),
		Version:           subrav.Version,
	}
	token, err := engine.EncodeResponseHeader(&engine.ResponsePayload{
		Kind: engine.ResponseSuccess, V: subrav.Version, ClientTxRef: clientTxRef,
		SubRAV: next, Cost: subrav.NewBigInt(cost), ServiceTxRef: engine.NewClientTxRef(),
	})
	if err != nil {
		http.Error(w, "encode", http.StatusInternalServerError)
		return
	}
	w.Header().Set(engine.PaymentHeader, token)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"ok":true}`))
}

func newTestClient(t *testing.T, payee *clientTestPayee, backing store.Store) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(payee)
	t.Cleanup(server.Close)

	key, err := eth.NewRandomPrivateKey()
	require.NoError(t, err)
	signer := NewLocalSigner("did:nuwa:test", "key-1", key)
	channel := &LocalChannelManager{BaseURL: server.URL, Domain: subrav.NewDomain(1337, eth.Address{})}

	c, err := New(context.Background(), Config{
		Host:           "payee.example",
		PayerDID:       "did:nuwa:test",
		Channel:        channel,
		Signer:         signer,
		Store:          backing,
		HTTPClient:     server.Client(),
		PaymentTimeout: time.Minute,
	})
	require.NoError(t, err)
	return c, server
}

func TestClient_FirstCallIsFreeHandshake(t *testing.T) {
	payee := &clientTestPayee{vmIDFragment: "key-1", price: big.NewInt(10)}
	c, _ := newTestClient(t, payee, store.NewMemStore())

	settlement, err := c.DoAndWaitForPayment(context.Background(), "GET", "/")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, settlement.Response.StatusCode)
	require.NotNil(t, settlement.Payment)
	require.Equal(t, 0, settlement.Payment.Cost.Native().Sign())
}

func TestClient_SecondCallSignsCachedProposalAndBindsChannel(t *testing.T) {
	payee := &clientTestPayee{vmIDFragment: "key-1", price: big.NewInt(10)}
	c, _ := newTestClient(t, payee, store.NewMemStore())

	_, err := c.DoAndWaitForPayment(context.Background(), "GET", "/")
	require.NoError(t, err)

	settlement, err := c.DoAndWaitForPayment(context.Background(), "GET", "/")
	require.NoError(t, err)
	require.NotNil(t, settlement.Payment)
	require.Equal(t, 0, settlement.Payment.Cost.Native().Cmp(big.NewInt(10)))

	_, ok := c.ChannelID()
	require.True(t, ok, "accepting the first proposal must bind the channel id")
}

func TestClient_PersistsStateAcrossClientInstances(t *testing.T) {
	payee := &clientTestPayee{vmIDFragment: "key-1", price: big.NewInt(10)}
	backing := store.NewMemStore()
	c, server := newTestClient(t, payee, backing)

	_, err := c.DoAndWaitForPayment(context.Background(), "GET", "/")
	require.NoError(t, err)
	_, err = c.DoAndWaitForPayment(context.Background(), "GET", "/")
	require.NoError(t, err)

	proposal, ok := c.PendingSubRAV()
	require.True(t, ok)

	key, err := eth.NewRandomPrivateKey()
	require.NoError(t, err)
	signer := NewLocalSigner("did:nuwa:test", "key-1", key)
	channel := &LocalChannelManager{BaseURL: server.URL, Domain: subrav.NewDomain(1337, eth.Address{})}

	second, err := New(context.Background(), Config{
		Host:       "payee.example",
		PayerDID:   "did:nuwa:test",
		Channel:    channel,
		Signer:     signer,
		Store:      backing,
		HTTPClient: server.Client(),
	})
	require.NoError(t, err)

	resumed, ok := second.PendingSubRAV()
	require.True(t, ok, "a freshly constructed client must resume the persisted cached proposal")
	require.Equal(t, proposal, resumed)
}

func TestClient_UnsettledAmountReflectsAuthorizedMinusClaimed(t *testing.T) {
	payee := &clientTestPayee{vmIDFragment: "key-1", price: big.NewInt(10)}
	c, _ := newTestClient(t, payee, store.NewMemStore())

	_, err := c.DoAndWaitForPayment(context.Background(), "GET", "/")
	require.NoError(t, err)
	_, err = c.DoAndWaitForPayment(context.Background(), "GET", "/")
	require.NoError(t, err)

	unsettled, err := c.UnsettledAmount(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, unsettled.Unsettled.Native().Cmp(big.NewInt(10)), "LocalChannelManager with no escrow configured reports zero claimed")
}

func TestClient_LogoutCleanupRejectsPendingAndResetsState(t *testing.T) {
	payee := &clientTestPayee{vmIDFragment: "key-1", price: big.NewInt(10)}
	c, _ := newTestClient(t, payee, store.NewMemStore())

	_, err := c.DoAndWaitForPayment(context.Background(), "GET", "/")
	require.NoError(t, err)

	require.NoError(t, c.LogoutCleanup(context.Background(), LogoutOptions{}))

	_, ok := c.PendingSubRAV()
	require.False(t, ok, "logout cleanup must clear the cached proposal")

	_, err = c.DoAndWaitForPayment(context.Background(), "GET", "/")
	require.ErrorIs(t, err, engine.ErrCleanedUp)
}

func TestClient_LogoutCleanupClearMappingDeletesPersistedState(t *testing.T) {
	payee := &clientTestPayee{vmIDFragment: "key-1", price: big.NewInt(10)}
	backing := store.NewMemStore()
	c, _ := newTestClient(t, payee, backing)

	_, err := c.DoAndWaitForPayment(context.Background(), "GET", "/")
	require.NoError(t, err)

	require.NoError(t, c.LogoutCleanup(context.Background(), LogoutOptions{ClearMapping: true}))

	persisted, err := c.PersistedState(context.Background())
	require.NoError(t, err)
	require.Nil(t, persisted)
}

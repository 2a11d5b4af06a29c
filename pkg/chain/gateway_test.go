package chain

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	player   = "0xaaaa00000000000000000000000000000000aaaa"
	smartlet = "0xbbbb00000000000000000000000000000000bbbb"
	vault    = "0xcccc00000000000000000000000000000000cccc"
)

type fakeClient struct {
	txs      map[string]*Transaction
	receipts map[string]*Receipt
	sent     []string
	nextHash string
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		txs:      make(map[string]*Transaction),
		receipts: make(map[string]*Receipt),
		nextHash: "0xsent",
	}
}

func (f *fakeClient) TransactionByHash(ctx context.Context, hash string) (*Transaction, error) {
	tx, ok := f.txs[hash]
	if !ok {
		return nil, ErrNotFound
	}
	return tx, nil
}

func (f *fakeClient) TransactionReceipt(ctx context.Context, hash string) (*Receipt, error) {
	receipt, ok := f.receipts[hash]
	if !ok {
		return nil, ErrNotFound
	}
	return receipt, nil
}

func (f *fakeClient) SendTransaction(ctx context.Context, from string, to string, value *big.Int, data string) (string, error) {
	f.sent = append(f.sent, data)
	return f.nextHash, nil
}

func newTestGateway(client Client) *EthGateway {
	return &EthGateway{
		client:       client,
		contract:     vault,
		treasury:     vault,
		operator:     "0xoperator",
		confirmEvery: time.Millisecond,
		timeout:      50 * time.Millisecond,
	}
}

func TestVerifyDirectSend(t *testing.T) {
	client := newFakeClient()
	client.txs["0x1"] = &Transaction{
		Hash:  "0x1",
		From:  player,
		To:    vault,
		Value: "0x64",
	}
	client.receipts["0x1"] = &Receipt{Status: "0x1"}

	gateway := newTestGateway(client)

	ok, err := gateway.VerifyIncomingTx(context.Background(), "0x1", player, vault, big.NewInt(100))
	require.NoError(t, err)
	assert.True(t, ok)

	// Insufficient value fails.
	ok, err = gateway.VerifyIncomingTx(context.Background(), "0x1", player, vault, big.NewInt(101))
	require.NoError(t, err)
	assert.False(t, ok)

	// Wrong sender fails when there are no logs to fall back on.
	ok, err = gateway.VerifyIncomingTx(context.Background(), "0x1", smartlet, vault, big.NewInt(100))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyMetaTransaction(t *testing.T) {
	client := newFakeClient()

	// The outer transaction comes from the smart wallet contract, not
	// the player.
	client.txs["0x2"] = &Transaction{
		Hash:  "0x2",
		From:  smartlet,
		To:    vault,
		Value: "0x0",
	}
	client.receipts["0x2"] = &Receipt{
		Status: "0x1",
		Logs: []Log{
			{
				Address: vault,
				Topics: []string{
					"0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef",
					"0x000000000000000000000000" + player[2:],
					"0x000000000000000000000000" + vault[2:],
				},
				Data: "0x64",
			},
		},
	}

	gateway := newTestGateway(client)

	ok, err := gateway.VerifyIncomingTx(context.Background(), "0x2", player, vault, big.NewInt(100))
	require.NoError(t, err)
	assert.True(t, ok)

	// The logged value still has to clear the minimum.
	ok, err = gateway.VerifyIncomingTx(context.Background(), "0x2", player, vault, big.NewInt(500))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyRevertedTx(t *testing.T) {
	client := newFakeClient()
	client.txs["0x3"] = &Transaction{
		Hash:  "0x3",
		From:  player,
		To:    vault,
		Value: "0x64",
	}
	client.receipts["0x3"] = &Receipt{Status: "0x0"}

	gateway := newTestGateway(client)

	ok, err := gateway.VerifyIncomingTx(context.Background(), "0x3", player, vault, big.NewInt(1))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyUnknownTx(t *testing.T) {
	gateway := newTestGateway(newFakeClient())

	ok, err := gateway.VerifyIncomingTx(context.Background(), "0xmissing", player, vault, big.NewInt(1))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAwaitConfirmation(t *testing.T) {
	client := newFakeClient()
	client.receipts["0xgood"] = &Receipt{Status: "0x1"}
	client.receipts["0xbad"] = &Receipt{Status: "0x0"}

	gateway := newTestGateway(client)

	status, err := gateway.AwaitConfirmation(context.Background(), "0xgood", 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, Confirmed, status)

	status, err = gateway.AwaitConfirmation(context.Background(), "0xbad", 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, Reverted, status)

	// A receipt that never lands times out instead of hanging.
	status, err = gateway.AwaitConfirmation(context.Background(), "0xnever", 20*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, TimedOut, status)
}

func TestAwaitConfirmationCancelled(t *testing.T) {
	gateway := newTestGateway(newFakeClient())

	// The caller going away is not a chain timeout; the error has to
	// say so.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := gateway.AwaitConfirmation(ctx, "0xnever", time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCreateMatchReadsEventID(t *testing.T) {
	client := newFakeClient()
	client.nextHash = "0xcreate"
	client.receipts["0xcreate"] = &Receipt{
		Status: "0x1",
		Logs: []Log{
			{
				Topics: []string{
					topicMatchCreated,
					"0x0000000000000000000000000000000000000000000000000000000000000007",
				},
			},
		},
	}

	gateway := newTestGateway(client)

	txHash, onChainID, err := gateway.CreateMatch(context.Background(), "wager")
	require.NoError(t, err)
	assert.Equal(t, "0xcreate", txHash)
	assert.Equal(t, big.NewInt(7), HexToBig(onChainID))
}

func TestScoreBatchEncoding(t *testing.T) {
	client := newFakeClient()
	gateway := newTestGateway(client)

	_, err := gateway.SubmitScoreBatch(
		context.Background(),
		[]string{player, smartlet},
		[]int64{42, 7},
	)
	require.NoError(t, err)
	require.Len(t, client.sent, 1)

	data := client.sent[0]
	assert.Contains(t, data, player[2:])
	assert.Contains(t, data, smartlet[2:])

	_, err = gateway.SubmitScoreBatch(context.Background(), []string{player}, nil)
	assert.Error(t, err)
}

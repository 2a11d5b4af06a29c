package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/inkclash/inkclash/pkg/config"

	"github.com/rs/zerolog/log"
)

// Function selectors and event topics for the inkclash wager contract.
// Pinned here; the ABI is fixed by the deployed contract.
const (
	selCreateMatch   = "0x3b4b1381"
	selJoinMatch     = "0x7f2e1dc6"
	selFinalizeMatch = "0x9a2c74b2"
	selCancelMatch   = "0x2e7b3d11"
	selSubmitScores  = "0x51c0b2d5"
	selRolloverWeek  = "0xa16f8a27"

	topicMatchCreated = "0x8fa4a56db1cba31c1c2f8a0e1bf2a43bd2d91a0c0ae59bbbed26c5b85ae0ef2d"
)

// EthGateway submits and verifies transactions through a JSON-RPC
// node whose operator account holds the game's signing key.
type EthGateway struct {
	client       Client
	contract     string
	treasury     string
	operator     string
	confirmEvery time.Duration
	timeout      time.Duration
}

var _ Gateway = (*EthGateway)(nil)

// NewGateway builds the gateway from config. A missing signing key or
// contract address is a configuration error: the affected features are
// disabled, not fatal.
func NewGateway(settings config.ChainSettings) Gateway {
	if settings.SigningKey == "" || settings.ContractAddress == "" {
		log.Warn().Msg("chain gateway disabled: no signing key or contract address configured")
		return &DisabledGateway{}
	}

	return &EthGateway{
		client:       NewHTTPClient(settings.RPCURL),
		contract:     settings.ContractAddress,
		treasury:     settings.TreasuryAddress,
		operator:     settings.SigningKey,
		confirmEvery: 2 * time.Second,
		timeout:      time.Duration(settings.ConfirmTimeoutSeconds) * time.Second,
	}
}

func (g *EthGateway) Enabled() bool { return true }

func word(value *big.Int) string {
	return fmt.Sprintf("%064x", value)
}

func addressWord(address string) string {
	trimmed := strings.TrimPrefix(strings.ToLower(address), "0x")
	return strings.Repeat("0", 64-len(trimmed)) + trimmed
}

func (g *EthGateway) CreateMatch(ctx context.Context, mode string) (string, string, error) {
	modeWord := big.NewInt(0)
	if mode == "ranked" {
		modeWord = big.NewInt(1)
	}

	txHash, err := g.client.SendTransaction(
		ctx,
		g.operator,
		g.contract,
		nil,
		selCreateMatch+word(modeWord),
	)
	if err != nil {
		return "", "", fmt.Errorf("createMatch: %w", err)
	}

	// The contract assigns the match id; read it back from the
	// MatchCreated event.
	receipt, err := g.awaitReceipt(ctx, txHash, g.timeout)
	if err != nil {
		return txHash, "", fmt.Errorf("createMatch receipt: %w", err)
	}

	for _, entry := range receipt.Logs {
		if len(entry.Topics) >= 2 && entry.Topics[0] == topicMatchCreated {
			return txHash, entry.Topics[1], nil
		}
	}

	return txHash, "", fmt.Errorf("createMatch: no MatchCreated event in %s", txHash)
}

func (g *EthGateway) JoinMatch(ctx context.Context, onChainID string) (string, error) {
	return g.contractCall(ctx, selJoinMatch+word(HexToBig(onChainID)))
}

func (g *EthGateway) FinalizeMatch(ctx context.Context, onChainID string, winner string) (string, error) {
	return g.contractCall(ctx, selFinalizeMatch+word(HexToBig(onChainID))+addressWord(winner))
}

func (g *EthGateway) CancelMatch(ctx context.Context, onChainID string) (string, error) {
	return g.contractCall(ctx, selCancelMatch+word(HexToBig(onChainID)))
}

// SubmitScoreBatch writes one batch of wallet/score pairs. Callers cap
// the batch size; the contract rejects oversized calls.
func (g *EthGateway) SubmitScoreBatch(ctx context.Context, wallets []string, scores []int64) (string, error) {
	if len(wallets) != len(scores) {
		return "", fmt.Errorf("submitScoreBatch: %d wallets but %d scores", len(wallets), len(scores))
	}

	// abi: submitScores(address[],uint64[]) — two dynamic arrays,
	// head holds their offsets.
	data := selSubmitScores
	headWords := 2
	walletsOffset := headWords * 32
	scoresOffset := walletsOffset + 32 + len(wallets)*32

	data += word(big.NewInt(int64(walletsOffset)))
	data += word(big.NewInt(int64(scoresOffset)))

	data += word(big.NewInt(int64(len(wallets))))
	for _, wallet := range wallets {
		data += addressWord(wallet)
	}

	data += word(big.NewInt(int64(len(scores))))
	for _, score := range scores {
		data += word(big.NewInt(score))
	}

	return g.contractCall(ctx, data)
}

func (g *EthGateway) RolloverWeek(ctx context.Context) (string, error) {
	return g.contractCall(ctx, selRolloverWeek)
}

func (g *EthGateway) SendPrize(ctx context.Context, to string, amount int64) (string, error) {
	return g.client.SendTransaction(ctx, g.treasury, to, big.NewInt(amount), "0x")
}

func (g *EthGateway) contractCall(ctx context.Context, data string) (string, error) {
	return g.client.SendTransaction(ctx, g.operator, g.contract, nil, data)
}

func (g *EthGateway) AwaitConfirmation(ctx context.Context, txHash string, timeout time.Duration) (ConfirmationStatus, error) {
	receipt, err := g.awaitReceipt(ctx, txHash, timeout)
	// Running out the confirmation window is a normal outcome; the
	// caller's own context going away is not.
	if errors.Is(err, context.DeadlineExceeded) {
		return TimedOut, nil
	}
	if err != nil {
		return TimedOut, err
	}

	if receipt.Status == "0x1" {
		return Confirmed, nil
	}
	return Reverted, nil
}

func (g *EthGateway) awaitReceipt(ctx context.Context, txHash string, timeout time.Duration) (*Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tick := time.NewTicker(g.confirmEvery)
	defer tick.Stop()

	for {
		receipt, err := g.client.TransactionReceipt(ctx, txHash)
		if err == nil {
			return receipt, nil
		}
		if err != ErrNotFound {
			log.Debug().Err(err).Str("tx", txHash).Msg("receipt poll failed")
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tick.C:
		}
	}
}

func (g *EthGateway) VerifyIncomingTx(
	ctx context.Context,
	txHash string,
	expectedSender string,
	expectedRecipient string,
	minValue *big.Int,
) (bool, error) {
	tx, err := g.client.TransactionByHash(ctx, txHash)
	if err == ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	receipt, err := g.client.TransactionReceipt(ctx, txHash)
	if err == ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if receipt.Status != "0x1" {
		return false, nil
	}

	// Direct send: the wallet itself signed the transfer.
	if SameAddress(tx.From, expectedSender) &&
		SameAddress(tx.To, expectedRecipient) &&
		HexToBig(tx.Value).Cmp(minValue) >= 0 {
		return true, nil
	}

	// Smart-wallet senders relay through their wallet contract, so
	// the outer from/to do not match. The transfer still shows up in
	// the event logs.
	for _, entry := range receipt.Logs {
		if len(entry.Topics) < 3 {
			continue
		}
		if !SameAddress(TopicAddress(entry.Topics[1]), expectedSender) {
			continue
		}
		if !SameAddress(TopicAddress(entry.Topics[2]), expectedRecipient) {
			continue
		}
		if HexToBig(entry.Data).Cmp(minValue) >= 0 {
			return true, nil
		}
	}

	return false, nil
}

// Package chain adapts the token RPC surface the service needs: mint
// validation, supply, AMM pool discovery, reserves and holder lists.
package chain

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strconv"
	"time"

	"tokenpulse/internal/cache"
	"tokenpulse/internal/metrics"
	"tokenpulse/internal/models"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
)

const supplyCacheTTL = time.Hour

// Cache is the slice of the cache store the chain client uses.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	SetTTL(ctx context.Context, key string, val []byte, ttl time.Duration) error
	SetPermanent(ctx context.Context, key string, val []byte) error
}

// Client wraps the JSON-RPC client together with the shared cache.
type Client struct {
	rpc   *rpc.Client
	cache Cache
}

// NewClient creates a chain client against the given RPC endpoint.
func NewClient(endpoint string, store Cache) *Client {
	return &Client{
		rpc:   rpc.New(endpoint),
		cache: store,
	}
}

// ValidateMint confirms the account exists, is owned by one of the two
// token programs, and has readable supply with sane decimals. A nil
// return means valid. Logical problems come back as InvalidMintError;
// network problems as ChainUnavailableError.
func (c *Client) ValidateMint(ctx context.Context, mint string) error {
	if mint == NativeMint.String() {
		return nil
	}

	pk, err := solana.PublicKeyFromBase58(mint)
	if err != nil {
		return &models.InvalidMintError{Mint: mint, Reason: "malformed base58 address"}
	}

	info, err := c.rpc.GetAccountInfo(ctx, pk)
	if errors.Is(err, rpc.ErrNotFound) {
		metrics.RecordUpstream("chain", "ok")
		return &models.InvalidMintError{Mint: mint, Reason: "account does not exist"}
	}
	if err != nil {
		metrics.RecordUpstream("chain", "error")
		return &models.ChainUnavailableError{Op: "get account info", Err: err}
	}
	metrics.RecordUpstream("chain", "ok")
	if info.Value == nil {
		return &models.InvalidMintError{Mint: mint, Reason: "account does not exist"}
	}
	if !info.Value.Owner.Equals(TokenProgram) && !info.Value.Owner.Equals(TokenProgram2022) {
		return &models.InvalidMintError{Mint: mint, Reason: "not owned by a token program"}
	}

	raw, decimals, err := c.fetchSupply(ctx, pk)
	if err != nil {
		var invalid *models.InvalidMintError
		if errors.As(err, &invalid) {
			return invalid
		}
		return err
	}
	if decimals > 18 {
		return &models.InvalidMintError{Mint: mint, Reason: fmt.Sprintf("decimals %d out of range", decimals)}
	}
	if raw == 0 {
		return &models.InvalidMintError{Mint: mint, Reason: "zero supply"}
	}
	return nil
}

// ReadSupply returns the raw supply and decimals for a mint. Decimals
// never change, so they cache permanently; raw supply caches for an hour.
// The native mint is answered from documented constants.
func (c *Client) ReadSupply(ctx context.Context, mint string) (uint64, uint8, error) {
	if mint == NativeMint.String() {
		return NativeRawSupply, NativeDecimals, nil
	}

	supplyKey := cache.KeyTokenSupply(mint)
	decimalsKey := cache.KeyTokenDecimals(mint)
	if rawBytes, err := c.cache.Get(ctx, supplyKey); err == nil && rawBytes != nil {
		if decBytes, err := c.cache.Get(ctx, decimalsKey); err == nil && decBytes != nil {
			raw, rawErr := strconv.ParseUint(string(rawBytes), 10, 64)
			dec, decErr := strconv.ParseUint(string(decBytes), 10, 8)
			if rawErr == nil && decErr == nil {
				return raw, uint8(dec), nil
			}
		}
	}

	pk, err := solana.PublicKeyFromBase58(mint)
	if err != nil {
		return 0, 0, &models.InvalidMintError{Mint: mint, Reason: "malformed base58 address"}
	}

	raw, decimals, err := c.fetchSupply(ctx, pk)
	if err != nil {
		return 0, 0, err
	}

	if err := c.cache.SetTTL(ctx, supplyKey, []byte(strconv.FormatUint(raw, 10)), supplyCacheTTL); err != nil {
		log.Printf("[chain] failed to cache supply for %s: %v", mint, err)
	}
	if err := c.cache.SetPermanent(ctx, decimalsKey, []byte(strconv.Itoa(int(decimals)))); err != nil {
		log.Printf("[chain] failed to cache decimals for %s: %v", mint, err)
	}
	return raw, decimals, nil
}

// fetchSupply hits the node and classifies failures: an RPC-level answer
// ("not a mint") is a logical verdict, a transport failure is not.
func (c *Client) fetchSupply(ctx context.Context, pk solana.PublicKey) (uint64, uint8, error) {
	res, err := c.rpc.GetTokenSupply(ctx, pk, rpc.CommitmentConfirmed)
	metrics.RecordUpstream("chain", metrics.Outcome(err))
	if err != nil {
		var rpcErr *jsonrpc.RPCError
		if errors.As(err, &rpcErr) {
			return 0, 0, &models.InvalidMintError{Mint: pk.String(), Reason: "supply unreadable: " + rpcErr.Message}
		}
		return 0, 0, &models.ChainUnavailableError{Op: "get token supply", Err: err}
	}
	if res.Value == nil {
		return 0, 0, &models.InvalidMintError{Mint: pk.String(), Reason: "supply unreadable"}
	}
	raw, err := strconv.ParseUint(res.Value.Amount, 10, 64)
	if err != nil {
		return 0, 0, &models.InvalidMintError{Mint: pk.String(), Reason: "supply unreadable"}
	}
	return raw, res.Value.Decimals, nil
}

// ReadTopHolders lists the largest token accounts for a mint with their
// share of supply. The node caps the answer at 20 accounts.
func (c *Client) ReadTopHolders(ctx context.Context, mint string, limit int) ([]models.HolderBalance, error) {
	pk, err := solana.PublicKeyFromBase58(mint)
	if err != nil {
		return nil, &models.InvalidMintError{Mint: mint, Reason: "malformed base58 address"}
	}

	supplyRaw, decimals, err := c.ReadSupply(ctx, mint)
	if err != nil {
		return nil, err
	}

	res, err := c.rpc.GetTokenLargestAccounts(ctx, pk, rpc.CommitmentConfirmed)
	metrics.RecordUpstream("chain", metrics.Outcome(err))
	if err != nil {
		return nil, &models.ChainUnavailableError{Op: "get largest accounts", Err: err}
	}

	holders := make([]models.HolderBalance, 0, limit)
	for _, acct := range res.Value {
		if len(holders) == limit {
			break
		}
		raw, err := strconv.ParseUint(acct.Amount, 10, 64)
		if err != nil {
			continue
		}
		holders = append(holders, models.HolderBalance{
			Owner:    acct.Address.String(),
			Balance:  float64(raw) / math.Pow10(int(decimals)),
			SharePct: sharePct(raw, supplyRaw),
		})
	}
	return holders, nil
}

func sharePct(raw, supply uint64) float64 {
	if supply == 0 {
		return 0
	}
	return float64(raw) / float64(supply) * 100
}

// Ping checks node liveness for health reporting.
func (c *Client) Ping(ctx context.Context) error {
	out, err := c.rpc.GetHealth(ctx)
	if err != nil {
		return fmt.Errorf("chain health: %w", err)
	}
	if out != rpc.HealthOk {
		return fmt.Errorf("chain health: %s", out)
	}
	return nil
}

package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"strconv"
	"sync"
	"time"

	"tokenpulse/internal/cache"
	"tokenpulse/internal/metrics"
	"tokenpulse/internal/models"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

const poolCacheTTL = time.Minute

// PoolInfo identifies one AMM pool and its mint orientation.
type PoolInfo struct {
	Address   solana.PublicKey `json:"address"`
	BaseMint  solana.PublicKey `json:"baseMint"`
	QuoteMint solana.PublicKey `json:"quoteMint"`
}

// PoolReserves carries raw vault balances and decimals, oriented so that
// the token side is the mint the caller asked to price.
type PoolReserves struct {
	TokenReserveRaw uint64
	QuoteReserveRaw uint64
	TokenDecimals   uint8
	QuoteDecimals   uint8
}

// Price returns the quote-denominated price of one token unit.
func (r PoolReserves) Price() float64 {
	tokenAmt := float64(r.TokenReserveRaw) / math.Pow10(int(r.TokenDecimals))
	if tokenAmt == 0 {
		return 0
	}
	quoteAmt := float64(r.QuoteReserveRaw) / math.Pow10(int(r.QuoteDecimals))
	return quoteAmt / tokenAmt
}

// QuoteReserveUI returns the quote-side reserve in UI units, used for
// pool depth filtering.
func (r PoolReserves) QuoteReserveUI() float64 {
	return float64(r.QuoteReserveRaw) / math.Pow10(int(r.QuoteDecimals))
}

// FindPoolsForPair returns every AMM pool holding exactly the pair {a, b},
// in either orientation. Results cache for a minute since pool listings
// only change when markets are created.
func (c *Client) FindPoolsForPair(ctx context.Context, a, b string) ([]PoolInfo, error) {
	pkA, err := solana.PublicKeyFromBase58(a)
	if err != nil {
		return nil, &models.InvalidMintError{Mint: a, Reason: "malformed base58 address"}
	}
	pkB, err := solana.PublicKeyFromBase58(b)
	if err != nil {
		return nil, &models.InvalidMintError{Mint: b, Reason: "malformed base58 address"}
	}

	key := cache.KeyPool(a, b)
	if data, err := c.cache.Get(ctx, key); err == nil && data != nil {
		var pools []PoolInfo
		if err := json.Unmarshal(data, &pools); err == nil {
			return pools, nil
		}
	}

	var pools []PoolInfo
	for _, pair := range [][2]solana.PublicKey{{pkA, pkB}, {pkB, pkA}} {
		found, err := c.scanPools(ctx, pair[0], pair[1])
		if err != nil {
			return nil, err
		}
		pools = append(pools, found...)
	}

	if data, err := json.Marshal(pools); err == nil {
		if err := c.cache.SetTTL(ctx, key, data, poolCacheTTL); err != nil {
			log.Printf("[chain] failed to cache pools for %s/%s: %v", a, b, err)
		}
	}
	return pools, nil
}

// scanPools lists pools with the exact (base, quote) orientation. The
// memcmp filters run server-side and the data slice keeps the response to
// the two mint fields per account, never full pool bodies.
func (c *Client) scanPools(ctx context.Context, base, quote solana.PublicKey) ([]PoolInfo, error) {
	sliceOff := uint64(ammV4BaseMintOff)
	sliceLen := uint64(64)
	res, err := c.rpc.GetProgramAccountsWithOpts(ctx, AmmV4Program, &rpc.GetProgramAccountsOpts{
		Commitment: rpc.CommitmentConfirmed,
		Encoding:   solana.EncodingBase64,
		DataSlice:  &rpc.DataSlice{Offset: &sliceOff, Length: &sliceLen},
		Filters: []rpc.RPCFilter{
			{DataSize: ammV4DataSize},
			{Memcmp: &rpc.RPCFilterMemcmp{Offset: ammV4BaseMintOff, Bytes: solana.Base58(base.Bytes())}},
			{Memcmp: &rpc.RPCFilterMemcmp{Offset: ammV4QuoteMintOff, Bytes: solana.Base58(quote.Bytes())}},
		},
	})
	metrics.RecordUpstream("chain", metrics.Outcome(err))
	if err != nil {
		return nil, &models.ChainUnavailableError{Op: "scan pools", Err: err}
	}

	pools := make([]PoolInfo, 0, len(res))
	for _, acct := range res {
		baseMint, quoteMint, ok := parseMintWindow(acct.Account.Data.GetBinary())
		if !ok {
			continue
		}
		pools = append(pools, PoolInfo{Address: acct.Pubkey, BaseMint: baseMint, QuoteMint: quoteMint})
	}
	return pools, nil
}

// parseMintWindow splits the 64-byte (baseMint, quoteMint) slice.
func parseMintWindow(data []byte) (base, quote solana.PublicKey, ok bool) {
	if len(data) < 64 {
		return base, quote, false
	}
	copy(base[:], data[0:32])
	copy(quote[:], data[32:64])
	return base, quote, true
}

type poolVaults struct {
	baseVault  solana.PublicKey
	quoteVault solana.PublicKey
	baseMint   solana.PublicKey
	quoteMint  solana.PublicKey
}

// parseVaultWindow splits the 128-byte slice starting at the base vault:
// baseVault, quoteVault, baseMint, quoteMint.
func parseVaultWindow(data []byte) (poolVaults, bool) {
	var v poolVaults
	if len(data) < 128 {
		return v, false
	}
	copy(v.baseVault[:], data[0:32])
	copy(v.quoteVault[:], data[32:64])
	copy(v.baseMint[:], data[64:96])
	copy(v.quoteMint[:], data[96:128])
	return v, true
}

// ReadPoolReserves resolves which vault belongs to tokenMint and reads
// both vault balances in parallel.
func (c *Client) ReadPoolReserves(ctx context.Context, poolAddr solana.PublicKey, tokenMint string) (*PoolReserves, error) {
	sliceOff := uint64(ammV4BaseVaultOff)
	sliceLen := uint64(128)
	info, err := c.rpc.GetAccountInfoWithOpts(ctx, poolAddr, &rpc.GetAccountInfoOpts{
		Commitment: rpc.CommitmentConfirmed,
		Encoding:   solana.EncodingBase64,
		DataSlice:  &rpc.DataSlice{Offset: &sliceOff, Length: &sliceLen},
	})
	metrics.RecordUpstream("chain", metrics.Outcome(err))
	if err != nil {
		return nil, &models.ChainUnavailableError{Op: "read pool account", Err: err}
	}
	if info.Value == nil {
		return nil, &models.ChainUnavailableError{Op: "read pool account", Err: errors.New("pool account missing")}
	}

	vaults, ok := parseVaultWindow(info.Value.Data.GetBinary())
	if !ok {
		return nil, &models.ChainUnavailableError{Op: "read pool account", Err: errors.New("truncated pool data")}
	}

	var tokenVault, quoteVault solana.PublicKey
	switch tokenMint {
	case vaults.baseMint.String():
		tokenVault, quoteVault = vaults.baseVault, vaults.quoteVault
	case vaults.quoteMint.String():
		tokenVault, quoteVault = vaults.quoteVault, vaults.baseVault
	default:
		return nil, fmt.Errorf("pool %s does not hold mint %s", poolAddr, tokenMint)
	}

	var (
		wg                 sync.WaitGroup
		tokenBal, quoteBal *rpc.UiTokenAmount
		tokenErr, quoteErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		tokenBal, tokenErr = c.vaultBalance(ctx, tokenVault)
	}()
	go func() {
		defer wg.Done()
		quoteBal, quoteErr = c.vaultBalance(ctx, quoteVault)
	}()
	wg.Wait()
	if tokenErr != nil {
		return nil, tokenErr
	}
	if quoteErr != nil {
		return nil, quoteErr
	}

	tokenRaw, err := strconv.ParseUint(tokenBal.Amount, 10, 64)
	if err != nil {
		return nil, &models.ChainUnavailableError{Op: "parse vault balance", Err: err}
	}
	quoteRaw, err := strconv.ParseUint(quoteBal.Amount, 10, 64)
	if err != nil {
		return nil, &models.ChainUnavailableError{Op: "parse vault balance", Err: err}
	}

	return &PoolReserves{
		TokenReserveRaw: tokenRaw,
		QuoteReserveRaw: quoteRaw,
		TokenDecimals:   tokenBal.Decimals,
		QuoteDecimals:   quoteBal.Decimals,
	}, nil
}

func (c *Client) vaultBalance(ctx context.Context, vault solana.PublicKey) (*rpc.UiTokenAmount, error) {
	res, err := c.rpc.GetTokenAccountBalance(ctx, vault, rpc.CommitmentConfirmed)
	metrics.RecordUpstream("chain", metrics.Outcome(err))
	if err != nil {
		return nil, &models.ChainUnavailableError{Op: "get vault balance", Err: err}
	}
	if res.Value == nil {
		return nil, &models.ChainUnavailableError{Op: "get vault balance", Err: errors.New("empty balance result")}
	}
	return res.Value, nil
}

package chain

import (
	"github.com/gagliardetto/solana-go"
)

// Well-known mainnet addresses.
var (
	// NativeMint is the wrapped native coin, the preferred quote asset.
	// It is accepted by validation without a chain round-trip.
	NativeMint = solana.MustPublicKeyFromBase58("So11111111111111111111111111111111111111112")

	// StableMint is the canonical USD stable, the secondary quote asset.
	StableMint = solana.MustPublicKeyFromBase58("EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v")

	// TokenProgram and TokenProgram2022 are the two owners a valid mint
	// account may have.
	TokenProgram     = solana.MustPublicKeyFromBase58("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA")
	TokenProgram2022 = solana.MustPublicKeyFromBase58("TokenzQdBNbLqP5VEhdkAS6EPFLC1PHnBqCXEpPxuEb")

	// AmmV4Program is the liquidity-pool program scanned when a price has
	// to be derived from on-chain reserves.
	AmmV4Program = solana.MustPublicKeyFromBase58("675kPX9MHTjS2zt1qfr1NYHuzeLXfQM9H24wFSUt1Mp8")
)

const (
	// NativeDecimals is fixed by the chain.
	NativeDecimals = 9

	// NativeRawSupply is the documented circulating supply of the native
	// coin in base units (~598M coins). The wrapped mint's on-chain supply
	// only counts wrapped coins, so market caps for the native mint use
	// this figure instead.
	NativeRawSupply = uint64(598_000_000) * 1_000_000_000

	// StableDecimals is fixed by the stable issuer.
	StableDecimals = 6
)

// AMM v4 liquidity-state layout. Pool scans filter on the account size and
// read only the vault and mint windows, never full pool bodies.
const (
	ammV4DataSize      = 752
	ammV4BaseVaultOff  = 336
	ammV4QuoteVaultOff = 368
	ammV4BaseMintOff   = 400
	ammV4QuoteMintOff  = 432
)

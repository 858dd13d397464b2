package cache

import (
	"fmt"
	"time"
)

// Every cache key used across the service is minted here, so purges can
// enumerate exactly what belongs to a mint.

// KeyNativeUSD holds the cached USD price of the native coin.
const KeyNativeUSD = "native_usd_price"

// BanTTL bounds how long an invalid mint stays banned before it may be
// considered for readmission.
const BanTTL = 24 * time.Hour

func KeyValidation(mint string) string { return "validation:" + mint }

// KeyBanned marks a mint the scheduler must not ingest.
func KeyBanned(mint string) string { return "invalid_token:" + mint }

func KeyTokenInfo(mint string) string     { return "token_info:" + mint }
func KeyTokenSupply(mint string) string   { return "token_supply:" + mint }
func KeyTokenDecimals(mint string) string { return "token_decimals:" + mint }
func KeyPriceNative(mint string) string   { return "token_price_native:" + mint }
func KeyRisk(mint string) string          { return "rugcheck:" + mint }

func KeyQuote(provider, mint string) string {
	return fmt.Sprintf("quote:%s:%s", provider, mint)
}

func KeyPool(a, b string) string {
	return fmt.Sprintf("pool:%s:%s", a, b)
}

func KeyTopHolders(mint string, limit int) string {
	return fmt.Sprintf("top_holders:%s:%d", mint, limit)
}

// MintKeys returns the exact per-mint keys to drop when purging a mint.
func MintKeys(mint string) []string {
	return []string{
		KeyValidation(mint),
		KeyTokenInfo(mint),
		KeyTokenSupply(mint),
		KeyTokenDecimals(mint),
		KeyPriceNative(mint),
		KeyRisk(mint),
	}
}

// MintScanPatterns returns glob patterns for the per-mint key classes
// whose full names are not enumerable (provider and limit segments).
func MintScanPatterns(mint string) []string {
	return []string{
		"quote:*:" + mint,
		"top_holders:" + mint + ":*",
	}
}

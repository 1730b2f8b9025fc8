package solana

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testOwner Pubkey = "HN7cABqLq46Es1jh92dQQisAq662SmxELLLsHHe4YWrH"
	testMintA Pubkey = "DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263"
	testMintB Pubkey = "JUPyiwrYJFskUPiHa7hkeR8VUtAeFoSYbKedZNsDvCN"
)

func mapATA(t *testing.T, stub *StubRPCClient, mint Pubkey) {
	t.Helper()
	ata, err := AssociatedTokenAddress(testOwner, mint, TokenProgramID)
	require.NoError(t, err)
	stub.MapTokenAccount(ata, mint)
}

func TestBalanceReader_ScanSuccess(t *testing.T) {
	stub := NewStubRPCClient()
	stub.SetTokenBalance(testMintA, decimal.NewFromInt(100), 5)

	r := NewBalanceReader(stub, DefaultBalanceReaderConfig())
	tokens, err := r.Tokens(context.Background(), testOwner, []Pubkey{testMintA, testMintB})
	require.NoError(t, err)

	assert.Equal(t, "100", tokens[testMintA].Amount.String())
	assert.True(t, tokens[testMintB].Amount.IsZero(), "tracked mint without balance reported as zero")
	assert.False(t, r.Restricted())
}

func TestBalanceReader_CapabilityRestrictedSwitchesForSession(t *testing.T) {
	stub := NewStubRPCClient()
	stub.RestrictScans(true)
	stub.SetTokenBalance(testMintA, decimal.NewFromInt(7), 6)
	mapATA(t, stub, testMintA)

	r := NewBalanceReader(stub, DefaultBalanceReaderConfig())

	tokens, err := r.Tokens(context.Background(), testOwner, []Pubkey{testMintA})
	require.NoError(t, err)
	assert.Equal(t, "7", tokens[testMintA].Amount.String())
	assert.True(t, r.Restricted())

	// Second read does not try the scan again.
	_, err = r.Tokens(context.Background(), testOwner, []Pubkey{testMintA})
	require.NoError(t, err)
	assert.Equal(t, 1, stub.ScanCalls())
	assert.Equal(t, int64(2), r.FallbackReads())
}

func TestBalanceReader_RateLimitBackoffWindow(t *testing.T) {
	now := time.Now()
	stub := NewStubRPCClient()
	r := NewBalanceReader(&rateLimitedScans{StubRPCClient: stub}, BalanceReaderConfig{BackoffWindow: time.Minute})
	r.now = func() time.Time { return now }

	_, err := r.Tokens(context.Background(), testOwner, nil)
	require.NoError(t, err)
	assert.False(t, r.scanAllowed(), "scans suspended during the backoff window")

	now = now.Add(61 * time.Second)
	assert.True(t, r.scanAllowed())
	assert.False(t, r.Restricted())
}

func TestBalanceReader_FallbackKeepsCachedOnReadError(t *testing.T) {
	stub := NewStubRPCClient()
	stub.SetTokenBalance(testMintA, decimal.NewFromInt(3), 6)

	r := NewBalanceReader(stub, DefaultBalanceReaderConfig())
	_, err := r.Tokens(context.Background(), testOwner, []Pubkey{testMintA})
	require.NoError(t, err)

	stub.RestrictScans(true)
	// ATA not mapped: the fallback reports zero rather than failing.
	tokens, err := r.Tokens(context.Background(), testOwner, []Pubkey{testMintA})
	require.NoError(t, err)
	assert.True(t, tokens[testMintA].Amount.IsZero())
}

func TestBalanceReader_SOL(t *testing.T) {
	stub := NewStubRPCClient()
	stub.SetLamports(2_500_000_000)
	r := NewBalanceReader(stub, DefaultBalanceReaderConfig())

	sol, err := r.SOL(context.Background(), testOwner)
	require.NoError(t, err)
	assert.Equal(t, "2.5", sol.String())
}

type rateLimitedScans struct {
	*StubRPCClient
}

func (r *rateLimitedScans) GetTokenAccountsByOwner(_ context.Context, _ Pubkey) (map[Pubkey]TokenBalance, error) {
	return nil, &RPCError{Method: "getTokenAccountsByOwner", Code: 429, Message: "Too many requests"}
}

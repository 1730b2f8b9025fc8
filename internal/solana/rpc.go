package solana

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// RPC Client Interface
// ---------------------------------------------------------------------------

// RPCClient is the interface for Solana RPC interactions.
// Implementations: LiveRPCClient (real Solana), StubRPCClient (testing).
type RPCClient interface {
	// GetBalance returns the native balance of owner in lamports.
	GetBalance(ctx context.Context, owner Pubkey) (uint64, error)

	// GetTokenAccountsByOwner enumerates every SPL token balance held by owner.
	// Many hosted plans forbid this call; it then fails with ErrCapabilityRestricted.
	GetTokenAccountsByOwner(ctx context.Context, owner Pubkey) (map[Pubkey]TokenBalance, error)

	// GetTokenAccountBalance reads a single token account. A missing account
	// returns ErrAccountNotFound.
	GetTokenAccountBalance(ctx context.Context, account Pubkey) (*TokenBalance, error)

	// GetAccountData returns the raw data of an account.
	GetAccountData(ctx context.Context, account Pubkey) ([]byte, error)

	// GetMintDecimals returns the decimals of a token mint.
	GetMintDecimals(ctx context.Context, mint Pubkey) (uint8, error)

	// GetLatestBlockhash returns a recent blockhash (base58).
	GetLatestBlockhash(ctx context.Context) (string, error)

	// SendTransaction submits a signed transaction to the network.
	SendTransaction(ctx context.Context, txBase64 string) (Signature, error)

	// GetTransactionStatus checks if a transaction is confirmed.
	GetTransactionStatus(ctx context.Context, sig Signature) (string, error) // pending|processed|confirmed|finalized|failed

	// Health returns the RPC endpoint health.
	Health(ctx context.Context) error
}

// Errors returned by RPC clients.
var (
	// ErrCapabilityRestricted is returned when the RPC plan forbids a method.
	ErrCapabilityRestricted = errors.New("rpc: capability restricted")
	// ErrRateLimited is returned when retries are exhausted on 429 responses.
	ErrRateLimited = errors.New("rpc: rate limited")
	// ErrCircuitOpen is returned while the circuit breaker is open.
	ErrCircuitOpen = errors.New("rpc: circuit breaker open")
	// ErrAccountNotFound is returned when an account does not exist.
	ErrAccountNotFound = errors.New("rpc: account not found")
)

// RPCError is a JSON-RPC level error.
type RPCError struct {
	Method  string
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc: %s error %d: %s", e.Method, e.Code, e.Message)
}

// Is lets errors.Is match the capability, rate-limit and not-found classes.
func (e *RPCError) Is(target error) bool {
	switch target {
	case ErrCapabilityRestricted:
		return isCapabilityMessage(e.Code, e.Message)
	case ErrRateLimited:
		return e.Code == 429 || e.Code == -32429 || strings.Contains(strings.ToLower(e.Message), "rate limit")
	case ErrAccountNotFound:
		msg := strings.ToLower(e.Message)
		return strings.Contains(msg, "could not find account") || strings.Contains(msg, "account not found")
	}
	return false
}

// capability markers reported by hosted RPC providers when a method is not
// part of the plan.
var capabilityMarkers = []string{
	"method not found",
	"not available",
	"not supported",
	"disabled",
	"upgrade your plan",
	"not allowed",
	"excluded from account secondary indexes",
}

func isCapabilityMessage(code int, message string) bool {
	if code == -32601 || code == 401 || code == 403 {
		return true
	}
	msg := strings.ToLower(message)
	for _, m := range capabilityMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// RPCConfig configures the Solana RPC client.
type RPCConfig struct {
	Endpoint     string        `yaml:"endpoint"`    // e.g. https://api.mainnet-beta.solana.com
	WSEndpoint   string        `yaml:"ws_endpoint"` // e.g. wss://api.mainnet-beta.solana.com
	Timeout      time.Duration `yaml:"timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	RateLimitRPS float64       `yaml:"rate_limit_rps"` // requests per second limit
}

// DefaultRPCConfig returns development defaults.
func DefaultRPCConfig() RPCConfig {
	return RPCConfig{
		Endpoint:     "https://api.mainnet-beta.solana.com",
		WSEndpoint:   "wss://api.mainnet-beta.solana.com",
		Timeout:      10 * time.Second,
		MaxRetries:   3,
		RateLimitRPS: 10,
	}
}

// ---------------------------------------------------------------------------
// Stub RPC Client (for testing and development)
// ---------------------------------------------------------------------------

// StubRPCClient is a scripted RPC client for tests and offline runs.
type StubRPCClient struct {
	mu            sync.RWMutex
	lamports      uint64
	tokens        map[Pubkey]TokenBalance
	accounts      map[Pubkey]Pubkey // token account -> mint
	accountData   map[Pubkey][]byte
	decimals      map[Pubkey]uint8
	statuses      map[Signature]string
	sent          []string
	blockhash     string
	restrictScan  bool
	scanCalls     int
	failNext      bool
	sendErr       error
	statusErr     error
	statusCalls   int
	defaultStatus string
}

// NewStubRPCClient creates a stub RPC client for testing.
func NewStubRPCClient() *StubRPCClient {
	return &StubRPCClient{
		lamports:      10 * LamportsPerSOL,
		tokens:        make(map[Pubkey]TokenBalance),
		accounts:      make(map[Pubkey]Pubkey),
		accountData:   make(map[Pubkey][]byte),
		decimals:      make(map[Pubkey]uint8),
		statuses:      make(map[Signature]string),
		blockhash:     "EkSnNWid2cvwEVnVx9aBqawnmiCNiDgp3gUdkDPTKN1N",
		defaultStatus: StatusConfirmed,
	}
}

// SetLamports sets the native wallet balance.
func (s *StubRPCClient) SetLamports(lamports uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lamports = lamports
}

// SetTokenBalance sets the balance held for a mint. A zero amount removes it.
func (s *StubRPCClient) SetTokenBalance(mint Pubkey, amount decimal.Decimal, decimals uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decimals[mint] = decimals
	if !amount.IsPositive() {
		delete(s.tokens, mint)
		return
	}
	s.tokens[mint] = TokenBalance{Mint: mint, Amount: amount, Decimals: decimals}
}

// MapTokenAccount associates a token account address with a mint so
// GetTokenAccountBalance can answer for it.
func (s *StubRPCClient) MapTokenAccount(account, mint Pubkey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[account] = mint
}

// SetAccountData sets raw account data.
func (s *StubRPCClient) SetAccountData(account Pubkey, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accountData[account] = data
}

// SetStatus scripts the status returned for a signature.
func (s *StubRPCClient) SetStatus(sig Signature, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[sig] = status
}

// SetDefaultStatus sets the status returned for unscripted signatures.
func (s *StubRPCClient) SetDefaultStatus(status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaultStatus = status
}

// RestrictScans makes owner-wide token scans fail as capability restricted.
func (s *StubRPCClient) RestrictScans(restricted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restrictScan = restricted
}

// SetSendError makes every SendTransaction fail with err (nil clears it).
func (s *StubRPCClient) SetSendError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErr = err
}

// SetStatusError makes every GetTransactionStatus fail with err (nil clears it).
func (s *StubRPCClient) SetStatusError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusErr = err
}

// StatusCalls returns how many status lookups were made.
func (s *StubRPCClient) StatusCalls() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.statusCalls
}

// SetFailNext makes the next call fail.
func (s *StubRPCClient) SetFailNext() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = true
}

// Sent returns the transactions submitted so far.
func (s *StubRPCClient) Sent() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.sent))
	copy(out, s.sent)
	return out
}

// ScanCalls returns how many owner-wide scans were attempted.
func (s *StubRPCClient) ScanCalls() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scanCalls
}

func (s *StubRPCClient) shouldFail() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext {
		s.failNext = false
		return true
	}
	return false
}

// --- Interface implementation ---

func (s *StubRPCClient) GetBalance(_ context.Context, _ Pubkey) (uint64, error) {
	if s.shouldFail() {
		return 0, fmt.Errorf("stub: simulated RPC failure")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lamports, nil
}

func (s *StubRPCClient) GetTokenAccountsByOwner(_ context.Context, _ Pubkey) (map[Pubkey]TokenBalance, error) {
	if s.shouldFail() {
		return nil, fmt.Errorf("stub: simulated RPC failure")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scanCalls++
	if s.restrictScan {
		return nil, &RPCError{Method: "getTokenAccountsByOwner", Code: -32601, Message: "method not found"}
	}
	out := make(map[Pubkey]TokenBalance, len(s.tokens))
	for k, v := range s.tokens {
		out[k] = v
	}
	return out, nil
}

func (s *StubRPCClient) GetTokenAccountBalance(_ context.Context, account Pubkey) (*TokenBalance, error) {
	if s.shouldFail() {
		return nil, fmt.Errorf("stub: simulated RPC failure")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	mint, ok := s.accounts[account]
	if !ok {
		return nil, ErrAccountNotFound
	}
	bal, ok := s.tokens[mint]
	if !ok {
		return &TokenBalance{Mint: mint, Amount: decimal.Zero, Decimals: s.decimals[mint]}, nil
	}
	return &bal, nil
}

func (s *StubRPCClient) GetAccountData(_ context.Context, account Pubkey) ([]byte, error) {
	if s.shouldFail() {
		return nil, fmt.Errorf("stub: simulated RPC failure")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.accountData[account]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return data, nil
}

func (s *StubRPCClient) GetMintDecimals(_ context.Context, mint Pubkey) (uint8, error) {
	if s.shouldFail() {
		return 0, fmt.Errorf("stub: simulated RPC failure")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if d, ok := s.decimals[mint]; ok {
		return d, nil
	}
	return 6, nil
}

func (s *StubRPCClient) GetLatestBlockhash(_ context.Context) (string, error) {
	if s.shouldFail() {
		return "", fmt.Errorf("stub: simulated RPC failure")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.blockhash, nil
}

func (s *StubRPCClient) SendTransaction(_ context.Context, txBase64 string) (Signature, error) {
	if s.shouldFail() {
		return "", fmt.Errorf("stub: simulated RPC failure")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return "", s.sendErr
	}
	s.sent = append(s.sent, txBase64)
	return Signature(fmt.Sprintf("stub-sig-%d", len(s.sent))), nil
}

func (s *StubRPCClient) GetTransactionStatus(_ context.Context, sig Signature) (string, error) {
	if s.shouldFail() {
		return "", fmt.Errorf("stub: simulated RPC failure")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusCalls++
	if s.statusErr != nil {
		return "", s.statusErr
	}
	if st, ok := s.statuses[sig]; ok {
		return st, nil
	}
	return s.defaultStatus, nil
}

func (s *StubRPCClient) Health(_ context.Context) error {
	if s.shouldFail() {
		return fmt.Errorf("stub: simulated RPC failure")
	}
	return nil
}

package solana

import (
	"context"
	"encoding/base64"
	"fmt"

	bin "github.com/gagliardetto/binary"
	sol "github.com/gagliardetto/solana-go"
	addresslookuptable "github.com/gagliardetto/solana-go/programs/address-lookup-table"
)

// AccountMeta is one account reference of an instruction.
type AccountMeta struct {
	Pubkey     Pubkey `json:"pubkey"`
	IsSigner   bool   `json:"isSigner"`
	IsWritable bool   `json:"isWritable"`
}

// Instruction is a router-agnostic program instruction.
type Instruction struct {
	ProgramID Pubkey        `json:"programId"`
	Accounts  []AccountMeta `json:"accounts"`
	Data      []byte        `json:"data"`
}

// Signer signs transactions on behalf of the trading wallet.
type Signer interface {
	PublicKey() Pubkey
	// SignSerialized signs a router-assembled base64 transaction.
	SignSerialized(txBase64 string) (string, error)
	// BuildAndSign assembles instructions into a transaction and signs it.
	// Lookup tables are only used for versioned transactions.
	BuildAndSign(instructions []Instruction, blockhash string, tables map[Pubkey][]Pubkey, versioned bool) (string, error)
}

// Wallet holds the trading keypair.
type Wallet struct {
	key sol.PrivateKey
	pub sol.PublicKey
}

// LoadWallet loads the keypair from a base58 private key or, when empty,
// from a solana-keygen JSON file.
func LoadWallet(privateKey, keyFile string) (*Wallet, error) {
	switch {
	case privateKey != "":
		key, err := sol.PrivateKeyFromBase58(privateKey)
		if err != nil {
			return nil, fmt.Errorf("wallet: invalid private key: %w", err)
		}
		return NewWallet(key), nil
	case keyFile != "":
		key, err := sol.PrivateKeyFromSolanaKeygenFile(keyFile)
		if err != nil {
			return nil, fmt.Errorf("wallet: read keygen file: %w", err)
		}
		return NewWallet(key), nil
	}
	return nil, fmt.Errorf("wallet: no private key or key file configured")
}

// NewWallet wraps an existing private key.
func NewWallet(key sol.PrivateKey) *Wallet {
	return &Wallet{key: key, pub: key.PublicKey()}
}

// GenerateWallet creates a throwaway keypair (dry-run and tests).
func GenerateWallet() (*Wallet, error) {
	key, err := sol.NewRandomPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("wallet: generate: %w", err)
	}
	return NewWallet(key), nil
}

// PublicKey returns the wallet address.
func (w *Wallet) PublicKey() Pubkey {
	return Pubkey(w.pub.String())
}

func (w *Wallet) getter(key sol.PublicKey) *sol.PrivateKey {
	if key.Equals(w.pub) {
		return &w.key
	}
	return nil
}

// SignSerialized decodes a legacy or v0 transaction, signs it and re-encodes.
func (w *Wallet) SignSerialized(txBase64 string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(txBase64)
	if err != nil {
		return "", fmt.Errorf("wallet: decode transaction: %w", err)
	}
	tx, err := sol.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return "", fmt.Errorf("wallet: parse transaction: %w", err)
	}
	// Router transactions carry zeroed placeholder signatures; Sign appends.
	tx.Signatures = nil
	if _, err := tx.Sign(w.getter); err != nil {
		return "", fmt.Errorf("wallet: sign: %w", err)
	}
	out, err := tx.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("wallet: encode transaction: %w", err)
	}
	return base64.StdEncoding.EncodeToString(out), nil
}

// TransactionSignature returns the fee payer signature of a signed base64
// transaction. It is the id the network will know the transaction by, so it
// is available before the transaction is sent.
func TransactionSignature(txBase64 string) (Signature, error) {
	raw, err := base64.StdEncoding.DecodeString(txBase64)
	if err != nil {
		return "", fmt.Errorf("wallet: decode transaction: %w", err)
	}
	count, n, err := bin.DecodeCompactU16(raw)
	if err != nil {
		return "", fmt.Errorf("wallet: signature count: %w", err)
	}
	if count == 0 || len(raw) < n+sol.SignatureLength {
		return "", fmt.Errorf("wallet: transaction carries no signature")
	}
	sig := sol.SignatureFromBytes(raw[n : n+sol.SignatureLength])
	if sig.IsZero() {
		return "", fmt.Errorf("wallet: transaction is unsigned")
	}
	return Signature(sig.String()), nil
}

// BuildAndSign assembles and signs a transaction paid by the wallet.
func (w *Wallet) BuildAndSign(instructions []Instruction, blockhash string, tables map[Pubkey][]Pubkey, versioned bool) (string, error) {
	if len(instructions) == 0 {
		return "", fmt.Errorf("wallet: no instructions")
	}
	hash, err := sol.HashFromBase58(blockhash)
	if err != nil {
		return "", fmt.Errorf("wallet: invalid blockhash: %w", err)
	}

	ixs := make([]sol.Instruction, 0, len(instructions))
	for i, in := range instructions {
		ix, err := toSolInstruction(in)
		if err != nil {
			return "", fmt.Errorf("wallet: instruction %d: %w", i, err)
		}
		ixs = append(ixs, ix)
	}

	opts := []sol.TransactionOption{sol.TransactionPayer(w.pub)}
	if versioned && len(tables) > 0 {
		alts, err := toSolTables(tables)
		if err != nil {
			return "", err
		}
		opts = append(opts, sol.TransactionAddressTables(alts))
	}

	tx, err := sol.NewTransaction(ixs, hash, opts...)
	if err != nil {
		return "", fmt.Errorf("wallet: build transaction: %w", err)
	}
	if versioned {
		tx.Message.SetVersion(sol.MessageVersionV0)
	}
	if _, err := tx.Sign(w.getter); err != nil {
		return "", fmt.Errorf("wallet: sign: %w", err)
	}
	out, err := tx.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("wallet: encode transaction: %w", err)
	}
	return base64.StdEncoding.EncodeToString(out), nil
}

func toSolInstruction(in Instruction) (sol.Instruction, error) {
	program, err := sol.PublicKeyFromBase58(string(in.ProgramID))
	if err != nil {
		return nil, fmt.Errorf("program id: %w", err)
	}
	metas := make(sol.AccountMetaSlice, 0, len(in.Accounts))
	for _, a := range in.Accounts {
		pk, err := sol.PublicKeyFromBase58(string(a.Pubkey))
		if err != nil {
			return nil, fmt.Errorf("account %s: %w", a.Pubkey, err)
		}
		metas = append(metas, sol.NewAccountMeta(pk, a.IsWritable, a.IsSigner))
	}
	return sol.NewInstruction(program, metas, in.Data), nil
}

func toSolTables(tables map[Pubkey][]Pubkey) (map[sol.PublicKey]sol.PublicKeySlice, error) {
	out := make(map[sol.PublicKey]sol.PublicKeySlice, len(tables))
	for table, addrs := range tables {
		tk, err := sol.PublicKeyFromBase58(string(table))
		if err != nil {
			return nil, fmt.Errorf("wallet: lookup table %s: %w", table, err)
		}
		keys := make(sol.PublicKeySlice, 0, len(addrs))
		for _, a := range addrs {
			k, err := sol.PublicKeyFromBase58(string(a))
			if err != nil {
				return nil, fmt.Errorf("wallet: lookup table entry %s: %w", a, err)
			}
			keys = append(keys, k)
		}
		out[tk] = keys
	}
	return out, nil
}

// ResolveLookupTables fetches and decodes address lookup tables.
func ResolveLookupTables(ctx context.Context, rpc RPCClient, addrs []Pubkey) (map[Pubkey][]Pubkey, error) {
	out := make(map[Pubkey][]Pubkey, len(addrs))
	for _, addr := range addrs {
		data, err := rpc.GetAccountData(ctx, addr)
		if err != nil {
			return nil, fmt.Errorf("lookup table %s: %w", addr, err)
		}
		state, err := addresslookuptable.DecodeAddressLookupTableState(data)
		if err != nil {
			return nil, fmt.Errorf("lookup table %s: decode: %w", addr, err)
		}
		entries := make([]Pubkey, 0, len(state.Addresses))
		for _, a := range state.Addresses {
			entries = append(entries, Pubkey(a.String()))
		}
		out[addr] = entries
	}
	return out, nil
}

// AssociatedTokenAddress derives the owner's token account for mint under
// the given token program.
func AssociatedTokenAddress(owner, mint Pubkey, tokenProgram string) (Pubkey, error) {
	ownerKey, err := sol.PublicKeyFromBase58(string(owner))
	if err != nil {
		return "", fmt.Errorf("ata: owner: %w", err)
	}
	mintKey, err := sol.PublicKeyFromBase58(string(mint))
	if err != nil {
		return "", fmt.Errorf("ata: mint: %w", err)
	}
	programKey, err := sol.PublicKeyFromBase58(tokenProgram)
	if err != nil {
		return "", fmt.Errorf("ata: program: %w", err)
	}
	addr, _, err := sol.FindProgramAddress([][]byte{
		ownerKey[:],
		programKey[:],
		mintKey[:],
	}, sol.SPLAssociatedTokenAccountProgramID)
	if err != nil {
		return "", fmt.Errorf("ata: derive: %w", err)
	}
	return Pubkey(addr.String()), nil
}

// Package chain talks to the Solana cluster: minting editions, moving USDC,
// sponsoring buyer transactions, and reading back confirmed fees. Everything
// network-facing sits behind the Client interface so settlement logic can be
// exercised against fakes.
package chain

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
)

var (
	// ErrAccountNotFound indicates the queried account does not exist on chain.
	ErrAccountNotFound = errors.New("chain: account not found")
)

// ConfirmationLevel mirrors the cluster's commitment ladder for one signature.
type ConfirmationLevel string

const (
	ConfirmationUnknown   ConfirmationLevel = "unknown"
	ConfirmationProcessed ConfirmationLevel = "processed"
	ConfirmationConfirmed ConfirmationLevel = "confirmed"
	ConfirmationFinalized ConfirmationLevel = "finalized"
)

// SignatureStatus is the observed state of one submitted transaction.
type SignatureStatus struct {
	Level  ConfirmationLevel
	Failed bool
}

// Client is the slice of the RPC surface the settlement engine uses.
type Client interface {
	LatestBlockhash(ctx context.Context) (solana.Hash, error)
	SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
	SignatureStatus(ctx context.Context, signature solana.Signature) (SignatureStatus, error)
	TransactionFeeLamports(ctx context.Context, signature solana.Signature) (uint64, error)
	AccountExists(ctx context.Context, account solana.PublicKey) (bool, error)
	TokenBalance(ctx context.Context, tokenAccount solana.PublicKey) (uint64, error)
	RentExemptMintLamports(ctx context.Context) (uint64, error)
}

// RPCClient implements Client over a JSON-RPC endpoint.
type RPCClient struct {
	rpc *rpc.Client
}

// NewRPCClient connects to the given RPC endpoint.
func NewRPCClient(endpoint string) (*RPCClient, error) {
	if endpoint == "" {
		return nil, errors.New("chain: rpc endpoint is required")
	}
	return &RPCClient{rpc: rpc.New(endpoint)}, nil
}

// LatestBlockhash fetches a recent blockhash at finalized commitment.
func (c *RPCClient) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	result, err := c.rpc.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return solana.Hash{}, fmt.Errorf("chain: latest blockhash: %w", err)
	}
	return result.Value.Blockhash, nil
}

// SendTransaction submits with preflight simulation enabled. Preflight surfaces
// balance and account errors before any value moves.
func (c *RPCClient) SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	signature, err := c.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		SkipPreflight:       false,
		PreflightCommitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("chain: send transaction: %w", err)
	}
	return signature, nil
}

// SignatureStatus reports the current commitment of one signature.
func (c *RPCClient) SignatureStatus(ctx context.Context, signature solana.Signature) (SignatureStatus, error) {
	result, err := c.rpc.GetSignatureStatuses(ctx, true, signature)
	if err != nil {
		return SignatureStatus{}, fmt.Errorf("chain: signature status: %w", err)
	}
	if len(result.Value) == 0 || result.Value[0] == nil {
		return SignatureStatus{Level: ConfirmationUnknown}, nil
	}
	entry := result.Value[0]
	status := SignatureStatus{Level: ConfirmationUnknown, Failed: entry.Err != nil}
	switch entry.ConfirmationStatus {
	case rpc.ConfirmationStatusProcessed:
		status.Level = ConfirmationProcessed
	case rpc.ConfirmationStatusConfirmed:
		status.Level = ConfirmationConfirmed
	case rpc.ConfirmationStatusFinalized:
		status.Level = ConfirmationFinalized
	}
	return status, nil
}

// TransactionFeeLamports reads the fee actually charged for a landed
// transaction.
func (c *RPCClient) TransactionFeeLamports(ctx context.Context, signature solana.Signature) (uint64, error) {
	version := uint64(0)
	result, err := c.rpc.GetTransaction(ctx, signature, &rpc.GetTransactionOpts{
		Commitment:                     rpc.CommitmentConfirmed,
		MaxSupportedTransactionVersion: &version,
	})
	if err != nil {
		return 0, fmt.Errorf("chain: get transaction: %w", err)
	}
	if result == nil || result.Meta == nil {
		return 0, fmt.Errorf("chain: get transaction %s: %w", signature, ErrAccountNotFound)
	}
	return result.Meta.Fee, nil
}

// AccountExists reports whether the account has been created on chain.
func (c *RPCClient) AccountExists(ctx context.Context, account solana.PublicKey) (bool, error) {
	_, err := c.rpc.GetAccountInfo(ctx, account)
	if errors.Is(err, rpc.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("chain: account info: %w", err)
	}
	return true, nil
}

// TokenBalance returns the raw base-unit balance of a token account. Missing
// accounts read as zero.
func (c *RPCClient) TokenBalance(ctx context.Context, tokenAccount solana.PublicKey) (uint64, error) {
	result, err := c.rpc.GetTokenAccountBalance(ctx, tokenAccount, rpc.CommitmentConfirmed)
	if errors.Is(err, rpc.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("chain: token balance: %w", err)
	}
	if result == nil || result.Value == nil {
		return 0, nil
	}
	amount, err := strconv.ParseUint(result.Value.Amount, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("chain: token balance parse: %w", err)
	}
	return amount, nil
}

// RentExemptMintLamports returns the rent-exemption deposit for a mint account.
func (c *RPCClient) RentExemptMintLamports(ctx context.Context) (uint64, error) {
	lamports, err := c.rpc.GetMinimumBalanceForRentExemption(ctx, token.MINT_SIZE, rpc.CommitmentFinalized)
	if err != nil {
		return 0, fmt.Errorf("chain: rent exemption: %w", err)
	}
	return lamports, nil
}

package chain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	// ErrInsufficientTreasury indicates the treasury token account cannot
	// cover the requested payouts. Checked before any instruction is built.
	ErrInsufficientTreasury = errors.New("chain: insufficient treasury balance")
	// ErrConfirmationTimeout indicates the transaction was submitted but its
	// fate is unknown within the polling window. Callers must reconcile
	// manually rather than retry.
	ErrConfirmationTimeout = errors.New("chain: confirmation timed out")
	// ErrTransactionFailed indicates the cluster executed and rejected the
	// transaction.
	ErrTransactionFailed = errors.New("chain: transaction failed on chain")

	noOpLogger = zap.NewNop()
)

const (
	usdcDecimals = 6

	defaultConfirmTimeout = 90 * time.Second
	defaultPollInterval   = 2 * time.Second

	// Micro-lamports per compute unit. Keeps settlement transactions ahead of
	// the default fee market without meaningful cost.
	defaultPriorityFee = 50_000

	lamportsPerSol = 1_000_000_000
)

// Payout is one USDC transfer leg of a settlement.
type Payout struct {
	Wallet    solana.PublicKey
	AmountUSD decimal.Decimal
}

// MintRequest describes one atomic mint-and-distribute settlement.
type MintRequest struct {
	BuyerWallet solana.PublicKey
	Metadata    MetadataArgs
	Payouts     []Payout
}

// Receipt reports the outcome of a submitted settlement transaction.
type Receipt struct {
	Signature     string
	MintAddress   string
	NetworkFeeUSD decimal.Decimal
	Confirmed     bool
}

// SettlerConfig describes the dependencies of the settlement engine.
type SettlerConfig struct {
	Client         Client
	Oracle         PriceOracle
	TreasuryKey    solana.PrivateKey
	USDCMint       solana.PublicKey
	Logger         *zap.Logger
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
	PriorityFee    uint64
}

// Settler executes settlement transactions against the cluster.
type Settler struct {
	client         Client
	oracle         PriceOracle
	treasuryKey    solana.PrivateKey
	usdcMint       solana.PublicKey
	logger         *zap.Logger
	confirmTimeout time.Duration
	pollInterval   time.Duration
	priorityFee    uint64
}

// NewSettler constructs the settlement engine.
func NewSettler(cfg SettlerConfig) (*Settler, error) {
	if cfg.Client == nil {
		return nil, errors.New("chain: client is required")
	}
	if cfg.Oracle == nil {
		return nil, errors.New("chain: price oracle is required")
	}
	if len(cfg.TreasuryKey) == 0 {
		return nil, errors.New("chain: treasury key is required")
	}
	if cfg.USDCMint.IsZero() {
		return nil, errors.New("chain: usdc mint is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	confirmTimeout := cfg.ConfirmTimeout
	if confirmTimeout <= 0 {
		confirmTimeout = defaultConfirmTimeout
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	priorityFee := cfg.PriorityFee
	if priorityFee == 0 {
		priorityFee = defaultPriorityFee
	}
	return &Settler{
		client:         cfg.Client,
		oracle:         cfg.Oracle,
		treasuryKey:    cfg.TreasuryKey,
		usdcMint:       cfg.USDCMint,
		logger:         logger,
		confirmTimeout: confirmTimeout,
		pollInterval:   pollInterval,
		priorityFee:    priorityFee,
	}, nil
}

// USDToBaseUnits converts ledger dollars to USDC base units, truncating any
// sub-micro-dollar dust.
func USDToBaseUnits(amount decimal.Decimal) uint64 {
	units := amount.Shift(usdcDecimals).IntPart()
	if units < 0 {
		return 0
	}
	return uint64(units)
}

// MintAndDistribute executes one settlement as a single transaction: mint one
// edition to the buyer and move every payee's USDC share from the treasury.
// Either all of it lands or none of it does.
func (s *Settler) MintAndDistribute(ctx context.Context, request MintRequest) (Receipt, error) {
	treasury := s.treasuryKey.PublicKey()

	totalPayout := uint64(0)
	for _, payout := range request.Payouts {
		totalPayout += USDToBaseUnits(payout.AmountUSD)
	}

	treasuryATA, _, err := solana.FindAssociatedTokenAddress(treasury, s.usdcMint)
	if err != nil {
		return Receipt{}, fmt.Errorf("chain: treasury ata: %w", err)
	}
	balance, err := s.client.TokenBalance(ctx, treasuryATA)
	if err != nil {
		return Receipt{}, err
	}
	if balance < totalPayout {
		s.logger.Error("treasury cannot cover settlement",
			zap.Uint64("balance", balance),
			zap.Uint64("required", totalPayout))
		return Receipt{}, fmt.Errorf("%w: have %d, need %d", ErrInsufficientTreasury, balance, totalPayout)
	}

	rentLamports, err := s.client.RentExemptMintLamports(ctx)
	if err != nil {
		return Receipt{}, err
	}

	mintWallet := solana.NewWallet()
	mint := mintWallet.PublicKey()

	buyerATA, _, err := solana.FindAssociatedTokenAddress(request.BuyerWallet, mint)
	if err != nil {
		return Receipt{}, fmt.Errorf("chain: buyer ata: %w", err)
	}

	instructions := []solana.Instruction{
		computebudget.NewSetComputeUnitPriceInstruction(s.priorityFee).Build(),
		system.NewCreateAccountInstruction(
			rentLamports,
			token.MINT_SIZE,
			solana.TokenProgramID,
			treasury,
			mint,
		).Build(),
		token.NewInitializeMint2Instruction(
			0,
			treasury,
			treasury,
			mint,
		).Build(),
		associatedtokenaccount.NewCreateInstruction(
			treasury,
			request.BuyerWallet,
			mint,
		).Build(),
		token.NewMintToInstruction(
			1,
			mint,
			buyerATA,
			treasury,
			nil,
		).Build(),
	}

	metadataInstruction, err := NewCreateMetadataInstruction(mint, treasury, treasury, request.Metadata)
	if err != nil {
		return Receipt{}, err
	}
	instructions = append(instructions, metadataInstruction)

	for _, payout := range request.Payouts {
		units := USDToBaseUnits(payout.AmountUSD)
		if units == 0 {
			continue
		}
		payeeATA, _, err := solana.FindAssociatedTokenAddress(payout.Wallet, s.usdcMint)
		if err != nil {
			return Receipt{}, fmt.Errorf("chain: payee ata: %w", err)
		}
		exists, err := s.client.AccountExists(ctx, payeeATA)
		if err != nil {
			return Receipt{}, err
		}
		if !exists {
			instructions = append(instructions, associatedtokenaccount.NewCreateInstruction(
				treasury,
				payout.Wallet,
				s.usdcMint,
			).Build())
		}
		instructions = append(instructions, token.NewTransferCheckedInstruction(
			units,
			usdcDecimals,
			treasuryATA,
			s.usdcMint,
			payeeATA,
			treasury,
			nil,
		).Build())
	}

	blockhash, err := s.client.LatestBlockhash(ctx)
	if err != nil {
		return Receipt{}, err
	}

	tx, err := solana.NewTransaction(instructions, blockhash, solana.TransactionPayer(treasury))
	if err != nil {
		return Receipt{}, fmt.Errorf("chain: build transaction: %w", err)
	}

	mintKey := mintWallet.PrivateKey
	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		switch {
		case key.Equals(treasury):
			return &s.treasuryKey
		case key.Equals(mint):
			return &mintKey
		}
		return nil
	}); err != nil {
		return Receipt{}, fmt.Errorf("chain: sign transaction: %w", err)
	}

	signature, err := s.client.SendTransaction(ctx, tx)
	if err != nil {
		return Receipt{}, err
	}

	receipt := Receipt{
		Signature:   signature.String(),
		MintAddress: mint.String(),
	}

	if err := s.awaitConfirmation(ctx, signature); err != nil {
		return receipt, err
	}
	receipt.Confirmed = true

	feeUSD, err := s.confirmedFeeUSD(ctx, signature)
	if err != nil {
		// The settlement landed; a fee readback failure only degrades
		// accounting precision.
		s.logger.Warn("network fee readback failed",
			zap.String("signature", receipt.Signature),
			zap.Error(err))
	} else {
		receipt.NetworkFeeUSD = feeUSD
	}

	s.logger.Info("settlement confirmed",
		zap.String("signature", receipt.Signature),
		zap.String("mint", receipt.MintAddress))
	return receipt, nil
}

// ConfirmSignature waits for an externally submitted transaction to reach
// confirmed commitment.
func (s *Settler) ConfirmSignature(ctx context.Context, signature string) error {
	parsed, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return fmt.Errorf("chain: parse signature: %w", err)
	}
	return s.awaitConfirmation(ctx, parsed)
}

// TreasuryBalanceUSD reads the treasury's USDC balance in ledger dollars.
func (s *Settler) TreasuryBalanceUSD(ctx context.Context) (decimal.Decimal, error) {
	treasuryATA, _, err := solana.FindAssociatedTokenAddress(s.treasuryKey.PublicKey(), s.usdcMint)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("chain: treasury ata: %w", err)
	}
	balance, err := s.client.TokenBalance(ctx, treasuryATA)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return decimal.New(int64(balance), -usdcDecimals), nil
}

func (s *Settler) awaitConfirmation(ctx context.Context, signature solana.Signature) error {
	deadline := time.Now().Add(s.confirmTimeout)
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		status, err := s.client.SignatureStatus(ctx, signature)
		if err != nil {
			s.logger.Warn("signature status poll failed",
				zap.String("signature", signature.String()),
				zap.Error(err))
		} else {
			if status.Failed {
				return fmt.Errorf("%w: %s", ErrTransactionFailed, signature)
			}
			if status.Level == ConfirmationConfirmed || status.Level == ConfirmationFinalized {
				return nil
			}
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s", ErrConfirmationTimeout, signature)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s", ErrConfirmationTimeout, signature)
		case <-ticker.C:
		}
	}
}

func (s *Settler) confirmedFeeUSD(ctx context.Context, signature solana.Signature) (decimal.Decimal, error) {
	lamports, err := s.client.TransactionFeeLamports(ctx, signature)
	if err != nil {
		return decimal.Decimal{}, err
	}
	price, err := s.oracle.SolPriceUSD(ctx)
	if err != nil {
		return decimal.Decimal{}, err
	}
	fee := decimal.New(int64(lamports), 0).
		Div(decimal.NewFromInt(lamportsPerSol)).
		Mul(price).
		Round(6)
	return fee, nil
}

package chain

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// FeePayerSlot is the signature slot reserved for the platform fee payer.
// Signature order is positional: the fee payer's signature occupies slot zero
// and the buyer's signature must never be placed there.
const FeePayerSlot = 0

var (
	// ErrFeePayerSlotViolation indicates a countersignature addressed the
	// fee-payer slot.
	ErrFeePayerSlotViolation = errors.New("chain: buyer signature may not occupy the fee payer slot")
	// ErrSponsoredMessageTampered indicates the message no longer names the
	// platform as fee payer.
	ErrSponsoredMessageTampered = errors.New("chain: sponsored message does not name the platform fee payer")
)

// SponsoredTransfer is a platform-sponsored USDC payment awaiting the buyer's
// countersignature. The platform signs the exact message bytes handed out
// here, never a client-supplied variant.
type SponsoredTransfer struct {
	MessageBase64    string
	BuyerSignerIndex int
	AmountBaseUnits  uint64
}

// SponsorConfig describes the dependencies of the sponsor.
type SponsorConfig struct {
	Client      Client
	TreasuryKey solana.PrivateKey
	USDCMint    solana.PublicKey
	Logger      *zap.Logger
	PriorityFee uint64
}

// Sponsor builds fee-sponsored buyer payments: the buyer moves USDC, the
// platform pays the network fee.
type Sponsor struct {
	client      Client
	treasuryKey solana.PrivateKey
	usdcMint    solana.PublicKey
	logger      *zap.Logger
	priorityFee uint64
}

// NewSponsor constructs the sponsor.
func NewSponsor(cfg SponsorConfig) (*Sponsor, error) {
	if cfg.Client == nil {
		return nil, errors.New("chain: client is required")
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
	priorityFee := cfg.PriorityFee
	if priorityFee == 0 {
		priorityFee = defaultPriorityFee
	}
	return &Sponsor{
		client:      cfg.Client,
		treasuryKey: cfg.TreasuryKey,
		usdcMint:    cfg.USDCMint,
		logger:      logger,
		priorityFee: priorityFee,
	}, nil
}

// BuildTransfer assembles an unsigned sponsored payment: buyer's USDC to the
// treasury, platform as fee payer. The returned message is what the buyer
// must sign.
func (s *Sponsor) BuildTransfer(ctx context.Context, buyerWallet solana.PublicKey, amountUSD decimal.Decimal) (SponsoredTransfer, error) {
	treasury := s.treasuryKey.PublicKey()
	units := USDToBaseUnits(amountUSD)
	if units == 0 {
		return SponsoredTransfer{}, fmt.Errorf("chain: sponsored amount %s is below one base unit", amountUSD)
	}

	buyerATA, _, err := solana.FindAssociatedTokenAddress(buyerWallet, s.usdcMint)
	if err != nil {
		return SponsoredTransfer{}, fmt.Errorf("chain: buyer ata: %w", err)
	}
	treasuryATA, _, err := solana.FindAssociatedTokenAddress(treasury, s.usdcMint)
	if err != nil {
		return SponsoredTransfer{}, fmt.Errorf("chain: treasury ata: %w", err)
	}

	blockhash, err := s.client.LatestBlockhash(ctx)
	if err != nil {
		return SponsoredTransfer{}, err
	}

	instructions := []solana.Instruction{
		computebudget.NewSetComputeUnitPriceInstruction(s.priorityFee).Build(),
		token.NewTransferCheckedInstruction(
			units,
			usdcDecimals,
			buyerATA,
			s.usdcMint,
			treasuryATA,
			buyerWallet,
			nil,
		).Build(),
	}

	tx, err := solana.NewTransaction(instructions, blockhash, solana.TransactionPayer(treasury))
	if err != nil {
		return SponsoredTransfer{}, fmt.Errorf("chain: build sponsored transaction: %w", err)
	}

	buyerIndex := -1
	for i := 0; i < int(tx.Message.Header.NumRequiredSignatures); i++ {
		if tx.Message.AccountKeys[i].Equals(buyerWallet) {
			buyerIndex = i
			break
		}
	}
	if buyerIndex == -1 {
		return SponsoredTransfer{}, errors.New("chain: buyer is not a required signer")
	}
	if buyerIndex == FeePayerSlot {
		return SponsoredTransfer{}, ErrFeePayerSlotViolation
	}

	messageBytes, err := tx.Message.MarshalBinary()
	if err != nil {
		return SponsoredTransfer{}, fmt.Errorf("chain: marshal message: %w", err)
	}

	return SponsoredTransfer{
		MessageBase64:    base64.StdEncoding.EncodeToString(messageBytes),
		BuyerSignerIndex: buyerIndex,
		AmountBaseUnits:  units,
	}, nil
}

// SubmitCountersigned attaches the buyer's signature to a previously built
// transfer, adds the platform's, and submits. The platform only ever signs
// messages that still name it as fee payer.
func (s *Sponsor) SubmitCountersigned(ctx context.Context, transfer SponsoredTransfer, buyerSignatureBase58 string) (solana.Signature, error) {
	if transfer.BuyerSignerIndex == FeePayerSlot {
		return solana.Signature{}, ErrFeePayerSlotViolation
	}

	messageBytes, err := base64.StdEncoding.DecodeString(transfer.MessageBase64)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("chain: decode message: %w", err)
	}

	var message solana.Message
	if err := message.UnmarshalWithDecoder(bin.NewBinDecoder(messageBytes)); err != nil {
		return solana.Signature{}, fmt.Errorf("chain: parse message: %w", err)
	}

	required := int(message.Header.NumRequiredSignatures)
	if transfer.BuyerSignerIndex >= required {
		return solana.Signature{}, fmt.Errorf("chain: buyer signer index %d out of range", transfer.BuyerSignerIndex)
	}
	treasury := s.treasuryKey.PublicKey()
	if len(message.AccountKeys) == 0 || !message.AccountKeys[FeePayerSlot].Equals(treasury) {
		return solana.Signature{}, ErrSponsoredMessageTampered
	}

	buyerSignature, err := solana.SignatureFromBase58(buyerSignatureBase58)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("chain: parse buyer signature: %w", err)
	}
	platformSignature, err := s.treasuryKey.Sign(messageBytes)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("chain: platform sign: %w", err)
	}

	signatures := make([]solana.Signature, required)
	signatures[FeePayerSlot] = platformSignature
	signatures[transfer.BuyerSignerIndex] = buyerSignature

	tx := &solana.Transaction{
		Signatures: signatures,
		Message:    message,
	}
	signature, err := s.client.SendTransaction(ctx, tx)
	if err != nil {
		return solana.Signature{}, err
	}

	s.logger.Info("sponsored transfer submitted",
		zap.String("signature", signature.String()),
		zap.Uint64("amount_base_units", transfer.AmountBaseUnits))
	return signature, nil
}

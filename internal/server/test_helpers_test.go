package server

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/atelier-market/atelier/internal/auth"
	"github.com/atelier-market/atelier/internal/catalog"
	"github.com/atelier-market/atelier/internal/chain"
	"github.com/atelier-market/atelier/internal/intents"
	"github.com/atelier-market/atelier/internal/purchases"
	"github.com/atelier-market/atelier/internal/tiers"
)

const (
	testBuyerID     = "buyer-1"
	testBuyerWallet = "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin"
	testItemWallet  = "So11111111111111111111111111111111111111112"
	testUSDCMint    = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
)

type stubSessions struct {
	claims auth.SessionClaims
	err    error
}

func (s stubSessions) ValidateRequest(*http.Request) (auth.SessionClaims, error) {
	return s.claims, s.err
}

type stubBalances struct {
	balance uint64
	err     error
}

func (s stubBalances) TokenBalance(context.Context, solana.PublicKey) (uint64, error) {
	return s.balance, s.err
}

type stubSponsor struct {
	transfer   chain.SponsoredTransfer
	buildErr   error
	submitSig  solana.Signature
	submitErr  error
	submitted  []chain.SponsoredTransfer
	signatures []string
}

func (s *stubSponsor) BuildTransfer(context.Context, solana.PublicKey, decimal.Decimal) (chain.SponsoredTransfer, error) {
	return s.transfer, s.buildErr
}

func (s *stubSponsor) SubmitCountersigned(_ context.Context, transfer chain.SponsoredTransfer, signature string) (solana.Signature, error) {
	s.submitted = append(s.submitted, transfer)
	s.signatures = append(s.signatures, signature)
	return s.submitSig, s.submitErr
}

type stubSettlement struct {
	receipt    chain.Receipt
	mintErr    error
	confirmErr error
}

func (s *stubSettlement) MintAndDistribute(context.Context, chain.MintRequest) (chain.Receipt, error) {
	return s.receipt, s.mintErr
}

func (s *stubSettlement) ConfirmSignature(context.Context, string) error {
	return s.confirmErr
}

type sequentialIDProvider struct {
	prefix string
	next   int
}

func (p *sequentialIDProvider) NewID() (string, error) {
	p.next++
	return fmt.Sprintf("%s-%d", p.prefix, p.next), nil
}

// testEnvironment wires a full router against in-memory storage and stubbed
// chain dependencies.
type testEnvironment struct {
	db         *gorm.DB
	handler    http.Handler
	intents    *intents.Service
	purchases  *purchases.Service
	tiers      *tiers.Service
	catalog    *catalog.Service
	settlement *stubSettlement
	sponsor    *stubSponsor
	balances   *stubBalances
	webhooks   *auth.WebhookVerifier
	realtime   *RealtimeDispatcher
}

func newTestEnvironment(t *testing.T) *testEnvironment {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:atelier_server_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&catalog.Item{}, &catalog.ItemPayee{},
		&intents.PurchaseIntent{},
		&purchases.Purchase{}, &purchases.CollaboratorPayment{},
		&tiers.CreatorProfile{}, &tiers.ProjectTally{}, &tiers.FoundingSlot{}, &tiers.Configuration{},
	); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	clock := func() time.Time { return time.Unix(1_700_000_000, 0) }

	catalogService, err := catalog.NewService(db)
	if err != nil {
		t.Fatalf("failed to create catalog service: %v", err)
	}
	tierService, err := tiers.NewService(tiers.ServiceConfig{
		Database:   db,
		Clock:      clock,
		IDProvider: &sequentialIDProvider{prefix: "slot"},
	})
	if err != nil {
		t.Fatalf("failed to create tier service: %v", err)
	}
	intentService, err := intents.NewService(intents.ServiceConfig{
		Database:   db,
		Clock:      clock,
		IDProvider: &sequentialIDProvider{prefix: "intent"},
	})
	if err != nil {
		t.Fatalf("failed to create intent service: %v", err)
	}

	settlement := &stubSettlement{
		receipt: chain.Receipt{
			Signature:   "sig-settled",
			MintAddress: "MintAddr11111111111111111111111111111111111",
			Confirmed:   true,
		},
	}
	purchaseService, err := purchases.NewService(purchases.ServiceConfig{
		Database:   db,
		Catalog:    catalogService,
		Tiers:      tierService,
		Intents:    intentService,
		Settlement: settlement,
		Clock:      clock,
		IDProvider: &sequentialIDProvider{prefix: "purchase"},
	})
	if err != nil {
		t.Fatalf("failed to create purchase service: %v", err)
	}

	webhooks, err := auth.NewWebhookVerifier([]byte("processor-secret"))
	if err != nil {
		t.Fatalf("failed to create webhook verifier: %v", err)
	}

	sponsor := &stubSponsor{
		transfer: chain.SponsoredTransfer{
			MessageBase64:    "bWVzc2FnZQ==",
			BuyerSignerIndex: 1,
			AmountBaseUnits:  3_400_000,
		},
		submitSig: solana.Signature{0x09},
	}
	balances := &stubBalances{balance: 10_000_000}
	realtime := NewRealtimeDispatcher()

	handler, err := NewHTTPHandler(Dependencies{
		Sessions: stubSessions{claims: auth.SessionClaims{
			UserID:        testBuyerID,
			WalletAddress: testBuyerWallet,
		}},
		Intents:   intentService,
		Purchases: purchaseService,
		Tiers:     tierService,
		Catalog:   catalogService,
		Balances:  balances,
		Sponsor:   sponsor,
		Webhooks:  webhooks,
		Realtime:  realtime,
		USDCMint:  solana.MustPublicKeyFromBase58(testUSDCMint),
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}

	return &testEnvironment{
		db:         db,
		handler:    handler,
		intents:    intentService,
		purchases:  purchaseService,
		tiers:      tierService,
		catalog:    catalogService,
		settlement: settlement,
		sponsor:    sponsor,
		balances:   balances,
		webhooks:   webhooks,
		realtime:   realtime,
	}
}

func (e *testEnvironment) seedItem(t *testing.T) catalog.Item {
	t.Helper()
	item := catalog.Item{
		ItemID:        "item-1",
		ProjectID:     "project-1",
		CreatorID:     "creator-1",
		CreatorWallet: testItemWallet,
		Title:         "Print",
		Price:         decimal.NewFromInt(3),
		MetadataURI:   "https://atelier.example/meta/item-1.json",
	}
	if err := e.db.Create(&item).Error; err != nil {
		t.Fatalf("failed to seed item: %v", err)
	}
	return item
}

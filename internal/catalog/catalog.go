// Package catalog exposes the slice of the content catalog the settlement
// engine consumes: which payees share in an item's revenue, and the edition
// counter decremented as copies sell. Catalog CRUD itself lives elsewhere.
package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/atelier-market/atelier/internal/fees"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var (
	// ErrItemNotFound indicates the referenced item does not exist.
	ErrItemNotFound = errors.New("catalog: item not found")
	// ErrNoPayableCollaborators indicates nobody on the item has a wallet.
	ErrNoPayableCollaborators = errors.New("catalog: item has no payable collaborators")

	soloCreatorPercentage = decimal.NewFromInt(90)
)

// Item is the sellable work reference the engine settles against.
type Item struct {
	ItemID          string          `gorm:"column:item_id;primaryKey;size:190;not null"`
	ProjectID       string          `gorm:"column:project_id;size:190;not null;default:''"`
	CreatorID       string          `gorm:"column:creator_id;size:190;not null"`
	CreatorWallet   string          `gorm:"column:creator_wallet;size:64;not null;default:''"`
	Title           string          `gorm:"column:title;size:255;not null"`
	Price           decimal.Decimal `gorm:"column:price;type:decimal(20,6);not null"`
	MetadataURI     string          `gorm:"column:metadata_uri;size:512;not null;default:''"`
	EditionsLeft    int64           `gorm:"column:editions_left;not null;default:0"`
	TrackedEditions bool            `gorm:"column:tracked_editions;not null;default:false"`
}

// TableName provides the explicit table binding for GORM.
func (Item) TableName() string {
	return "catalog_items"
}

// ItemPayee is one accepted revenue-share row on an item.
type ItemPayee struct {
	ItemID     string          `gorm:"column:item_id;primaryKey;size:190;not null"`
	CreatorID  string          `gorm:"column:creator_id;primaryKey;size:190;not null"`
	Wallet     string          `gorm:"column:wallet;size:64;not null"`
	Percentage decimal.Decimal `gorm:"column:percentage;type:decimal(9,4);not null"`
	Role       string          `gorm:"column:role;size:64;not null;default:'collaborator'"`
}

// TableName provides the explicit table binding for GORM.
func (ItemPayee) TableName() string {
	return "catalog_item_payees"
}

// Service answers payee and edition queries for the settlement engine.
type Service struct {
	db *gorm.DB
}

// NewService constructs the catalog reader.
func NewService(db *gorm.DB) (*Service, error) {
	if db == nil {
		return nil, errors.New("catalog: database handle is required")
	}
	return &Service{db: db}, nil
}

// Lookup fetches one item.
func (s *Service) Lookup(ctx context.Context, itemID string) (Item, error) {
	var item Item
	err := s.db.WithContext(ctx).Where("item_id = ?", itemID).Take(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Item{}, fmt.Errorf("%w: %s", ErrItemNotFound, itemID)
	}
	return item, err
}

// Payees returns the revenue-share recipients for an item. Items without
// collaborator rows fall back to the creator at the solo-creator percentage.
func (s *Service) Payees(ctx context.Context, itemID string) ([]fees.Payee, error) {
	item, err := s.Lookup(ctx, itemID)
	if err != nil {
		return nil, err
	}

	var rows []ItemPayee
	if err := s.db.WithContext(ctx).
		Where("item_id = ? AND wallet <> ''", itemID).
		Order("creator_id").
		Find(&rows).Error; err != nil {
		return nil, err
	}

	if len(rows) == 0 {
		if item.CreatorWallet == "" {
			return nil, fmt.Errorf("%w: %s", ErrNoPayableCollaborators, itemID)
		}
		return []fees.Payee{{
			CreatorID:  item.CreatorID,
			Wallet:     item.CreatorWallet,
			Percentage: soloCreatorPercentage,
			Role:       "creator",
		}}, nil
	}

	payees := make([]fees.Payee, 0, len(rows))
	for _, row := range rows {
		payees = append(payees, fees.Payee{
			CreatorID:  row.CreatorID,
			Wallet:     row.Wallet,
			Percentage: row.Percentage,
			Role:       row.Role,
		})
	}
	return payees, nil
}

// DecrementEditions consumes one edition of a tracked item. Untracked items
// and sold-out items are left untouched.
func (s *Service) DecrementEditions(tx *gorm.DB, itemID string) error {
	return tx.Model(&Item{}).
		Where("item_id = ? AND tracked_editions = ? AND editions_left > 0", itemID, true).
		Update("editions_left", gorm.Expr("editions_left - 1")).Error
}

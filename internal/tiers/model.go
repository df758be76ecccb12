package tiers

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Tier names, highest priority first. A creator's tier only ever moves up
// this ladder, never down.
const (
	TierFounding = "founding"
	TierLevel5   = "level_5"
	TierLevel4   = "level_4"
	TierLevel3   = "level_3"
	TierLevel2   = "level_2"
	TierLevel1   = "level_1"
	TierStandard = "standard"
)

var tierPriority = []string{
	TierFounding, TierLevel5, TierLevel4, TierLevel3, TierLevel2, TierLevel1, TierStandard,
}

// tierRank returns the ladder position of a tier; lower is better. Unknown
// tiers rank below standard.
func tierRank(tier string) int {
	for i, name := range tierPriority {
		if name == tier {
			return i
		}
	}
	return len(tierPriority)
}

// CreatorProfile carries the tier-relevant state for one creator.
type CreatorProfile struct {
	CreatorID            string          `gorm:"column:creator_id;primaryKey;size:190;not null"`
	WalletAddress        string          `gorm:"column:wallet_address;size:64;not null;default:''"`
	Tier                 string          `gorm:"column:tier;size:32;not null;default:'standard'"`
	LifetimeProjectSales decimal.Decimal `gorm:"column:lifetime_project_sales;type:decimal(20,6);not null;default:0"`
	LifetimeEarnings     decimal.Decimal `gorm:"column:lifetime_earnings;type:decimal(20,6);not null;default:0"`
	TierQualifiedAt      *time.Time      `gorm:"column:tier_qualified_at"`
}

// TableName provides the explicit table binding for GORM.
func (CreatorProfile) TableName() string {
	return "creator_profiles"
}

// ProjectTally tracks cumulative sales per project for founding qualification.
type ProjectTally struct {
	ProjectID         string          `gorm:"column:project_id;primaryKey;size:190;not null"`
	TotalSales        decimal.Decimal `gorm:"column:total_sales;type:decimal(20,6);not null;default:0"`
	FoundingTriggered bool            `gorm:"column:founding_triggered;not null;default:false"`
}

// TableName provides the explicit table binding for GORM.
func (ProjectTally) TableName() string {
	return "project_tallies"
}

// FoundingSlot records one claimed slot of the promotional founding pool.
// At most one per creator.
type FoundingSlot struct {
	SlotID           string          `gorm:"column:slot_id;primaryKey;size:190;not null"`
	CreatorID        string          `gorm:"column:creator_id;size:190;not null;uniqueIndex:idx_founding_creator"`
	ProjectID        string          `gorm:"column:project_id;size:190;not null"`
	QualifyingAmount decimal.Decimal `gorm:"column:qualifying_amount;type:decimal(20,6);not null"`
	ClaimedAtSeconds int64           `gorm:"column:claimed_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (FoundingSlot) TableName() string {
	return "founding_slots"
}

// Configuration is the process-wide tier table: one row, id 1.
type Configuration struct {
	ID                   uint            `gorm:"column:id;primaryKey"`
	FeeRatesJSON         string          `gorm:"column:fee_rates_json;type:text;not null"`
	LevelThresholdsJSON  string          `gorm:"column:level_thresholds_json;type:text;not null"`
	FoundingThreshold    decimal.Decimal `gorm:"column:founding_threshold;type:decimal(20,6);not null"`
	FoundingSlotsTotal   int             `gorm:"column:founding_slots_total;not null"`
	FoundingSlotsClaimed int             `gorm:"column:founding_slots_claimed;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Configuration) TableName() string {
	return "tier_configurations"
}

// FeeRates decodes the tier → fee-rate table.
func (c Configuration) FeeRates() (map[string]decimal.Decimal, error) {
	raw := map[string]string{}
	if err := json.Unmarshal([]byte(c.FeeRatesJSON), &raw); err != nil {
		return nil, err
	}
	rates := make(map[string]decimal.Decimal, len(raw))
	for tier, rate := range raw {
		parsed, err := decimal.NewFromString(rate)
		if err != nil {
			return nil, err
		}
		rates[tier] = parsed
	}
	return rates, nil
}

// LevelThresholds decodes the level → lifetime-sales threshold table.
func (c Configuration) LevelThresholds() (map[string]decimal.Decimal, error) {
	raw := map[string]string{}
	if err := json.Unmarshal([]byte(c.LevelThresholdsJSON), &raw); err != nil {
		return nil, err
	}
	thresholds := make(map[string]decimal.Decimal, len(raw))
	for level, threshold := range raw {
		parsed, err := decimal.NewFromString(threshold)
		if err != nil {
			return nil, err
		}
		thresholds[level] = parsed
	}
	return thresholds, nil
}

// DefaultConfiguration returns the shipped tier table: six earned levels over
// the standard 10% rate, plus the founding promotion at 1%.
func DefaultConfiguration() Configuration {
	feeRates, _ := json.Marshal(map[string]string{
		TierFounding: "0.01",
		TierLevel5:   "0.05",
		TierLevel4:   "0.06",
		TierLevel3:   "0.07",
		TierLevel2:   "0.08",
		TierLevel1:   "0.09",
		TierStandard: "0.10",
	})
	thresholds, _ := json.Marshal(map[string]string{
		TierLevel1: "500",
		TierLevel2: "1000",
		TierLevel3: "2500",
		TierLevel4: "5000",
		TierLevel5: "10000",
	})
	return Configuration{
		ID:                  1,
		FeeRatesJSON:        string(feeRates),
		LevelThresholdsJSON: string(thresholds),
		FoundingThreshold:   decimal.NewFromInt(100),
		FoundingSlotsTotal:  50,
	}
}

package storage

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/coinpilot/dexflow/internal/types"
)

// Database is the audit sink for swap results and lifecycle events.
type Database struct {
	db *gorm.DB
}

// Models

type SwapRecord struct {
	ID             string `gorm:"primaryKey"` // request ID
	WalletID       string `gorm:"index"`
	ChainID        uint64
	SellToken      string
	SellAddress    string
	BuyToken       string
	BuyAddress     string
	AmountIn       string // base units, exact
	MaxSlippageBps int64
	Custodial      bool
	Aggregator     string
	PriceImpact    decimal.Decimal `gorm:"type:decimal(12,8)"`
	NotionalUSD    decimal.Decimal `gorm:"type:decimal(20,2)"`
	MEVExposed     bool
	Outcome        string `gorm:"index"`
	TxHash         string
	Nonce          uint64
	Replacements   int
	BlockNumber    uint64
	GasUsed        uint64
	ErrorMessage   string
	FinishedAt     time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type SwapEventRow struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	RequestID string `gorm:"index"`
	WalletID  string
	Kind      string
	TxHash    string
	Nonce     uint64
	Detail    string
	At        time.Time
	CreatedAt time.Time
}

// New opens the audit database. A postgres:// DSN connects to PostgreSQL,
// anything else is treated as a SQLite path.
func New(dbPath string) (*Database, error) {
	var db *gorm.DB
	var err error

	if strings.HasPrefix(dbPath, "postgres://") || strings.HasPrefix(dbPath, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dbPath), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Msg("Database connected (PostgreSQL)")
	} else {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
		db, err = gorm.Open(sqlite.Open(dbPath), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", dbPath).Msg("Database initialized (SQLite)")
	}

	if err := db.AutoMigrate(&SwapRecord{}, &SwapEventRow{}); err != nil {
		return nil, err
	}

	return &Database{db: db}, nil
}

// RecordSwap writes the terminal result of one swap.
func (d *Database) RecordSwap(req *types.SwapRequest, assessment *types.SafetyAssessment, rec *types.ConfirmationRecord) error {
	row := &SwapRecord{
		ID:             req.ID,
		WalletID:       req.WalletID,
		ChainID:        req.ChainID,
		SellToken:      req.SellToken.Symbol,
		SellAddress:    req.SellToken.Address.Hex(),
		BuyToken:       req.BuyToken.Symbol,
		BuyAddress:     req.BuyToken.Address.Hex(),
		AmountIn:       req.AmountIn.String(),
		MaxSlippageBps: req.MaxSlippageBps,
		Custodial:      req.Custodial,
		Outcome:        string(rec.Outcome),
		TxHash:         rec.TxHash.Hex(),
		Nonce:          rec.Nonce,
		Replacements:   rec.Replacements(),
		BlockNumber:    rec.BlockNumber,
		GasUsed:        rec.GasUsed,
		ErrorMessage:   rec.Err,
		FinishedAt:     rec.FinishedAt,
	}
	if assessment != nil {
		row.PriceImpact = assessment.PriceImpact
		row.NotionalUSD = assessment.NotionalUSD
		row.MEVExposed = assessment.MEVExposed
	}
	return d.db.Save(row).Error
}

// AppendEvent writes one lifecycle event.
func (d *Database) AppendEvent(ev types.SwapEvent) error {
	return d.db.Create(&SwapEventRow{
		RequestID: ev.RequestID,
		WalletID:  ev.WalletID,
		Kind:      string(ev.Kind),
		TxHash:    ev.TxHash.Hex(),
		Nonce:     ev.Nonce,
		Detail:    ev.Detail,
		At:        ev.At,
	}).Error
}

// GetSwap retrieves one swap record by request ID.
func (d *Database) GetSwap(requestID string) (*SwapRecord, error) {
	var row SwapRecord
	err := d.db.First(&row, "id = ?", requestID).Error
	return &row, err
}

// GetRecentSwaps returns the latest swap records.
func (d *Database) GetRecentSwaps(limit int) ([]SwapRecord, error) {
	var rows []SwapRecord
	err := d.db.Order("finished_at DESC").Limit(limit).Find(&rows).Error
	return rows, err
}

// GetSwapEvents returns a swap's ordered event trail.
func (d *Database) GetSwapEvents(requestID string) ([]SwapEventRow, error) {
	var rows []SwapEventRow
	err := d.db.Where("request_id = ?", requestID).Order("id ASC").Find(&rows).Error
	return rows, err
}

// GetStats returns aggregate execution statistics.
func (d *Database) GetStats() (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	var total int64
	d.db.Model(&SwapRecord{}).Count(&total)
	stats["total_swaps"] = total

	for _, outcome := range []types.Outcome{types.OutcomeConfirmed, types.OutcomeFailed, types.OutcomeDropped} {
		var count int64
		d.db.Model(&SwapRecord{}).Where("outcome = ?", string(outcome)).Count(&count)
		stats[strings.ToLower(string(outcome))+"_swaps"] = count
	}

	var volumeResult struct {
		Total decimal.Decimal
	}
	d.db.Model(&SwapRecord{}).Select("COALESCE(SUM(notional_usd), 0) as total").Scan(&volumeResult)
	stats["total_volume_usd"] = volumeResult.Total

	return stats, nil
}

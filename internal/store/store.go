// Package store persists positions, trades, snapshots, and execution
// audit rows in an embedded SQLite database via GORM.
package store

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/atlas-desktop/execution-engine/pkg/types"
)

// PositionRow mirrors one open position.
type PositionRow struct {
	Symbol      string          `gorm:"primaryKey"`
	Quantity    int64           `gorm:"not null"`
	AvgCost     decimal.Decimal `gorm:"type:decimal(20,8)"`
	RealizedPnL decimal.Decimal `gorm:"type:decimal(20,8)"`
	OpenedAt    time.Time
	UpdatedAt   time.Time
}

// TableName keeps the schema name stable.
func (PositionRow) TableName() string { return "positions" }

// TradeRow is one fill applied to the ledger. PnL is set only on fills
// that realized profit or loss.
type TradeRow struct {
	ID         string          `gorm:"primaryKey"`
	Symbol     string          `gorm:"index;not null"`
	Side       string          `gorm:"not null"`
	Quantity   int64           `gorm:"not null"`
	Price      decimal.Decimal `gorm:"type:decimal(20,8)"`
	Commission decimal.Decimal `gorm:"type:decimal(20,8)"`
	PnL        decimal.NullDecimal `gorm:"type:decimal(20,8)"`
	Timestamp  time.Time       `gorm:"index"`
}

// TableName keeps the schema name stable.
func (TradeRow) TableName() string { return "trades" }

// SnapshotRow is one portfolio-value observation.
type SnapshotRow struct {
	ID             uint `gorm:"primaryKey;autoIncrement"`
	Timestamp      time.Time `gorm:"index"`
	PortfolioValue decimal.Decimal `gorm:"type:decimal(20,8)"`
	Cash           decimal.Decimal `gorm:"type:decimal(20,8)"`
}

// TableName keeps the schema name stable.
func (SnapshotRow) TableName() string { return "snapshots" }

// ExecutionRow is the audit record of one execution plan.
type ExecutionRow struct {
	ID          string `gorm:"primaryKey"`
	Symbol      string `gorm:"index;not null"`
	Side        string `gorm:"not null"`
	Strategy    string `gorm:"not null"`
	TotalQty    int64
	ExecutedQty int64
	AvgPrice    decimal.Decimal `gorm:"type:decimal(20,8)"`
	Status      string
	StartedAt   time.Time
	CompletedAt *time.Time
}

// TableName keeps the schema name stable.
func (ExecutionRow) TableName() string { return "executions" }

// Store is the single-writer persistence layer.
type Store struct {
	logger *zap.Logger
	db     *gorm.DB
}

// Open opens (or creates) the SQLite database at path in WAL mode and
// migrates the schema.
func Open(logger *zap.Logger, path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}

	if err := db.AutoMigrate(&PositionRow{}, &TradeRow{}, &SnapshotRow{}, &ExecutionRow{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	logger.Named("store").Info("Database opened", zap.String("path", path))

	return &Store{
		logger: logger.Named("store"),
		db:     db,
	}, nil
}

// SavePosition upserts a position row.
func (s *Store) SavePosition(pos types.Position) error {
	row := PositionRow{
		Symbol:      pos.Symbol,
		Quantity:    pos.Quantity,
		AvgCost:     pos.AvgCost,
		RealizedPnL: pos.RealizedPnL,
		OpenedAt:    pos.OpenedAt,
		UpdatedAt:   pos.UpdatedAt,
	}
	return s.db.Save(&row).Error
}

// DeletePosition removes a position row once the position closes.
func (s *Store) DeletePosition(symbol string) error {
	return s.db.Delete(&PositionRow{}, "symbol = ?", symbol).Error
}

// LoadPositions returns all persisted positions keyed by symbol.
func (s *Store) LoadPositions() (map[string]types.Position, error) {
	var rows []PositionRow
	if err := s.db.Find(&rows).Error; err != nil {
		return nil, err
	}

	out := make(map[string]types.Position, len(rows))
	for _, row := range rows {
		out[row.Symbol] = types.Position{
			Symbol:      row.Symbol,
			Quantity:    row.Quantity,
			AvgCost:     row.AvgCost,
			RealizedPnL: row.RealizedPnL,
			OpenedAt:    row.OpenedAt,
			UpdatedAt:   row.UpdatedAt,
		}
	}
	return out, nil
}

// SaveTrade appends one fill. pnl carries realized P&L when the fill
// closed exposure; pass a null decimal otherwise.
func (s *Store) SaveTrade(id string, fill types.Fill, pnl decimal.NullDecimal) error {
	row := TradeRow{
		ID:         id,
		Symbol:     fill.Symbol,
		Side:       string(fill.Side),
		Quantity:   fill.Quantity,
		Price:      fill.Price,
		Commission: fill.Commission,
		PnL:        pnl,
		Timestamp:  fill.Timestamp,
	}
	return s.db.Create(&row).Error
}

// LoadTrades returns up to limit most recent trades, oldest first.
func (s *Store) LoadTrades(limit int) ([]TradeRow, error) {
	var rows []TradeRow
	q := s.db.Order("timestamp desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}

	// Reverse to oldest-first for replay.
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	return rows, nil
}

// SaveSnapshot appends one portfolio-value observation.
func (s *Store) SaveSnapshot(snap types.PortfolioSnapshot) error {
	row := SnapshotRow{
		Timestamp:      snap.Timestamp,
		PortfolioValue: snap.PortfolioValue,
		Cash:           snap.Cash,
	}
	return s.db.Create(&row).Error
}

// LoadSnapshots returns up to limit most recent snapshots, oldest first.
func (s *Store) LoadSnapshots(limit int) ([]types.PortfolioSnapshot, error) {
	var rows []SnapshotRow
	q := s.db.Order("timestamp desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}

	out := make([]types.PortfolioSnapshot, len(rows))
	for i, row := range rows {
		out[len(rows)-1-i] = types.PortfolioSnapshot{
			Timestamp:      row.Timestamp,
			PortfolioValue: row.PortfolioValue,
			Cash:           row.Cash,
		}
	}
	return out, nil
}

// SaveExecution upserts an execution audit row.
func (s *Store) SaveExecution(row ExecutionRow) error {
	return s.db.Save(&row).Error
}

// LoadExecutions returns up to limit most recent execution rows.
func (s *Store) LoadExecutions(limit int) ([]ExecutionRow, error) {
	var rows []ExecutionRow
	q := s.db.Order("started_at desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&rows).Error
	return rows, err
}

// Reset wipes every table. Used by the trader's portfolio reset.
func (s *Store) Reset() error {
	for _, model := range []any{&PositionRow{}, &TradeRow{}, &SnapshotRow{}, &ExecutionRow{}} {
		if err := s.db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(model).Error; err != nil {
			return err
		}
	}
	s.logger.Info("Store reset")
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	db, err := s.db.DB()
	if err != nil {
		return err
	}
	return db.Close()
}

package relay

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// GasUsageRecord is one append-only accounting entry: what relaying a single
// transaction for a user cost the sponsor.
type GasUsageRecord struct {
	UserAddress       common.Address
	GasUsed           uint64
	EffectiveGasPrice *big.Int
	CostWei           *big.Int
	TxHash            common.Hash
	RecordedAt        time.Time
}

// GasAccountant records sponsored gas costs for reimbursement and analytics.
// Failures here must never fail the relay itself, the relayer logs and moves on.
type GasAccountant interface {
	RecordGasUsage(ctx context.Context, rec *GasUsageRecord) error
}

// LogAccountant writes accounting entries to the log only. It is the default
// sink when no database is configured.
type LogAccountant struct {
	log *zap.Logger
}

func NewLogAccountant(log *zap.Logger) *LogAccountant {
	return &LogAccountant{log: log.Named("accounting")}
}

func (a *LogAccountant) RecordGasUsage(_ context.Context, rec *GasUsageRecord) error {
	a.log.Info("Sponsored gas",
		zap.String("user", rec.UserAddress.Hex()),
		zap.Uint64("gas_used", rec.GasUsed),
		zap.String("gwei_eff_gas_price", formatUnits(rec.EffectiveGasPrice, "gwei")),
		zap.String("eth_cost", formatUnits(rec.CostWei, "eth")),
		zap.String("tx", rec.TxHash.Hex()),
	)
	return nil
}

type DBGasUsage struct {
	UserAddress       []byte    `db:"user_address"`
	GasUsed           int64     `db:"gas_used"`
	EffectiveGasPrice string    `db:"effective_gas_price"`
	CostWei           string    `db:"cost_wei"`
	TxHash            []byte    `db:"tx_hash"`
	RecordedAt        time.Time `db:"recorded_at"`
}

var insertGasUsageQuery = `
INSERT INTO gas_usage (user_address, gas_used, effective_gas_price, cost_wei, tx_hash, recorded_at)
VALUES (:user_address, :gas_used, :effective_gas_price, :cost_wei, :tx_hash, :recorded_at)
ON CONFLICT (tx_hash) DO NOTHING`

var selectUserCostQuery = `
SELECT COALESCE(SUM(cost_wei), 0)
FROM gas_usage
WHERE user_address = $1`

var ErrInvalidCostValue = errors.New("invalid cost value in gas_usage")

// DBAccountant persists accounting entries to postgres.
type DBAccountant struct {
	db *sqlx.DB

	insertGasUsage *sqlx.NamedStmt
	selectUserCost *sqlx.Stmt
}

func NewDBAccountant(postgresDSN string) (*DBAccountant, error) {
	db, err := sqlx.Connect("postgres", postgresDSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(20)

	insertGasUsage, err := db.PrepareNamed(insertGasUsageQuery)
	if err != nil {
		return nil, err
	}
	selectUserCost, err := db.Preparex(selectUserCostQuery)
	if err != nil {
		return nil, err
	}
	return &DBAccountant{
		db:             db,
		insertGasUsage: insertGasUsage,
		selectUserCost: selectUserCost,
	}, nil
}

func (a *DBAccountant) RecordGasUsage(ctx context.Context, rec *GasUsageRecord) error {
	recordedAt := rec.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now().UTC()
	}
	row := DBGasUsage{
		UserAddress:       rec.UserAddress.Bytes(),
		GasUsed:           int64(rec.GasUsed),
		EffectiveGasPrice: rec.EffectiveGasPrice.String(),
		CostWei:           rec.CostWei.String(),
		TxHash:            rec.TxHash.Bytes(),
		RecordedAt:        recordedAt,
	}
	_, err := a.insertGasUsage.ExecContext(ctx, row)
	return err
}

// TotalCostForUser returns the sum in wei the sponsor has spent on a user.
func (a *DBAccountant) TotalCostForUser(ctx context.Context, user common.Address) (*big.Int, error) {
	var total string
	if err := a.selectUserCost.GetContext(ctx, &total, user.Bytes()); err != nil {
		return nil, err
	}
	cost, ok := new(big.Int).SetString(total, 10)
	if !ok {
		return nil, ErrInvalidCostValue
	}
	return cost, nil
}

func (a *DBAccountant) Close() error {
	return a.db.Close()
}

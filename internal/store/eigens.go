package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/eigentrade/keeper/internal/types"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrFieldNotAllowed  = errors.New("field not in update whitelist")
	ErrInvalidSlippage  = errors.New("slippage bps out of [0,10000]")
	ErrInvalidWalletNum = errors.New("wallet count must be >= 1")
)

// updatableFields is the fixed whitelist for UpdateEigen. Anything else is
// rejected before touching SQL, so field injection cannot reach a statement.
var updatableFields = map[string]struct{}{
	"volume_target_eth":  {},
	"trades_per_hour":    {},
	"order_size_min_pct": {},
	"order_size_max_pct": {},
	"spread_pct":         {},
	"profit_target_pct":  {},
	"stop_loss_pct":      {},
	"wallet_count":       {},
	"slippage_bps":       {},
	"reactive_sell_mode": {},
	"reactive_sell_pct":  {},
	"custom_prompt":      {},
}

// CreateEigen inserts a new config with defaults materialized by the schema.
func (s *Store) CreateEigen(ctx context.Context, cfg *types.EigenConfig) error {
	if cfg.WalletCount < 1 {
		return ErrInvalidWalletNum
	}
	if cfg.SlippageBps < 0 || cfg.SlippageBps > 10000 {
		return ErrInvalidSlippage
	}
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO eigens (
			id, token, owner, chain_id,
			pool_version, pool_address, pool_fee, pool_tick_spacing, pool_hook, pool_id,
			status, volume_target_eth, trades_per_hour,
			order_size_min_pct, order_size_max_pct, spread_pct,
			profit_target_pct, stop_loss_pct, wallet_count, slippage_bps,
			reactive_sell_mode, reactive_sell_pct, last_scanned_block,
			gas_budget_eth, gas_spent_eth, custom_prompt, wallet_source,
			created_at, updated_at
		) VALUES (
			:id, :token, :owner, :chain_id,
			:pool_version, :pool_address, :pool_fee, :pool_tick_spacing, :pool_hook, :pool_id,
			:status, :volume_target_eth, :trades_per_hour,
			:order_size_min_pct, :order_size_max_pct, :spread_pct,
			:profit_target_pct, :stop_loss_pct, :wallet_count, :slippage_bps,
			:reactive_sell_mode, :reactive_sell_pct, :last_scanned_block,
			:gas_budget_eth, :gas_spent_eth, :custom_prompt, :wallet_source,
			:created_at, :updated_at
		)`,
		sql.Named("id", string(cfg.ID)),
		sql.Named("token", cfg.Token.Hex()),
		sql.Named("owner", cfg.Owner.Hex()),
		sql.Named("chain_id", cfg.ChainID),
		sql.Named("pool_version", string(cfg.Pool.Version)),
		sql.Named("pool_address", cfg.Pool.Address.Hex()),
		sql.Named("pool_fee", cfg.Pool.Fee),
		sql.Named("pool_tick_spacing", cfg.Pool.TickSpacing),
		sql.Named("pool_hook", cfg.Pool.Hook.Hex()),
		sql.Named("pool_id", cfg.Pool.PoolID.Hex()),
		sql.Named("status", string(statusOrDefault(cfg.Status))),
		sql.Named("volume_target_eth", cfg.VolumeTargetEth.String()),
		sql.Named("trades_per_hour", cfg.TradesPerHour),
		sql.Named("order_size_min_pct", cfg.OrderSizeMinPct),
		sql.Named("order_size_max_pct", cfg.OrderSizeMaxPct),
		sql.Named("spread_pct", cfg.SpreadPct),
		sql.Named("profit_target_pct", cfg.ProfitTargetPct),
		sql.Named("stop_loss_pct", cfg.StopLossPct),
		sql.Named("wallet_count", cfg.WalletCount),
		sql.Named("slippage_bps", cfg.SlippageBps),
		sql.Named("reactive_sell_mode", boolToInt(cfg.ReactiveSellMode)),
		sql.Named("reactive_sell_pct", cfg.ReactiveSellPct),
		sql.Named("last_scanned_block", cfg.LastScannedBlock),
		sql.Named("gas_budget_eth", cfg.GasBudgetEth.String()),
		sql.Named("gas_spent_eth", cfg.GasSpentEth.String()),
		sql.Named("custom_prompt", cfg.CustomPrompt),
		sql.Named("wallet_source", walletSourceOrDefault(cfg.WalletSource)),
		sql.Named("created_at", now),
		sql.Named("updated_at", now),
	)
	return err
}

func statusOrDefault(st types.Status) types.Status {
	if st == "" {
		return types.StatusActive
	}
	return st
}

func walletSourceOrDefault(ws types.WalletSource) string {
	if ws == "" {
		return string(types.WalletSourceDerived)
	}
	return string(ws)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

const eigenColumns = `
	id, token, owner, chain_id,
	pool_version, pool_address, pool_fee, pool_tick_spacing, pool_hook, pool_id,
	status, status_reason, status_changed_at,
	volume_target_eth, trades_per_hour,
	order_size_min_pct, order_size_max_pct, spread_pct,
	profit_target_pct, stop_loss_pct, wallet_count, slippage_bps,
	reactive_sell_mode, reactive_sell_pct, last_scanned_block,
	gas_budget_eth, gas_spent_eth, custom_prompt, wallet_source,
	created_at, updated_at`

func scanEigen(row interface{ Scan(...any) error }) (*types.EigenConfig, error) {
	var (
		cfg                             types.EigenConfig
		id, token, owner                string
		poolVersion, poolAddr, poolHook string
		poolID                          string
		status                          string
		statusReason                    sql.NullString
		statusChangedAt                 int64
		volumeTarget, gasBudget         string
		gasSpent                        string
		reactiveMode                    int
		walletSource                    string
		createdAt, updatedAt            int64
	)
	err := row.Scan(
		&id, &token, &owner, &cfg.ChainID,
		&poolVersion, &poolAddr, &cfg.Pool.Fee, &cfg.Pool.TickSpacing, &poolHook, &poolID,
		&status, &statusReason, &statusChangedAt,
		&volumeTarget, &cfg.TradesPerHour,
		&cfg.OrderSizeMinPct, &cfg.OrderSizeMaxPct, &cfg.SpreadPct,
		&cfg.ProfitTargetPct, &cfg.StopLossPct, &cfg.WalletCount, &cfg.SlippageBps,
		&reactiveMode, &cfg.ReactiveSellPct, &cfg.LastScannedBlock,
		&gasBudget, &gasSpent, &cfg.CustomPrompt, &walletSource,
		&createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	cfg.ID = types.EigenID(id)
	cfg.Token = common.HexToAddress(token)
	cfg.Owner = common.HexToAddress(owner)
	cfg.Pool = types.Pool{
		Version:     types.PoolVersion(poolVersion),
		Address:     common.HexToAddress(poolAddr),
		Fee:         cfg.Pool.Fee,
		TickSpacing: cfg.Pool.TickSpacing,
		Hook:        common.HexToAddress(poolHook),
		PoolID:      common.HexToHash(poolID),
	}
	cfg.Status = types.Status(status)
	cfg.StatusReason = statusReason.String
	cfg.StatusChangedAt = time.Unix(statusChangedAt, 0).UTC()
	cfg.VolumeTargetEth = mustDecimal(volumeTarget)
	cfg.ReactiveSellMode = reactiveMode != 0
	cfg.GasBudgetEth = mustDecimal(gasBudget)
	cfg.GasSpentEth = mustDecimal(gasSpent)
	cfg.WalletSource = types.WalletSource(walletSource)
	cfg.CreatedAt = time.Unix(createdAt, 0).UTC()
	cfg.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &cfg, nil
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// GetEigen loads one config.
func (s *Store) GetEigen(ctx context.Context, id types.EigenID) (*types.EigenConfig, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+eigenColumns+` FROM eigens WHERE id = :id`, sql.Named("id", string(id)))
	return scanEigen(row)
}

// ListEigens returns configs filtered by status; empty status returns all.
func (s *Store) ListEigens(ctx context.Context, status types.Status) ([]*types.EigenConfig, error) {
	query := `SELECT ` + eigenColumns + ` FROM eigens`
	args := []any{}
	if status != "" {
		query += ` WHERE status = :status`
		args = append(args, sql.Named("status", string(status)))
	}
	query += ` ORDER BY id`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.EigenConfig
	for rows.Next() {
		cfg, err := scanEigen(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

// UpdateEigen applies whitelisted field updates. A non-whitelisted field
// returns ErrFieldNotAllowed without executing anything.
func (s *Store) UpdateEigen(ctx context.Context, id types.EigenID, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	setClauses := make([]string, 0, len(fields)+1)
	args := make([]any, 0, len(fields)+2)
	for name, value := range fields {
		if _, ok := updatableFields[name]; !ok {
			return fmt.Errorf("%w: %s", ErrFieldNotAllowed, name)
		}
		setClauses = append(setClauses, name+" = :"+name)
		args = append(args, sql.Named(name, value))
	}
	setClauses = append(setClauses, "updated_at = :updated_at")
	args = append(args,
		sql.Named("updated_at", time.Now().Unix()),
		sql.Named("id", string(id)),
	)
	query := "UPDATE eigens SET " + joinClauses(setClauses) + " WHERE id = :id"
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func joinClauses(clauses []string) string {
	out := ""
	for i, c := range clauses {
		if i > 0 {
			out += ", "
		}
		out += c
	}
	return out
}

// SetStatus transitions the eigen's lifecycle state, timestamping the change
// and recording the reason. Leaving suspended clears the reason.
func (s *Store) SetStatus(ctx context.Context, id types.EigenID, status types.Status, reason string) error {
	var reasonVal any = reason
	if status != types.StatusSuspended && reason == "" {
		reasonVal = nil
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE eigens
		SET status = :status, status_reason = :reason,
		    status_changed_at = :at, updated_at = :at
		WHERE id = :id`,
		sql.Named("status", string(status)),
		sql.Named("reason", reasonVal),
		sql.Named("at", time.Now().Unix()),
		sql.Named("id", string(id)),
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetLastScannedBlock persists the reactive-sell cursor.
func (s *Store) SetLastScannedBlock(ctx context.Context, id types.EigenID, block uint64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE eigens SET last_scanned_block = :block WHERE id = :id`,
		sql.Named("block", block), sql.Named("id", string(id)))
	return err
}

// AddGasSpent accumulates gas charged against the eigen's budget.
func (s *Store) AddGasSpent(ctx context.Context, id types.EigenID, amount decimal.Decimal) error {
	cfg, err := s.GetEigen(ctx, id)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE eigens SET gas_spent_eth = :spent, updated_at = :at WHERE id = :id`,
		sql.Named("spent", cfg.GasSpentEth.Add(amount).String()),
		sql.Named("at", time.Now().Unix()),
		sql.Named("id", string(id)))
	return err
}

// bigIntOrZero parses a stored big integer column.
func bigIntOrZero(s string) *big.Int {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return new(big.Int)
	}
	return n
}

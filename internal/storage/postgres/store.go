package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/wrapbridge/engine/internal/ledger"
	"github.com/wrapbridge/engine/internal/types"
)

// Schema creates the conversions table. seq keeps insertion order for owner-scoped listing.
const Schema = `
CREATE TABLE IF NOT EXISTS conversions (
	seq               BIGSERIAL PRIMARY KEY,
	id                TEXT NOT NULL UNIQUE,
	owner             TEXT NOT NULL,
	direction         TEXT NOT NULL,
	source_asset      TEXT NOT NULL,
	dest_asset        TEXT NOT NULL,
	amount            NUMERIC(38, 18) NOT NULL,
	dest_address      TEXT NOT NULL,
	protocol_fee      NUMERIC(38, 18),
	network_fee       NUMERIC(38, 18),
	amount_after_fees NUMERIC(38, 18),
	exchange_rate     NUMERIC(38, 18),
	status            TEXT NOT NULL,
	gateway_ref       TEXT NOT NULL DEFAULT '',
	deposit_address   TEXT NOT NULL DEFAULT '',
	confirm_tx_hash   TEXT NOT NULL DEFAULT '',
	monitor_cursor    JSONB NOT NULL DEFAULT '{}',
	error_detail      TEXT NOT NULL DEFAULT '',
	history           JSONB NOT NULL DEFAULT '[]',
	version           BIGINT NOT NULL,
	created_at        TIMESTAMPTZ NOT NULL,
	updated_at        TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS conversions_owner_seq_idx ON conversions (owner, seq);
CREATE INDEX IF NOT EXISTS conversions_active_idx ON conversions (seq)
	WHERE status NOT IN ('completed', 'failed', 'cancelled');
`

const selectColumns = `
	id, owner, direction, source_asset, dest_asset, amount::text, dest_address,
	protocol_fee::text, network_fee::text, amount_after_fees::text, exchange_rate::text,
	status, gateway_ref, deposit_address, confirm_tx_hash, monitor_cursor, error_detail, history,
	version, created_at, updated_at`

// Store is a ledger store backed by PostgreSQL
type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// Connect opens a pool and verifies connectivity
func Connect(ctx context.Context, url string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

// Migrate creates the schema if needed
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (s *Store) Insert(ctx context.Context, tx types.Transaction) error {
	const query = `
		INSERT INTO conversions (
			id, owner, direction, source_asset, dest_asset, amount, dest_address,
			protocol_fee, network_fee, amount_after_fees, exchange_rate,
			status, gateway_ref, deposit_address, confirm_tx_hash, monitor_cursor, error_detail, history,
			version, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6::numeric, $7,
			$8::numeric, $9::numeric, $10::numeric, $11::numeric,
			$12, $13, $14, $15, $16::jsonb, $17, $18::jsonb,
			$19, $20, $21
		)
		ON CONFLICT (id) DO NOTHING`

	args, err := rowArgs(tx)
	if err != nil {
		return err
	}
	tag, err := s.db.Exec(ctx, query,
		tx.ID, tx.Owner, string(tx.Direction), string(tx.SourceAsset), string(tx.DestAsset), tx.Amount.String(), tx.DestAddress,
		args.protocolFee, args.networkFee, args.amountAfterFees, args.exchangeRate,
		string(tx.Status), tx.GatewayRef, tx.DepositAddress, tx.ConfirmTxHash, args.cursor, tx.ErrorDetail, args.history,
		int64(tx.Version), tx.CreatedAt, tx.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert conversion %s: %w", tx.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: transaction %s already exists", types.ErrConflict, tx.ID)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (types.Transaction, error) {
	query := `SELECT ` + selectColumns + ` FROM conversions WHERE id = $1`

	tx, err := scanTransaction(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.Transaction{}, fmt.Errorf("%w: transaction %s", types.ErrNotFound, id)
		}
		return types.Transaction{}, fmt.Errorf("get conversion %s: %w", id, err)
	}
	return tx, nil
}

// Update writes tx only if the stored version is still prevVersion
func (s *Store) Update(ctx context.Context, tx types.Transaction, prevVersion uint64) error {
	const query = `
		UPDATE conversions SET
			protocol_fee = $3::numeric, network_fee = $4::numeric,
			amount_after_fees = $5::numeric, exchange_rate = $6::numeric,
			status = $7, gateway_ref = $8, deposit_address = $9, confirm_tx_hash = $10,
			monitor_cursor = $11::jsonb, error_detail = $12, history = $13::jsonb,
			version = $14, updated_at = $15
		WHERE id = $1 AND version = $2`

	args, err := rowArgs(tx)
	if err != nil {
		return err
	}
	tag, err := s.db.Exec(ctx, query,
		tx.ID, int64(prevVersion),
		args.protocolFee, args.networkFee, args.amountAfterFees, args.exchangeRate,
		string(tx.Status), tx.GatewayRef, tx.DepositAddress, tx.ConfirmTxHash,
		args.cursor, tx.ErrorDetail, args.history,
		int64(tx.Version), tx.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update conversion %s: %w", tx.ID, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// Distinguish a missing row from a stale version
	var exists bool
	if err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM conversions WHERE id = $1)`, tx.ID).Scan(&exists); err != nil {
		return fmt.Errorf("update conversion %s: %w", tx.ID, err)
	}
	if !exists {
		return fmt.Errorf("%w: transaction %s", types.ErrNotFound, tx.ID)
	}
	return fmt.Errorf("%w: transaction %s changed since version %d", types.ErrConflict, tx.ID, prevVersion)
}

func (s *Store) ListByOwner(ctx context.Context, owner string) ([]types.Transaction, error) {
	query := `SELECT ` + selectColumns + ` FROM conversions WHERE owner = $1 ORDER BY seq ASC`
	return s.list(ctx, query, owner)
}

func (s *Store) ListActive(ctx context.Context) ([]types.Transaction, error) {
	query := `SELECT ` + selectColumns + ` FROM conversions
		WHERE status NOT IN ('completed', 'failed', 'cancelled') ORDER BY seq ASC`
	return s.list(ctx, query)
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]types.Transaction, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list conversions: %w", err)
	}
	defer rows.Close()

	var out []types.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversion: %w", err)
		}
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

type encodedRow struct {
	protocolFee     *string
	networkFee      *string
	amountAfterFees *string
	exchangeRate    *string
	cursor          string
	history         string
}

func rowArgs(tx types.Transaction) (encodedRow, error) {
	var row encodedRow
	if tx.Fees != nil {
		protocol := tx.Fees.ProtocolFee.String()
		network := tx.Fees.NetworkFee.String()
		after := tx.Fees.AmountAfterFees.String()
		rate := tx.Fees.ExchangeRate.String()
		row.protocolFee, row.networkFee, row.amountAfterFees, row.exchangeRate = &protocol, &network, &after, &rate
	}
	cursor, err := json.Marshal(tx.Cursor)
	if err != nil {
		return row, fmt.Errorf("marshal cursor: %w", err)
	}
	history := tx.History
	if history == nil {
		history = []types.StatusChange{}
	}
	historyJSON, err := json.Marshal(history)
	if err != nil {
		return row, fmt.Errorf("marshal history: %w", err)
	}
	row.cursor, row.history = string(cursor), string(historyJSON)
	return row, nil
}

func scanTransaction(row pgx.Row) (types.Transaction, error) {
	var (
		tx                                             types.Transaction
		direction, source, dest, status, amount        string
		protocolFee, networkFee, amountAfterFees, rate *string
		cursor, history                                []byte
		version                                        int64
	)
	err := row.Scan(
		&tx.ID, &tx.Owner, &direction, &source, &dest, &amount, &tx.DestAddress,
		&protocolFee, &networkFee, &amountAfterFees, &rate,
		&status, &tx.GatewayRef, &tx.DepositAddress, &tx.ConfirmTxHash, &cursor, &tx.ErrorDetail, &history,
		&version, &tx.CreatedAt, &tx.UpdatedAt,
	)
	if err != nil {
		return types.Transaction{}, err
	}

	tx.Direction = types.Direction(direction)
	tx.SourceAsset = types.Asset(source)
	tx.DestAsset = types.Asset(dest)
	tx.Status = types.Status(status)
	tx.Version = uint64(version)
	if tx.Amount, err = decimal.NewFromString(amount); err != nil {
		return types.Transaction{}, fmt.Errorf("parse amount: %w", err)
	}
	if protocolFee != nil {
		fees, err := parseFees(*protocolFee, *networkFee, *amountAfterFees, rate)
		if err != nil {
			return types.Transaction{}, err
		}
		tx.Fees = &fees
	}
	if err := json.Unmarshal(cursor, &tx.Cursor); err != nil {
		return types.Transaction{}, fmt.Errorf("parse cursor: %w", err)
	}
	if err := json.Unmarshal(history, &tx.History); err != nil {
		return types.Transaction{}, fmt.Errorf("parse history: %w", err)
	}
	if len(tx.History) == 0 {
		tx.History = nil
	}
	return tx, nil
}

func parseFees(protocol, network, after string, rate *string) (types.Fees, error) {
	var fees types.Fees
	var err error
	if fees.ProtocolFee, err = decimal.NewFromString(protocol); err != nil {
		return fees, fmt.Errorf("parse protocol fee: %w", err)
	}
	if fees.NetworkFee, err = decimal.NewFromString(network); err != nil {
		return fees, fmt.Errorf("parse network fee: %w", err)
	}
	if fees.AmountAfterFees, err = decimal.NewFromString(after); err != nil {
		return fees, fmt.Errorf("parse amount after fees: %w", err)
	}
	if rate != nil {
		if fees.ExchangeRate, err = decimal.NewFromString(*rate); err != nil {
			return fees, fmt.Errorf("parse exchange rate: %w", err)
		}
	}
	return fees, nil
}

var _ ledger.Store = (*Store)(nil)

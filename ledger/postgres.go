package ledger

import (
	"context"
	"database/sql"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lib/pq"
	relayerrors "github.com/openbridge/relayer/common/errors"
	"github.com/openbridge/relayer/common/types"
	"github.com/pkg/errors"
)

// schema is the persisted state layout: one row per transfer intent plus one
// checkpoint row per source chain. Transfers are never deleted; they are
// permanent audit history.
const schema = `
CREATE TABLE IF NOT EXISTS transfers (
    transfer_id         TEXT PRIMARY KEY,
    source_chain_id     BIGINT NOT NULL,
    source_contract     TEXT NOT NULL,
    source_sequence     BIGINT NOT NULL,
    sender              TEXT NOT NULL,
    recipient           TEXT NOT NULL,
    amount              NUMERIC(78,0) NOT NULL,
    aux_payload         BYTEA,
    created_at          TIMESTAMPTZ NOT NULL,
    source_block_height BIGINT NOT NULL,
    source_log_index    BIGINT NOT NULL,
    source_tx_hash      TEXT NOT NULL,
    state               TEXT NOT NULL,
    submitted_tx_hash   TEXT NOT NULL DEFAULT '',
    dest_tx_hash        TEXT,
    dest_block_height   BIGINT,
    gas_used            BIGINT,
    effective_gas_price NUMERIC(78,0),
    outcome             TEXT,
    fail_reason         TEXT NOT NULL DEFAULT '',
    updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS transfers_state_idx
    ON transfers (state, source_block_height, source_log_index);

CREATE TABLE IF NOT EXISTS checkpoints (
    chain_id   BIGINT PRIMARY KEY,
    height     BIGINT NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// PostgresLedger is the production Ledger backed by Postgres. Durability and
// the atomic compare-and-swap both come straight from the database: a state
// transition is a single UPDATE guarded by the expected current state.
type PostgresLedger struct {
	db *sql.DB
}

// NewPostgresLedger opens a connection pool to the given database and
// verifies connectivity.
//
// Parameters:
// - ctx: the context for managing the request.
// - connStr: the database connection string.
//
// Returns:
// - *PostgresLedger: a new PostgresLedger instance.
// - error: an error if the database is unreachable.
func NewPostgresLedger(ctx context.Context, connStr string) (*PostgresLedger, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, errors.Wrapf(relayerrors.ErrDatabaseConnect, "open: %v", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrapf(relayerrors.ErrDatabaseConnect, "ping: %v", err)
	}

	return &PostgresLedger{db: db}, nil
}

// EnsureSchema creates the transfers and checkpoints tables if they do not
// exist yet.
//
// Parameters:
// - ctx: the context for managing the request.
//
// Returns:
// - error: an error if the DDL fails.
func (l *PostgresLedger) EnsureSchema(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, schema); err != nil {
		return errors.Wrap(err, "failed to ensure ledger schema")
	}
	return nil
}

// Close closes the underlying connection pool.
func (l *PostgresLedger) Close() error {
	return l.db.Close()
}

// RecordObserved inserts the intent at OBSERVED if absent; a conflicting
// insert for the same transfer id is a no-op.
func (l *PostgresLedger) RecordObserved(ctx context.Context, intent *types.TransferIntent) error {
	_, err := l.db.ExecContext(ctx, `
        INSERT INTO transfers (
            transfer_id,
            source_chain_id,
            source_contract,
            source_sequence,
            sender,
            recipient,
            amount,
            aux_payload,
            created_at,
            source_block_height,
            source_log_index,
            source_tx_hash,
            state
        ) VALUES (
            $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13
        )
        ON CONFLICT (transfer_id) DO NOTHING`,
		intent.TransferID.Hex(),
		intent.SourceChainID,
		intent.SourceContract.Hex(),
		intent.SourceSequence,
		intent.Sender.Hex(),
		intent.Recipient.Hex(),
		intent.Amount.String(),
		intent.AuxPayload,
		intent.CreatedAt,
		intent.SourceBlockHeight,
		intent.SourceLogIndex,
		intent.SourceTxHash.Hex(),
		types.StateObserved,
	)
	if err != nil {
		return errors.Wrap(err, "failed to record observed intent")
	}

	return nil
}

// TransitionTo performs the compare-and-swap state transition. The UPDATE is
// guarded by the expected current state; zero rows affected means another
// worker won the race (or the id is unknown).
func (l *PostgresLedger) TransitionTo(ctx context.Context, transferID common.Hash, from, to types.TransferState, payload *TransitionPayload) error {
	if !types.CanTransition(from, to) {
		return errors.Wrapf(relayerrors.ErrIllegalTransition, "%s -> %s", from, to)
	}

	var (
		destTxHash   sql.NullString
		destBlock    sql.NullInt64
		gasUsed      sql.NullInt64
		gasPrice     sql.NullString
		outcome      sql.NullString
		failReason   string
	)
	if payload != nil {
		failReason = payload.Reason
		if exec := payload.Execution; exec != nil {
			destTxHash = sql.NullString{String: exec.DestTxHash, Valid: true}
			destBlock = sql.NullInt64{Int64: int64(exec.DestBlockHeight), Valid: true}
			gasUsed = sql.NullInt64{Int64: int64(exec.GasUsed), Valid: true}
			outcome = sql.NullString{String: string(exec.Outcome), Valid: true}
			if exec.EffectiveGasPrice != nil {
				gasPrice = sql.NullString{String: exec.EffectiveGasPrice.String(), Valid: true}
			}
		}
	}

	result, err := l.db.ExecContext(ctx, `
        UPDATE transfers
           SET state = $1,
               dest_tx_hash = COALESCE($2, dest_tx_hash),
               dest_block_height = COALESCE($3, dest_block_height),
               gas_used = COALESCE($4, gas_used),
               effective_gas_price = COALESCE($5, effective_gas_price),
               outcome = COALESCE($6, outcome),
               fail_reason = CASE WHEN $7 = '' THEN fail_reason ELSE $7 END,
               updated_at = now()
         WHERE transfer_id = $8 AND state = $9`,
		to,
		destTxHash,
		destBlock,
		gasUsed,
		gasPrice,
		outcome,
		failReason,
		transferID.Hex(),
		from,
	)
	if err != nil {
		return errors.Wrap(err, "failed to transition transfer state")
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}

	if rowsAffected == 0 {
		var exists bool
		if err := l.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM transfers WHERE transfer_id = $1)`,
			transferID.Hex(),
		).Scan(&exists); err != nil {
			return errors.Wrap(err, "failed to check transfer existence")
		}
		if !exists {
			return relayerrors.ErrTransferNotFound
		}
		return relayerrors.ErrStateConflict
	}

	return nil
}

// SetSubmittedTx records the destination transaction hash of an in-flight
// submission without changing state.
func (l *PostgresLedger) SetSubmittedTx(ctx context.Context, transferID common.Hash, txHash string) error {
	result, err := l.db.ExecContext(ctx, `
        UPDATE transfers
           SET submitted_tx_hash = $1,
               updated_at = now()
         WHERE transfer_id = $2`,
		txHash,
		transferID.Hex(),
	)
	if err != nil {
		return errors.Wrap(err, "failed to set submitted tx hash")
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rowsAffected == 0 {
		return relayerrors.ErrTransferNotFound
	}

	return nil
}

// Get returns the full record for a transfer.
func (l *PostgresLedger) Get(ctx context.Context, transferID common.Hash) (*types.TransferRecord, error) {
	row := l.db.QueryRowContext(ctx, selectColumns+` WHERE transfer_id = $1`, transferID.Hex())

	record, err := scanTransfer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, relayerrors.ErrTransferNotFound
		}
		return nil, errors.Wrap(err, "failed to get transfer")
	}

	return record, nil
}

// Checkpoint returns the durable checkpoint for a source chain.
func (l *PostgresLedger) Checkpoint(ctx context.Context, chainID uint64) (uint64, bool, error) {
	var height uint64
	err := l.db.QueryRowContext(ctx,
		`SELECT height FROM checkpoints WHERE chain_id = $1`,
		chainID,
	).Scan(&height)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrap(err, "failed to get checkpoint")
	}

	return height, true, nil
}

// AdvanceCheckpoint persists a new checkpoint, never moving it backwards.
func (l *PostgresLedger) AdvanceCheckpoint(ctx context.Context, chainID uint64, height uint64) error {
	_, err := l.db.ExecContext(ctx, `
        INSERT INTO checkpoints (chain_id, height, updated_at)
        VALUES ($1, $2, now())
        ON CONFLICT (chain_id)
        DO UPDATE SET height = EXCLUDED.height, updated_at = now()
        WHERE checkpoints.height <= EXCLUDED.height`,
		chainID,
		height,
	)
	if err != nil {
		return errors.Wrap(err, "failed to advance checkpoint")
	}

	return nil
}

// IntentsInState returns every record in the given state, in replay order.
func (l *PostgresLedger) IntentsInState(ctx context.Context, state types.TransferState) ([]types.TransferRecord, error) {
	rows, err := l.db.QueryContext(ctx,
		selectColumns+` WHERE state = $1 ORDER BY source_block_height, source_log_index`,
		state,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query transfers by state")
	}
	defer rows.Close()

	var records []types.TransferRecord
	for rows.Next() {
		record, err := scanTransfer(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan transfer row")
		}
		records = append(records, *record)
	}

	return records, rows.Err()
}

// CountsByState returns the number of transfers per state.
func (l *PostgresLedger) CountsByState(ctx context.Context) (map[types.TransferState]int64, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT state, COUNT(*) FROM transfers GROUP BY state`,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count transfers by state")
	}
	defer rows.Close()

	counts := make(map[types.TransferState]int64)
	for rows.Next() {
		var state string
		var count int64
		if err := rows.Scan(&state, &count); err != nil {
			return nil, errors.Wrap(err, "failed to scan count row")
		}
		counts[types.TransferState(state)] = count
	}

	return counts, rows.Err()
}

// TotalAmountInStates returns the sum of transfer amounts across the given
// states.
func (l *PostgresLedger) TotalAmountInStates(ctx context.Context, states ...types.TransferState) (*big.Int, error) {
	names := make([]string, 0, len(states))
	for _, s := range states {
		names = append(names, string(s))
	}

	var total string
	err := l.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM transfers WHERE state = ANY($1)`,
		pq.Array(names),
	).Scan(&total)
	if err != nil {
		return nil, errors.Wrap(err, "failed to sum transfer amounts")
	}

	sum, ok := new(big.Int).SetString(total, 10)
	if !ok {
		return nil, errors.Errorf("invalid amount total: %q", total)
	}

	return sum, nil
}

const selectColumns = `
    SELECT transfer_id,
           source_chain_id,
           source_contract,
           source_sequence,
           sender,
           recipient,
           amount,
           aux_payload,
           created_at,
           source_block_height,
           source_log_index,
           source_tx_hash,
           state,
           submitted_tx_hash,
           dest_tx_hash,
           dest_block_height,
           gas_used,
           effective_gas_price,
           outcome,
           fail_reason
      FROM transfers`

// rowScanner abstracts *sql.Row and *sql.Rows for scanTransfer.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTransfer(row rowScanner) (*types.TransferRecord, error) {
	var (
		transferID   string
		contract     string
		sender       string
		recipient    string
		amount       string
		createdAt    time.Time
		txHash       string
		state        string
		destTxHash   sql.NullString
		destBlock    sql.NullInt64
		gasUsed      sql.NullInt64
		gasPrice     sql.NullString
		outcome      sql.NullString
		record       types.TransferRecord
	)

	err := row.Scan(
		&transferID,
		&record.Intent.SourceChainID,
		&contract,
		&record.Intent.SourceSequence,
		&sender,
		&recipient,
		&amount,
		&record.Intent.AuxPayload,
		&createdAt,
		&record.Intent.SourceBlockHeight,
		&record.Intent.SourceLogIndex,
		&txHash,
		&state,
		&record.SubmittedTxHash,
		&destTxHash,
		&destBlock,
		&gasUsed,
		&gasPrice,
		&outcome,
		&record.FailReason,
	)
	if err != nil {
		return nil, err
	}

	record.Intent.TransferID = common.HexToHash(transferID)
	record.Intent.SourceContract = common.HexToAddress(contract)
	record.Intent.Sender = common.HexToAddress(sender)
	record.Intent.Recipient = common.HexToAddress(recipient)
	record.Intent.CreatedAt = createdAt
	record.Intent.SourceTxHash = common.HexToHash(txHash)
	record.State = types.TransferState(state)

	parsedAmount, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return nil, errors.Errorf("invalid stored amount: %q", amount)
	}
	record.Intent.Amount = parsedAmount

	if outcome.Valid {
		exec := &types.ExecutionRecord{
			DestTxHash:      destTxHash.String,
			DestBlockHeight: uint64(destBlock.Int64),
			GasUsed:         uint64(gasUsed.Int64),
			Outcome:         types.ExecutionOutcome(outcome.String),
		}
		if gasPrice.Valid {
			price, ok := new(big.Int).SetString(gasPrice.String, 10)
			if !ok {
				return nil, errors.Errorf("invalid stored gas price: %q", gasPrice.String)
			}
			exec.EffectiveGasPrice = price
		}
		record.Execution = exec
	}

	return &record, nil
}

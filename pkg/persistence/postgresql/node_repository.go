package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/maestro/pkg/models"
	"github.com/dukex/maestro/pkg/persistence"
)

// NodeRepository handles node-related database operations, including the
// per-node exclusive locking the engine relies on for idempotent dispatch.
type NodeRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewNodeRepository(db *sql.DB, logger *slog.Logger) *NodeRepository {
	return &NodeRepository{db: db, logger: logger}
}

const nodeColumns = `
	id
  , workflow_id
  , user_id
  , parent_id
  , name
  , kind
  , mode
  , current_server_status
  , current_client_status
  , fires_at
  , seq
  , retries_remaining
  , retry_interval_ms
  , complete_by
  , data
  , metadata
  , created_at
  , updated_at
`

func (r *NodeRepository) Create(ctx context.Context, node *models.Node) error {
	data, metadata, err := marshalClientDetail(node)
	if err != nil {
		return persistence.NewNodeError("Create", node.ID, err)
	}

	query := `
		INSERT INTO nodes (
			id, workflow_id, user_id, parent_id, name, kind, mode,
			current_server_status, current_client_status, fires_at,
			retries_remaining, retry_interval_ms, complete_by,
			data, metadata, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		RETURNING seq
	`

	err = q(ctx, r.db).QueryRowContext(ctx, query,
		node.ID,
		node.WorkflowID,
		node.UserID,
		node.ParentID,
		node.Name,
		string(node.Kind),
		string(node.Mode),
		string(node.CurrentServerStatus),
		string(node.CurrentClientStatus),
		node.FiresAt,
		node.Detail.RetriesRemaining,
		node.Detail.RetryInterval.Milliseconds(),
		node.Detail.CompleteBy,
		data,
		metadata,
		node.CreatedAt,
		node.UpdatedAt,
	).Scan(&node.Seq)
	if err != nil {
		return persistence.NewNodeError("Create", node.ID, err)
	}

	return nil
}

func (r *NodeRepository) NodeByID(ctx context.Context, id string) (*models.Node, error) {
	query := `SELECT ` + nodeColumns + ` FROM nodes WHERE id = $1`

	node, err := scanNode(q(ctx, r.db).QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewNodeError("NodeByID", id, persistence.ErrNodeNotFound)
		}

		return nil, persistence.NewNodeError("NodeByID", id, err)
	}

	return node, nil
}

func (r *NodeRepository) Children(ctx context.Context, parent models.Ref) ([]*models.Node, error) {
	var (
		query string
		arg   string
	)

	if parent.IsNode() {
		query = `SELECT ` + nodeColumns + ` FROM nodes WHERE parent_id = $1 ORDER BY seq ASC`
		arg = parent.ID
	} else {
		query = `SELECT ` + nodeColumns + ` FROM nodes WHERE workflow_id = $1 AND parent_id IS NULL ORDER BY seq ASC`
		arg = parent.ID
	}

	rows, err := q(ctx, r.db).QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to query children of %s: %w", parent, err)
	}
	defer r.closeRows(ctx, rows)

	return collectNodes(rows)
}

// TransitionStatus persists both status fields and appends the audit rows
// atomically. Inside WithLock it joins the lock's transaction; standalone
// calls get their own.
func (r *NodeRepository) TransitionStatus(ctx context.Context, node *models.Node, changes []*models.StatusChange) error {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return r.transitionStatus(ctx, tx, node, changes)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return persistence.NewNodeError("TransitionStatus", node.ID, err)
	}

	err = r.transitionStatus(ctx, tx, node, changes)
	if err != nil {
		_ = tx.Rollback()

		return err
	}

	err = tx.Commit()
	if err != nil {
		return persistence.NewNodeError("TransitionStatus", node.ID, err)
	}

	return nil
}

func (r *NodeRepository) transitionStatus(ctx context.Context, tx *sql.Tx, node *models.Node, changes []*models.StatusChange) error {
	priorServer, priorClient := persistence.PriorStatuses(node, changes)

	query := `
		UPDATE nodes
		SET current_server_status = $2, current_client_status = $3, updated_at = NOW()
		WHERE id = $1
		  AND current_server_status = $4
		  AND current_client_status = $5
	`

	result, err := tx.ExecContext(ctx, query,
		node.ID, string(node.CurrentServerStatus), string(node.CurrentClientStatus),
		priorServer, priorClient)
	if err != nil {
		return persistence.NewNodeError("TransitionStatus", node.ID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewNodeError("TransitionStatus", node.ID, err)
	}

	if affected == 0 {
		var exists bool

		err = tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM nodes WHERE id = $1)`, node.ID).Scan(&exists)
		if err != nil {
			return persistence.NewNodeError("TransitionStatus", node.ID, err)
		}

		if exists {
			return persistence.NewNodeError("TransitionStatus", node.ID, persistence.ErrStatusConflict)
		}

		return persistence.NewNodeError("TransitionStatus", node.ID, persistence.ErrNodeNotFound)
	}

	for _, change := range changes {
		response, err := marshalJSONMap(change.Response)
		if err != nil {
			return persistence.NewNodeError("TransitionStatus", node.ID, err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO status_changes (id, node_id, status_type, from_status, to_status, response, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, change.ID, change.NodeID, string(change.StatusType), change.FromStatus, change.ToStatus, response, change.CreatedAt)
		if err != nil {
			return persistence.NewNodeError("TransitionStatus", node.ID, err)
		}
	}

	return nil
}

func (r *NodeRepository) UpdateDetail(ctx context.Context, node *models.Node) error {
	query := `
		UPDATE nodes
		SET retries_remaining = $2, retry_interval_ms = $3, complete_by = $4, updated_at = NOW()
		WHERE id = $1
	`

	result, err := q(ctx, r.db).ExecContext(ctx, query,
		node.ID,
		node.Detail.RetriesRemaining,
		node.Detail.RetryInterval.Milliseconds(),
		node.Detail.CompleteBy,
	)
	if err != nil {
		return persistence.NewNodeError("UpdateDetail", node.ID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewNodeError("UpdateDetail", node.ID, err)
	}

	if affected == 0 {
		return persistence.NewNodeError("UpdateDetail", node.ID, persistence.ErrNodeNotFound)
	}

	return nil
}

// WithLock opens a transaction, takes the node's row lock with
// SELECT ... FOR UPDATE, and runs fn with a context that routes nested
// repository calls onto the same transaction.
func (r *NodeRepository) WithLock(ctx context.Context, id string, fn func(ctx context.Context, node *models.Node) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return persistence.NewNodeError("WithLock", id, err)
	}

	query := `SELECT ` + nodeColumns + ` FROM nodes WHERE id = $1 FOR UPDATE`

	node, err := scanNode(tx.QueryRowContext(ctx, query, id))
	if err != nil {
		_ = tx.Rollback()

		if errors.Is(err, sql.ErrNoRows) {
			return persistence.NewNodeError("WithLock", id, persistence.ErrNodeNotFound)
		}

		return persistence.NewNodeError("WithLock", id, err)
	}

	err = fn(withTx(ctx, tx), node)
	if err != nil {
		_ = tx.Rollback()

		return err
	}

	err = tx.Commit()
	if err != nil {
		return persistence.NewNodeError("WithLock", id, err)
	}

	return nil
}

func (r *NodeRepository) StatusChanges(ctx context.Context, nodeID string) ([]*models.StatusChange, error) {
	query := `
		SELECT
			id
		  , node_id
		  , status_type
		  , from_status
		  , to_status
		  , response
		  , created_at
		FROM status_changes
		WHERE node_id = $1
		ORDER BY created_at ASC
	`

	rows, err := q(ctx, r.db).QueryContext(ctx, query, nodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query status changes for node %s: %w", nodeID, err)
	}
	defer r.closeRows(ctx, rows)

	changes := make([]*models.StatusChange, 0)

	for rows.Next() {
		change := &models.StatusChange{}

		var (
			statusType string
			response   []byte
		)

		err = rows.Scan(&change.ID, &change.NodeID, &statusType,
			&change.FromStatus, &change.ToStatus, &response, &change.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan status change: %w", err)
		}

		change.StatusType = models.StatusType(statusType)

		if response != nil {
			err = json.Unmarshal(response, &change.Response)
			if err != nil {
				return nil, fmt.Errorf("failed to unmarshal status change response: %w", err)
			}
		}

		changes = append(changes, change)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating status changes: %w", err)
	}

	return changes, nil
}

func (r *NodeRepository) Expired(ctx context.Context, now time.Time) ([]*models.Node, error) {
	query := `
		SELECT ` + nodeColumns + `
		FROM nodes
		WHERE complete_by IS NOT NULL
		  AND complete_by <= $1
		  AND current_server_status NOT IN ('complete', 'deactivated')
		ORDER BY seq ASC
	`

	rows, err := q(ctx, r.db).QueryContext(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired nodes: %w", err)
	}
	defer r.closeRows(ctx, rows)

	return collectNodes(rows)
}

func (r *NodeRepository) closeRows(ctx context.Context, rows *sql.Rows) {
	err := rows.Close()
	if err != nil {
		r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
	}
}

func collectNodes(rows *sql.Rows) ([]*models.Node, error) {
	nodes := make([]*models.Node, 0)

	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}

		nodes = append(nodes, node)
	}

	err := rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating nodes: %w", err)
	}

	return nodes, nil
}

func scanNode(row rowScanner) (*models.Node, error) {
	node := &models.Node{}

	var (
		kind            string
		mode            string
		serverStatus    string
		clientStatus    string
		retryIntervalMs int64
		data            []byte
		metadata        []byte
	)

	err := row.Scan(
		&node.ID,
		&node.WorkflowID,
		&node.UserID,
		&node.ParentID,
		&node.Name,
		&kind,
		&mode,
		&serverStatus,
		&clientStatus,
		&node.FiresAt,
		&node.Seq,
		&node.Detail.RetriesRemaining,
		&retryIntervalMs,
		&node.Detail.CompleteBy,
		&data,
		&metadata,
		&node.CreatedAt,
		&node.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	node.Kind = models.NodeKind(kind)
	node.Mode = models.NodeMode(mode)
	node.CurrentServerStatus = models.ServerStatus(serverStatus)
	node.CurrentClientStatus = models.ClientStatus(clientStatus)
	node.Detail.RetryInterval = time.Duration(retryIntervalMs) * time.Millisecond

	if data != nil {
		err = json.Unmarshal(data, &node.ClientDetail.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal node data: %w", err)
		}
	}

	if metadata != nil {
		err = json.Unmarshal(metadata, &node.ClientDetail.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal node metadata: %w", err)
		}
	}

	return node, nil
}

func marshalClientDetail(node *models.Node) (data, metadata []byte, err error) {
	data, err = marshalJSONMap(node.ClientDetail.Data)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal node data: %w", err)
	}

	metadata, err = marshalJSONMap(node.ClientDetail.Metadata)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal node metadata: %w", err)
	}

	return data, metadata, nil
}

// marshalJSONMap keeps nil maps as SQL NULL rather than the string "null".
func marshalJSONMap(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}

	return json.Marshal(m)
}

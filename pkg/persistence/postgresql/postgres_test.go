package postgresql_test

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/dukex/maestro/pkg/models"
	"github.com/dukex/maestro/pkg/persistence"
	"github.com/dukex/maestro/pkg/persistence/postgresql"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

var postgresContainer *postgres.PostgresContainer

func dropDb(ctx context.Context, t *testing.T, databaseURL string) {
	t.Helper()

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	// Drop tables in reverse dependency order (children first, parents last)
	for _, table := range []string{"status_changes", "nodes", "workflows", "users", "schema_migrations"} {
		_, err = db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table+" CASCADE")
		require.NoError(t, err)
	}

	_, err = db.ExecContext(ctx, "DROP SEQUENCE IF EXISTS nodes_seq")
	require.NoError(t, err)

	err = db.Close()
	require.NoError(t, err)
}

func setupTestDB(t *testing.T) (*postgresql.Persistence, context.Context, string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)

	if postgresContainer == nil || !postgresContainer.IsRunning() {
		var err error

		postgresContainer, err = postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("maestro_test"),
			postgres.WithUsername("maestro"),
			postgres.WithPassword("maestro"),
			postgres.BasicWaitStrategies(),
		)
		require.NoError(t, err)
	}

	databaseURL, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	dropDb(ctx, t, databaseURL)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	p, err := postgresql.NewPersistence(ctx, logger, databaseURL)
	require.NoError(t, err)

	t.Cleanup(func() {
		dropDb(ctx, t, databaseURL)

		err = p.Close(ctx)
		require.NoError(t, err)

		cancel()
	})

	return p, ctx, databaseURL
}

func createTestUser(t *testing.T, ctx context.Context, p *postgresql.Persistence) *models.User {
	t.Helper()

	user := models.NewUser(models.UserAttrs{
		DecisionEndpoint:     "http://client.test/decisions",
		ActivityEndpoint:     "http://client.test/activities",
		NotificationEndpoint: "http://client.test/notifications",
	})
	require.NoError(t, p.Users().Create(ctx, user))

	return user
}

func createTestWorkflow(t *testing.T, ctx context.Context, p *postgresql.Persistence, user *models.User) *models.Workflow {
	t.Helper()

	workflow := models.NewWorkflow(user.ID, models.WorkflowAttrs{
		Name:    "fulfillment",
		Decider: "fulfillment-decider",
		Subject: map[string]any{"order_id": "order-1"},
	})
	require.NoError(t, p.Workflows().Create(ctx, workflow))

	return workflow
}

func TestNewPersistence_Migrations(t *testing.T) {
	_, ctx, databaseURL := setupTestDB(t)

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	defer func() {
		require.NoError(t, db.Close())
	}()

	var version int

	err = db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_migrations").Scan(&version)
	require.NoError(t, err)
	assert.Equal(t, 1, version)

	for _, table := range []string{"users", "workflows", "nodes", "status_changes"} {
		var exists bool

		err = db.QueryRowContext(ctx,
			"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = $1)", table).Scan(&exists)
		require.NoError(t, err)
		assert.True(t, exists, "table %s should exist", table)
	}
}

func TestUserRepository_CreateAndFetch(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	user := createTestUser(t, ctx, p)

	fetched, err := p.Users().UserByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, user.DecisionEndpoint, fetched.DecisionEndpoint)

	require.NoError(t, p.Users().RotateEndpoints(ctx, user.ID, models.UserAttrs{
		DecisionEndpoint:     "http://client.test/v2/decisions",
		ActivityEndpoint:     "http://client.test/v2/activities",
		NotificationEndpoint: "http://client.test/v2/notifications",
	}))

	fetched, err = p.Users().UserByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "http://client.test/v2/decisions", fetched.DecisionEndpoint)

	_, err = p.Users().UserByID(ctx, "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, persistence.ErrUserNotFound)
}

func TestWorkflowRepository_UniquenessQuadruple(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	user := createTestUser(t, ctx, p)
	workflow := createTestWorkflow(t, ctx, p, user)

	found, err := p.Workflows().FindByUniqueness(ctx, user.ID, "fulfillment", "fulfillment-decider",
		map[string]any{"order_id": "order-1"})
	require.NoError(t, err)
	assert.Equal(t, workflow.ID, found.ID)

	// Same quadruple again: unique index rejects it.
	duplicate := models.NewWorkflow(user.ID, models.WorkflowAttrs{
		Name:    "fulfillment",
		Decider: "fulfillment-decider",
		Subject: map[string]any{"order_id": "order-1"},
	})
	err = p.Workflows().Create(ctx, duplicate)
	assert.ErrorIs(t, err, persistence.ErrWorkflowAlreadyExists)

	// Different subject: distinct workflow.
	other := models.NewWorkflow(user.ID, models.WorkflowAttrs{
		Name:    "fulfillment",
		Decider: "fulfillment-decider",
		Subject: map[string]any{"order_id": "order-2"},
	})
	require.NoError(t, p.Workflows().Create(ctx, other))

	_, err = p.Workflows().FindByUniqueness(ctx, user.ID, "fulfillment", "fulfillment-decider",
		map[string]any{"order_id": "order-3"})
	assert.ErrorIs(t, err, persistence.ErrWorkflowNotFound)
}

func TestWorkflowRepository_Flags(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	user := createTestUser(t, ctx, p)
	workflow := createTestWorkflow(t, ctx, p, user)

	require.NoError(t, p.Workflows().SetPaused(ctx, workflow.ID, true))
	require.NoError(t, p.Workflows().SetComplete(ctx, workflow.ID, true))

	fetched, err := p.Workflows().WorkflowByID(ctx, workflow.ID)
	require.NoError(t, err)
	assert.True(t, fetched.Paused)
	assert.True(t, fetched.Complete)
}

func TestNodeRepository_SeqOrderAndChildren(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	user := createTestUser(t, ctx, p)
	workflow := createTestWorkflow(t, ctx, p, user)

	first := models.NewNode(user.ID, workflow.ID, nil, models.NodeAttrs{
		Name: "first", Kind: models.NodeKindSignal, Mode: models.NodeModeBlocking,
	})
	require.NoError(t, p.Nodes().Create(ctx, first))

	second := models.NewNode(user.ID, workflow.ID, nil, models.NodeAttrs{
		Name: "second", Kind: models.NodeKindActivity, Mode: models.NodeModeNonBlocking,
		Data: map[string]any{"amount": float64(42)},
	})
	require.NoError(t, p.Nodes().Create(ctx, second))

	child := models.NewNode(user.ID, workflow.ID, &first.ID, models.NodeAttrs{
		Name: "child", Kind: models.NodeKindActivity, Mode: models.NodeModeBlocking,
	})
	require.NoError(t, p.Nodes().Create(ctx, child))

	assert.Less(t, first.Seq, second.Seq)
	assert.Less(t, second.Seq, child.Seq)

	roots, err := p.Nodes().Children(ctx, workflow.Ref())
	require.NoError(t, err)
	require.Len(t, roots, 2)
	assert.Equal(t, first.ID, roots[0].ID)
	assert.Equal(t, second.ID, roots[1].ID)
	assert.Equal(t, map[string]any{"amount": float64(42)}, roots[1].ClientDetail.Data)

	nested, err := p.Nodes().Children(ctx, first.Ref())
	require.NoError(t, err)
	require.Len(t, nested, 1)
	assert.Equal(t, child.ID, nested[0].ID)
}

func TestNodeRepository_TransitionStatusWritesAuditRows(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	user := createTestUser(t, ctx, p)
	workflow := createTestWorkflow(t, ctx, p, user)

	node := models.NewNode(user.ID, workflow.ID, nil, models.NodeAttrs{
		Name: "audit-me", Kind: models.NodeKindActivity, Mode: models.NodeModeBlocking,
	})
	require.NoError(t, p.Nodes().Create(ctx, node))

	node.CurrentServerStatus = models.ServerStatusReady
	node.CurrentClientStatus = models.ClientStatusReady

	changes := []*models.StatusChange{
		models.NewStatusChange(node.ID, models.StatusTypeServer, "pending", "ready", nil),
		models.NewStatusChange(node.ID, models.StatusTypeClient, "pending", "ready", map[string]any{"note": "ok"}),
	}
	require.NoError(t, p.Nodes().TransitionStatus(ctx, node, changes))

	fetched, err := p.Nodes().NodeByID(ctx, node.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ServerStatusReady, fetched.CurrentServerStatus)
	assert.Equal(t, models.ClientStatusReady, fetched.CurrentClientStatus)

	history, err := p.Nodes().StatusChanges(ctx, node.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "ready", history[0].ToStatus)
	assert.Equal(t, map[string]any{"note": "ok"}, history[1].Response)
}

func TestNodeRepository_TransitionStatusRejectsStaleSnapshot(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	user := createTestUser(t, ctx, p)
	workflow := createTestWorkflow(t, ctx, p, user)

	node := models.NewNode(user.ID, workflow.ID, nil, models.NodeAttrs{
		Name: "contended", Kind: models.NodeKindActivity, Mode: models.NodeModeBlocking,
	})
	require.NoError(t, p.Nodes().Create(ctx, node))

	node.CurrentServerStatus = models.ServerStatusReady
	require.NoError(t, p.Nodes().TransitionStatus(ctx, node, []*models.StatusChange{
		models.NewStatusChange(node.ID, models.StatusTypeServer, "pending", "ready", nil),
	}))

	// Another worker still holding the pending snapshot must not be able
	// to rewind the committed row.
	stale := *node
	stale.CurrentServerStatus = models.ServerStatusErrored

	err := p.Nodes().TransitionStatus(ctx, &stale, []*models.StatusChange{
		models.NewStatusChange(node.ID, models.StatusTypeServer, "pending", "errored", nil),
	})
	require.ErrorIs(t, err, persistence.ErrStatusConflict)

	fetched, err := p.Nodes().NodeByID(ctx, node.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ServerStatusReady, fetched.CurrentServerStatus)

	history, err := p.Nodes().StatusChanges(ctx, node.ID)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestNodeRepository_WithLockRollsBackOnError(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	user := createTestUser(t, ctx, p)
	workflow := createTestWorkflow(t, ctx, p, user)

	node := models.NewNode(user.ID, workflow.ID, nil, models.NodeAttrs{
		Name: "locked", Kind: models.NodeKindActivity, Mode: models.NodeModeBlocking,
	})
	require.NoError(t, p.Nodes().Create(ctx, node))

	boom := errors.New("boom")

	err := p.Nodes().WithLock(ctx, node.ID, func(ctx context.Context, locked *models.Node) error {
		locked.CurrentServerStatus = models.ServerStatusReady
		locked.CurrentClientStatus = models.ClientStatusReady

		// This update runs on the lock's transaction and must vanish with
		// the rollback.
		updateErr := p.Nodes().TransitionStatus(ctx, locked, nil)
		require.NoError(t, updateErr)

		return boom
	})
	require.ErrorIs(t, err, boom)

	fetched, err := p.Nodes().NodeByID(ctx, node.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ServerStatusPending, fetched.CurrentServerStatus)
}

func TestNodeRepository_Expired(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	user := createTestUser(t, ctx, p)
	workflow := createTestWorkflow(t, ctx, p, user)
	past := time.Now().UTC().Add(-time.Hour)
	future := time.Now().UTC().Add(time.Hour)

	overdue := models.NewNode(user.ID, workflow.ID, nil, models.NodeAttrs{
		Name: "overdue", Kind: models.NodeKindActivity, Mode: models.NodeModeBlocking,
		CompleteBy: &past,
	})
	require.NoError(t, p.Nodes().Create(ctx, overdue))

	onTime := models.NewNode(user.ID, workflow.ID, nil, models.NodeAttrs{
		Name: "on-time", Kind: models.NodeKindActivity, Mode: models.NodeModeBlocking,
		CompleteBy: &future,
	})
	require.NoError(t, p.Nodes().Create(ctx, onTime))

	done := models.NewNode(user.ID, workflow.ID, nil, models.NodeAttrs{
		Name: "done", Kind: models.NodeKindActivity, Mode: models.NodeModeBlocking,
		CompleteBy: &past,
	})
	require.NoError(t, p.Nodes().Create(ctx, done))
	done.CurrentServerStatus = models.ServerStatusComplete
	done.CurrentClientStatus = models.ClientStatusComplete
	require.NoError(t, p.Nodes().TransitionStatus(ctx, done, nil))

	expired, err := p.Nodes().Expired(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, overdue.ID, expired[0].ID)
}

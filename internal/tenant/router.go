package tenant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/minhvtn/listsync-be/internal/domain"
)

// schemaPattern is what a sanitized tenant id must look like before it is
// allowed anywhere near a SET search_path statement.
var schemaPattern = regexp.MustCompile(`^[a-z0-9_]{1,48}$`)

// SchemaPrefix is prepended to the tenant id to form the schema name.
const SchemaPrefix = "tenant_"

// Router resolves tenant ids to schema-bound data-access handles. It holds
// the shared connection pool; handles it hands out re-establish their schema
// binding inside every transaction, so pooled-connection reuse can never
// carry one tenant's scope into another tenant's work.
type Router struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewRouter creates a Router over the shared pool.
func NewRouter(db *sqlx.DB, logger *slog.Logger) *Router {
	return &Router{
		db:     db,
		logger: logger,
	}
}

// SchemaName maps a tenant id to its schema name, or errors if the id
// cannot form a safe identifier.
func SchemaName(tenantID string) (string, error) {
	if !schemaPattern.MatchString(tenantID) {
		return "", fmt.Errorf("invalid tenant id %q: %w", tenantID, domain.ErrTenantNotFound)
	}
	return SchemaPrefix + tenantID, nil
}

// Bind resolves tenantID to its schema and returns a handle scoped to it.
// A missing schema fails loudly: no request is ever served against a
// default or shared partition.
func (r *Router) Bind(ctx context.Context, tenantID string) (*Handle, error) {
	schema, err := SchemaName(tenantID)
	if err != nil {
		return nil, err
	}

	var exists bool
	err = r.db.GetContext(ctx, &exists,
		`SELECT EXISTS (SELECT 1 FROM information_schema.schemata WHERE schema_name = $1)`, schema)
	if err != nil {
		return nil, fmt.Errorf("failed to verify tenant partition %s: %w", schema, err)
	}
	if !exists {
		r.logger.Error("Tenant partition missing",
			slog.String("tenant_id", tenantID),
			slog.String("schema", schema),
		)
		return nil, fmt.Errorf("schema %s: %w", schema, domain.ErrTenantNotFound)
	}

	return &Handle{
		db:       r.db,
		tenantID: tenantID,
		schema:   schema,
		logger:   r.logger.With(slog.String("tenant_id", tenantID)),
	}, nil
}

// Handle is a data-access handle bound 1:1 to one tenant's schema for its
// entire lifetime. All reads and writes go through RunInTx, which binds and
// verifies the schema on the transaction it uses; nothing is trusted to
// persist on the underlying pooled connection between transactions.
type Handle struct {
	db       *sqlx.DB
	tenantID string
	schema   string
	logger   *slog.Logger
}

// TenantID returns the tenant this handle is bound to.
func (h *Handle) TenantID() string {
	return h.tenantID
}

// Schema returns the schema this handle is bound to.
func (h *Handle) Schema() string {
	return h.schema
}

// Logger returns a logger carrying the tenant binding.
func (h *Handle) Logger() *slog.Logger {
	return h.logger
}

// RunInTx runs fn inside a transaction whose search_path is set to the
// handle's schema with SET LOCAL, then verified with current_schema().
// SET LOCAL dies with the transaction, so the binding cannot leak when the
// pool hands the connection to another tenant's work.
func (h *Handle) RunInTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := h.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := h.bind(ctx, tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			h.logger.Error("Rollback failed",
				slog.String("schema", h.schema),
				slog.Any("error", rbErr),
			)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// bind applies and verifies the schema binding on tx.
func (h *Handle) bind(ctx context.Context, tx *sqlx.Tx) error {
	stmt := fmt.Sprintf("SET LOCAL search_path TO %s", pq.QuoteIdentifier(h.schema))
	if _, err := tx.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrTenantBinding, err)
	}

	var current string
	if err := tx.GetContext(ctx, &current, "SELECT current_schema()"); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrTenantBinding, err)
	}
	if current != h.schema {
		h.logger.Error("Schema binding verification failed",
			slog.String("expected", h.schema),
			slog.String("current", current),
		)
		return fmt.Errorf("%w: bound to %q, expected %q", domain.ErrTenantBinding, current, h.schema)
	}

	return nil
}

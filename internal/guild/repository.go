package guild

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

const selectColumns = "id, name, description, icon_key, banner_key, owner_id, created_at, updated_at"

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed guild repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// Get returns the guild matching the given ID.
func (r *PGRepository) Get(ctx context.Context, id uuid.UUID) (*Guild, error) {
	row := r.db.QueryRow(ctx,
		fmt.Sprintf("SELECT %s FROM guilds WHERE id = $1", selectColumns), id,
	)
	g, err := scanGuild(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query guild: %w", err)
	}
	return g, nil
}

// ListForUser returns every guild the given user belongs to, ordered by guild creation time. This backs the READY
// payload's guild list.
func (r *PGRepository) ListForUser(ctx context.Context, userID uuid.UUID) ([]Guild, error) {
	rows, err := r.db.Query(ctx,
		fmt.Sprintf(
			`SELECT %s FROM guilds g
			 JOIN members m ON m.guild_id = g.id
			 WHERE m.user_id = $1 AND m.status = 'active'
			 ORDER BY g.created_at`,
			prefixColumns("g", selectColumns),
		),
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query guilds for user: %w", err)
	}
	defer rows.Close()

	var guilds []Guild
	for rows.Next() {
		g, err := scanGuild(rows)
		if err != nil {
			return nil, err
		}
		guilds = append(guilds, *g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate guilds: %w", err)
	}
	return guilds, nil
}

// Update applies the non-nil fields in params to the guild row and returns the updated guild.
func (r *PGRepository) Update(ctx context.Context, id uuid.UUID, params UpdateParams) (*Guild, error) {
	var setClauses []string
	namedArgs := pgx.NamedArgs{"id": id}

	if params.Name != nil {
		setClauses = append(setClauses, "name = @name")
		namedArgs["name"] = *params.Name
	}
	if params.Description != nil {
		setClauses = append(setClauses, "description = @description")
		namedArgs["description"] = *params.Description
	}
	if params.IconKey != nil {
		setClauses = append(setClauses, "icon_key = @icon_key")
		namedArgs["icon_key"] = *params.IconKey
	}
	if params.BannerKey != nil {
		setClauses = append(setClauses, "banner_key = @banner_key")
		namedArgs["banner_key"] = *params.BannerKey
	}

	if len(setClauses) == 0 {
		return r.Get(ctx, id)
	}

	query := "UPDATE guilds SET " + strings.Join(setClauses, ", ") +
		" WHERE id = @id RETURNING " + selectColumns

	row := r.db.QueryRow(ctx, query, namedArgs)
	g, err := scanGuild(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("update guild: %w", err)
	}
	return g, nil
}

// scanGuild scans a single row into a Guild struct.
func scanGuild(row pgx.Row) (*Guild, error) {
	var g Guild
	err := row.Scan(
		&g.ID, &g.Name, &g.Description, &g.IconKey, &g.BannerKey,
		&g.OwnerID, &g.CreatedAt, &g.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan guild: %w", err)
	}
	return &g, nil
}

// prefixColumns qualifies each comma-separated column name in cols with the given table alias, for use in joined
// queries where an unqualified column name would be ambiguous.
func prefixColumns(alias, cols string) string {
	parts := strings.Split(cols, ", ")
	for i, p := range parts {
		parts[i] = alias + "." + p
	}
	return strings.Join(parts, ", ")
}

package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/labflow/labflow/internal/platform/db"
)

type userRepoPG struct{ pool *pgxpool.Pool }

func NewUserRepoPG(pool *pgxpool.Pool) UserRepository {
	return &userRepoPG{pool: pool}
}

func (r *userRepoPG) conn(ctx context.Context) db.Querier {
	return db.QuerierFromContext(ctx, r.pool)
}

const userSelect = `SELECT u.id, u.email, u.full_name, u.active, u.created_at,
	COALESCE(ARRAY(SELECT ur.role FROM user_role ur WHERE ur.user_id = u.id ORDER BY ur.role), '{}')
	FROM app_user u`

func (r *userRepoPG) scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.FullName, &u.Active, &u.CreatedAt, &u.Roles)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *userRepoPG) Create(ctx context.Context, u *User) error {
	for _, role := range u.Roles {
		if !ValidRole(role) {
			return fmt.Errorf("invalid role: %s", role)
		}
	}
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	q := r.conn(ctx)
	err := q.QueryRow(ctx, `
		INSERT INTO app_user (id, email, full_name, active)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`,
		u.ID, u.Email, u.FullName, u.Active).Scan(&u.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	for _, role := range u.Roles {
		if _, err := q.Exec(ctx, `INSERT INTO user_role (user_id, role) VALUES ($1, $2)`, u.ID, role); err != nil {
			return fmt.Errorf("insert user role %s: %w", role, err)
		}
	}
	return nil
}

func (r *userRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	return r.scanUser(r.conn(ctx).QueryRow(ctx, userSelect+` WHERE u.id = $1`, id))
}

func (r *userRepoPG) FindByEmailWithRole(ctx context.Context, email, role string) (*User, error) {
	return r.scanUser(r.conn(ctx).QueryRow(ctx, userSelect+`
		WHERE u.email = $1 AND u.active
		  AND EXISTS (SELECT 1 FROM user_role ur WHERE ur.user_id = u.id AND ur.role = $2)`,
		NormalizeEmail(email), role))
}

func (r *userRepoPG) FirstWithRole(ctx context.Context, role string) (*User, error) {
	return r.scanUser(r.conn(ctx).QueryRow(ctx, userSelect+`
		WHERE u.active
		  AND EXISTS (SELECT 1 FROM user_role ur WHERE ur.user_id = u.id AND ur.role = $1)
		ORDER BY u.created_at ASC, u.id ASC
		LIMIT 1`, role))
}

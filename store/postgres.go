package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a new PostgreSQL store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			open_id TEXT NOT NULL DEFAULT '',
			union_id TEXT NOT NULL DEFAULT '',
			username TEXT NOT NULL DEFAULT '',
			password_hash TEXT NOT NULL DEFAULT '',
			nickname TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL DEFAULT 'user',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_users_open_id ON users(open_id) WHERE open_id != ''`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_users_username ON users(username) WHERE username != ''`,
		`CREATE TABLE IF NOT EXISTS robots (
			robot_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			icon TEXT NOT NULL DEFAULT '',
			api_key_hash TEXT NOT NULL,
			creator_id TEXT NOT NULL REFERENCES users(id),
			creator_name TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_robots_api_key_hash ON robots(api_key_hash)`,
		`CREATE INDEX IF NOT EXISTS idx_robots_creator_id ON robots(creator_id)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			robot_id TEXT NOT NULL REFERENCES robots(robot_id),
			title TEXT NOT NULL DEFAULT '',
			creator_id TEXT NOT NULL REFERENCES users(id),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_creator_id ON conversations(creator_id)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_robot_id ON conversations(robot_id)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// --- Users ---

func (s *PostgresStore) CreateUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, open_id, union_id, username, password_hash, nickname, role, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		user.ID, user.OpenID, user.UnionID, user.Username, user.PasswordHash,
		user.Nickname, user.Role, user.CreatedAt, user.CreatedAt)
	return err
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, open_id, union_id, username, password_hash, nickname, role, created_at, updated_at
		 FROM users WHERE id = $1`, id))
}

func (s *PostgresStore) GetUserByOpenID(ctx context.Context, openID string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, open_id, union_id, username, password_hash, nickname, role, created_at, updated_at
		 FROM users WHERE open_id = $1`, openID))
}

func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, open_id, union_id, username, password_hash, nickname, role, created_at, updated_at
		 FROM users WHERE username = $1`, username))
}

func (s *PostgresStore) scanUser(row *sql.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.OpenID, &u.UnionID, &u.Username, &u.PasswordHash,
		&u.Nickname, &u.Role, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// --- Agents ---

func (s *PostgresStore) CreateAgent(ctx context.Context, agent *Agent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO robots (robot_id, name, description, icon, api_key_hash, creator_id, creator_name, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		agent.ID, agent.Name, agent.Description, agent.Icon, agent.KeyHash,
		agent.OwnerID, agent.OwnerName, agent.CreatedAt, agent.CreatedAt)
	return err
}

func (s *PostgresStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	return s.scanAgent(s.db.QueryRowContext(ctx,
		`SELECT robot_id, name, description, icon, api_key_hash, creator_id, creator_name, created_at, updated_at
		 FROM robots WHERE robot_id = $1`, id))
}

func (s *PostgresStore) GetAgentIDByKeyHash(ctx context.Context, keyHash string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT robot_id FROM robots WHERE api_key_hash = $1`, keyHash).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *PostgresStore) ListAgentsByOwner(ctx context.Context, ownerID string, limit, offset int) ([]Agent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT robot_id, name, description, icon, api_key_hash, creator_id, creator_name, created_at, updated_at
		 FROM robots WHERE creator_id = $1 ORDER BY created_at LIMIT $2 OFFSET $3`,
		ownerID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var agents []Agent
	for rows.Next() {
		var a Agent
		if err := rows.Scan(&a.ID, &a.Name, &a.Description, &a.Icon, &a.KeyHash,
			&a.OwnerID, &a.OwnerName, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func (s *PostgresStore) UpdateAgent(ctx context.Context, agent *Agent) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE robots SET name = $1, description = $2, icon = $3, updated_at = NOW() WHERE robot_id = $4`,
		agent.Name, agent.Description, agent.Icon, agent.ID)
	return err
}

func (s *PostgresStore) DeleteAgent(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM robots WHERE robot_id = $1`, id)
	return err
}

func (s *PostgresStore) scanAgent(row *sql.Row) (*Agent, error) {
	var a Agent
	err := row.Scan(&a.ID, &a.Name, &a.Description, &a.Icon, &a.KeyHash,
		&a.OwnerID, &a.OwnerName, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// --- Conversations ---

func (s *PostgresStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, robot_id, title, creator_id, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		conv.ID, conv.AgentID, conv.Title, conv.OwnerID, conv.CreatedAt)
	return err
}

func (s *PostgresStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var c Conversation
	err := s.db.QueryRowContext(ctx,
		`SELECT id, robot_id, title, creator_id, created_at FROM conversations WHERE id = $1`, id).
		Scan(&c.ID, &c.AgentID, &c.Title, &c.OwnerID, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) ListConversations(ctx context.Context, ownerID, agentID string, limit, offset int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, robot_id, title, creator_id, created_at FROM conversations WHERE creator_id = $1`
	args := []any{ownerID}
	if agentID != "" {
		query += ` AND robot_id = $2 ORDER BY created_at DESC LIMIT $3 OFFSET $4`
		args = append(args, agentID, limit, offset)
	} else {
		query += ` ORDER BY created_at DESC LIMIT $2 OFFSET $3`
		args = append(args, limit, offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.AgentID, &c.Title, &c.OwnerID, &c.CreatedAt); err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

func (s *PostgresStore) UpdateConversationTitle(ctx context.Context, id, title string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE conversations SET title = $1 WHERE id = $2`, title, id)
	return err
}

func (s *PostgresStore) DeleteConversation(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = $1`, id)
	return err
}

// --- Health / lifecycle ---

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

package oauth

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresRegistry persists client registrations in Postgres so callers
// survive a server restart without re-registering. Sessions themselves
// stay in memory; only the registration namespace is durable.
type PostgresRegistry struct {
	db *sql.DB
}

// NewPostgresRegistry opens the registry against connString and ensures
// the schema exists.
func NewPostgresRegistry(connString string) (*PostgresRegistry, error) {
	db, err := sql.Open("postgres", connString)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	r := &PostgresRegistry{db: db}
	if err := r.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

// Close releases the database handle.
func (r *PostgresRegistry) Close() error { return r.db.Close() }

func (r *PostgresRegistry) RegisterClient(c *RegisteredClient) error {
	query := `
		INSERT INTO oauth_clients (client_id, redirect_uris, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (client_id)
		DO UPDATE SET redirect_uris = EXCLUDED.redirect_uris
	`
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	_, err := r.db.Exec(query, c.ClientID, pq.Array(c.RedirectURIs), c.CreatedAt)
	return err
}

func (r *PostgresRegistry) GetClient(clientID string) (*RegisteredClient, error) {
	query := `
		SELECT client_id, redirect_uris, created_at
		FROM oauth_clients
		WHERE client_id = $1
	`
	var c RegisteredClient
	var redirectURIs []string
	err := r.db.QueryRow(query, clientID).Scan(&c.ClientID, pq.Array(&redirectURIs), &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUnknownClient
	}
	if err != nil {
		return nil, err
	}
	c.RedirectURIs = redirectURIs
	return &c, nil
}

func (r *PostgresRegistry) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS oauth_clients (
		client_id VARCHAR(255) PRIMARY KEY,
		redirect_uris TEXT[] NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT NOW()
	);
	`
	_, err := r.db.Exec(query)
	return err
}

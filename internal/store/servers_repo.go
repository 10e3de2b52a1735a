package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"fleetrun/internal/core"
)

var (
	ErrServerNotFound = errors.New("server not found")
	// ErrServerInUse rejects deleting a server still referenced by task
	// targets or execution history. History always survives.
	ErrServerInUse = errors.New("server is referenced by tasks or jobs")
)

const serverColumns = `id, hostname, address, ssh_user, ssh_password, ssh_port, created_at, updated_at`

func (s *Store) InsertServer(ctx context.Context, server *core.Server) error {
	now := time.Now().UTC()
	server.CreatedAt = now
	server.UpdatedAt = now
	if server.SSHPort <= 0 {
		server.SSHPort = 22
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO servers (`+serverColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, server.ID, server.Hostname, server.Address, server.SSHUser, server.SSHPassword,
		server.SSHPort, formatTime(server.CreatedAt), formatTime(server.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert server: %w", err)
	}
	return nil
}

func (s *Store) UpdateServer(ctx context.Context, server *core.Server) error {
	server.UpdatedAt = time.Now().UTC()
	res, err := s.DB.ExecContext(ctx, `
		UPDATE servers
		SET hostname = ?, address = ?, ssh_user = ?, ssh_password = ?, ssh_port = ?, updated_at = ?
		WHERE id = ?
	`, server.Hostname, server.Address, server.SSHUser, server.SSHPassword, server.SSHPort,
		formatTime(server.UpdatedAt), server.ID)
	if err != nil {
		return fmt.Errorf("update server: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrServerNotFound
	}
	return nil
}

func (s *Store) DeleteServer(ctx context.Context, id string) error {
	var refs int
	err := s.DB.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(1) FROM task_targets WHERE server_id = ?)
		     + (SELECT COUNT(1) FROM jobs WHERE server_id = ?)
	`, id, id).Scan(&refs)
	if err != nil {
		return fmt.Errorf("count server references: %w", err)
	}
	if refs > 0 {
		return ErrServerInUse
	}
	res, err := s.DB.ExecContext(ctx, `DELETE FROM servers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete server: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrServerNotFound
	}
	return nil
}

func (s *Store) GetServer(ctx context.Context, id string) (*core.Server, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+serverColumns+` FROM servers WHERE id = ?`, id)
	server, err := scanServer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrServerNotFound
		}
		return nil, err
	}
	return server, nil
}

func (s *Store) ListServers(ctx context.Context) ([]*core.Server, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT ` + serverColumns + ` FROM servers ORDER BY address`)
	if err != nil {
		return nil, fmt.Errorf("query servers: %w", err)
	}
	defer rows.Close()
	return collectServers(rows)
}

// ListTargets implements the engine's read-only directory view: the task's
// target servers in stored order.
func (s *Store) ListTargets(ctx context.Context, taskID string) ([]*core.Server, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT sv.id, sv.hostname, sv.address, sv.ssh_user, sv.ssh_password, sv.ssh_port, sv.created_at, sv.updated_at
		FROM task_targets tt
		JOIN servers sv ON sv.id = tt.server_id
		WHERE tt.task_id = ?
		ORDER BY tt.position
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query task targets: %w", err)
	}
	defer rows.Close()
	return collectServers(rows)
}

// Resolve looks one server up by identifier.
func (s *Store) Resolve(ctx context.Context, serverID string) (*core.Server, error) {
	return s.GetServer(ctx, serverID)
}

func collectServers(rows *sql.Rows) ([]*core.Server, error) {
	var servers []*core.Server
	for rows.Next() {
		server, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		servers = append(servers, server)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return servers, nil
}

func scanServer(scanner interface {
	Scan(dest ...any) error
}) (*core.Server, error) {
	var (
		id        string
		hostname  string
		address   string
		sshUser   string
		sshPass   string
		sshPort   int
		createdAt string
		updatedAt string
	)
	if err := scanner.Scan(&id, &hostname, &address, &sshUser, &sshPass, &sshPort, &createdAt, &updatedAt); err != nil {
		return nil, fmt.Errorf("scan server: %w", err)
	}
	return &core.Server{
		ID:          id,
		Hostname:    hostname,
		Address:     address,
		SSHUser:     sshUser,
		SSHPassword: sshPass,
		SSHPort:     sshPort,
		CreatedAt:   mustParseTime(createdAt),
		UpdatedAt:   mustParseTime(updatedAt),
	}, nil
}

package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Project is a registered working directory and its version-control origin.
type Project struct {
	ID            int64
	UUID          string
	Name          string
	RepoDir       string
	OriginURL     string
	DefaultBranch string
	CreatedAt     int64
}

// CreateProject registers a project. Name must be unique.
func (s *Store) CreateProject(p *Project) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.UUID == "" {
		p.UUID = uuid.New().String()
	}
	if p.CreatedAt == 0 {
		p.CreatedAt = time.Now().UnixMilli()
	}
	if p.DefaultBranch == "" {
		p.DefaultBranch = "main"
	}

	res, err := s.db.Exec(`
		INSERT INTO projects (uuid, name, repo_dir, origin_url, default_branch, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.UUID, p.Name, p.RepoDir,
		sql.NullString{String: p.OriginURL, Valid: p.OriginURL != ""},
		p.DefaultBranch, p.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("failed to create project: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read project id: %w", err)
	}
	p.ID = id
	return id, nil
}

// GetProject retrieves a project by internal id.
func (s *Store) GetProject(id int64) (*Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p := &Project{}
	var originURL sql.NullString

	err := s.db.QueryRow(`
		SELECT id, uuid, name, repo_dir, origin_url, default_branch, created_at
		FROM projects WHERE id = ?`, id,
	).Scan(&p.ID, &p.UUID, &p.Name, &p.RepoDir, &originURL, &p.DefaultBranch, &p.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	p.OriginURL = originURL.String
	return p, nil
}

// ListProjects returns every registered project.
func (s *Store) ListProjects() ([]*Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT id, uuid, name, repo_dir, origin_url, default_branch, created_at FROM projects ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	var projects []*Project
	for rows.Next() {
		p := &Project{}
		var originURL sql.NullString
		if err := rows.Scan(&p.ID, &p.UUID, &p.Name, &p.RepoDir, &originURL, &p.DefaultBranch, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		p.OriginURL = originURL.String
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

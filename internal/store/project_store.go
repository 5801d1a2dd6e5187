package store

import (
	"database/sql"
	"fmt"
	"time"

	"git.home.luguber.info/inful/packflow/internal/model"
)

const projectCols = `id, name, review_forge_url, review_forge_branch,
	mirror_forge_url, mirror_forge_branch, mirror_clone_url,
	package_service_alias, clone_path, clone_state, clone_error,
	last_known_head, created_at, updated_at`

// CreateProject inserts a new tracked project in clone state pending.
func (s *Store) CreateProject(p *model.Project) error {
	if p.Name == "" {
		return fmt.Errorf("project name is required")
	}
	if p.CloneState == "" {
		p.CloneState = model.ClonePending
	}
	ts := now()
	return s.inTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`INSERT INTO projects
			(name, review_forge_url, review_forge_branch, mirror_forge_url,
			 mirror_forge_branch, mirror_clone_url, package_service_alias,
			 clone_path, clone_state, clone_error, last_known_head,
			 created_at, updated_at)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			p.Name, nullStr(p.ReviewForgeURL), nullStr(p.ReviewForgeBranch),
			nullStr(p.MirrorForgeURL), nullStr(p.MirrorForgeBranch),
			nullStr(p.MirrorCloneURL), nullStr(p.PackageServiceAlias),
			nullStr(p.ClonePath), string(p.CloneState), nullStr(p.CloneError),
			nullStr(p.LastKnownHead), ts, ts)
		if err != nil {
			return fmt.Errorf("insert project: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		p.ID = id
		p.CreatedAt = time.Unix(ts, 0).UTC()
		p.UpdatedAt = p.CreatedAt
		return nil
	})
}

// UpdateProject rewrites every mutable field of the project row.
func (s *Store) UpdateProject(p model.Project) error {
	return s.inTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE projects SET
			name=?, review_forge_url=?, review_forge_branch=?,
			mirror_forge_url=?, mirror_forge_branch=?, mirror_clone_url=?,
			package_service_alias=?, clone_path=?, clone_state=?,
			clone_error=?, last_known_head=?, updated_at=?
			WHERE id=?`,
			p.Name, nullStr(p.ReviewForgeURL), nullStr(p.ReviewForgeBranch),
			nullStr(p.MirrorForgeURL), nullStr(p.MirrorForgeBranch),
			nullStr(p.MirrorCloneURL), nullStr(p.PackageServiceAlias),
			nullStr(p.ClonePath), string(p.CloneState), nullStr(p.CloneError),
			nullStr(p.LastKnownHead), now(), p.ID)
		if err != nil {
			return fmt.Errorf("update project: %w", err)
		}
		return requireRow(res)
	})
}

// SetCloneState records a clone-lifecycle transition. path and errMsg may be
// empty depending on the state.
func (s *Store) SetCloneState(id int64, state model.CloneState, path, errMsg string) error {
	return s.inTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE projects SET clone_state=?, clone_path=COALESCE(NULLIF(?,''), clone_path), clone_error=?, updated_at=? WHERE id=?`,
			string(state), path, nullStr(errMsg), now(), id)
		if err != nil {
			return fmt.Errorf("set clone state: %w", err)
		}
		return requireRow(res)
	})
}

// SetLastKnownHead persists the most recently observed tip for a project.
func (s *Store) SetLastKnownHead(id int64, head string) error {
	return s.inTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE projects SET last_known_head=?, updated_at=? WHERE id=?`,
			nullStr(head), now(), id)
		if err != nil {
			return fmt.Errorf("set last known head: %w", err)
		}
		return requireRow(res)
	})
}

// Project returns one project by id.
func (s *Store) Project(id int64) (model.Project, error) {
	row := s.db.QueryRow(`SELECT `+projectCols+` FROM projects WHERE id=?`, id)
	return scanProject(row)
}

// ProjectByName returns one project by its unique name.
func (s *Store) ProjectByName(name string) (model.Project, error) {
	row := s.db.QueryRow(`SELECT `+projectCols+` FROM projects WHERE name=?`, name)
	return scanProject(row)
}

// Projects lists every tracked project, name order.
func (s *Store) Projects() ([]model.Project, error) {
	rows, err := s.db.Query(`SELECT ` + projectCols + ` FROM projects ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query projects: %w", err)
	}
	defer rows.Close()
	return scanProjects(rows)
}

// ReadyProjects lists projects whose clone is usable.
func (s *Store) ReadyProjects() ([]model.Project, error) {
	rows, err := s.db.Query(`SELECT `+projectCols+` FROM projects WHERE clone_state=? ORDER BY name`,
		string(model.CloneReady))
	if err != nil {
		return nil, fmt.Errorf("query ready projects: %w", err)
	}
	defer rows.Close()
	return scanProjects(rows)
}

// DeleteProject removes a project. Historical tasks keep the denormalized
// project name and remain readable.
func (s *Store) DeleteProject(id int64) error {
	return s.inTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`DELETE FROM projects WHERE id=?`, id)
		if err != nil {
			return fmt.Errorf("delete project: %w", err)
		}
		return requireRow(res)
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (model.Project, error) {
	var p model.Project
	var reviewURL, reviewBranch, mirrorURL, mirrorBranch, cloneURL sql.NullString
	var alias, clonePath, cloneErr, head sql.NullString
	var state string
	var created, updated int64

	err := row.Scan(&p.ID, &p.Name, &reviewURL, &reviewBranch, &mirrorURL,
		&mirrorBranch, &cloneURL, &alias, &clonePath, &state, &cloneErr,
		&head, &created, &updated)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, fmt.Errorf("scan project: %w", err)
	}
	p.ReviewForgeURL = strOf(reviewURL)
	p.ReviewForgeBranch = strOf(reviewBranch)
	p.MirrorForgeURL = strOf(mirrorURL)
	p.MirrorForgeBranch = strOf(mirrorBranch)
	p.MirrorCloneURL = strOf(cloneURL)
	p.PackageServiceAlias = strOf(alias)
	p.ClonePath = strOf(clonePath)
	p.CloneState = model.CloneState(state)
	p.CloneError = strOf(cloneErr)
	p.LastKnownHead = strOf(head)
	p.CreatedAt = time.Unix(created, 0).UTC()
	p.UpdatedAt = time.Unix(updated, 0).UTC()
	return p, nil
}

func scanProjects(rows *sql.Rows) ([]model.Project, error) {
	var out []model.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

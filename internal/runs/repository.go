package runs

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/labelport/labelport/internal/db"
)

type Repository interface {
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, limit int) ([]*Run, error)
	ListPendingRuns(ctx context.Context) ([]*Run, error)
	UpdateRunStatus(ctx context.Context, id, status, errorMsg string) error
	UpdateRunProgress(ctx context.Context, id string, progress int) error
	CompleteRun(ctx context.Context, id, outputPath string, exported, skipped int) error

	GetConfig(ctx context.Context, key string) (string, error)
	SetConfig(ctx context.Context, key, value string) error
}

type SQLiteRepository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const runColumns = `id, project_id, format, layout, single_file, with_assets, asset_ids, external_ids,
	status, progress, assets_exported, assets_skipped, output_path, error, created_at, updated_at`

func (r *SQLiteRepository) CreateRun(ctx context.Context, run *Run) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO export_runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.ProjectID, run.Format, run.Layout, boolToInt(run.SingleFile), boolToInt(run.WithAssets),
		jsonList(run.AssetIDs), jsonList(run.ExternalIDs),
		run.Status, run.Progress, run.AssetsExported, run.AssetsSkipped,
		nullString(run.OutputPath), nullString(run.Error),
		run.CreatedAt.UTC().Format(db.TimeLayout), run.UpdatedAt.UTC().Format(db.TimeLayout))
	return err
}

func (r *SQLiteRepository) GetRun(ctx context.Context, id string) (*Run, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+runColumns+` FROM export_runs WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs, err := scanRuns(rows)
	if err != nil || len(runs) == 0 {
		return nil, err
	}
	return runs[0], nil
}

func (r *SQLiteRepository) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+runColumns+`
		FROM export_runs ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRuns(rows)
}

func (r *SQLiteRepository) ListPendingRuns(ctx context.Context) ([]*Run, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+runColumns+`
		FROM export_runs WHERE status = 'pending' ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRuns(rows)
}

func scanRuns(rows *sql.Rows) ([]*Run, error) {
	var runs []*Run
	for rows.Next() {
		var run Run
		var singleFile, withAssets int
		var assetIDs, externalIDs, outputPath, errMsg sql.NullString
		var createdAt, updatedAt string

		if err := rows.Scan(&run.ID, &run.ProjectID, &run.Format, &run.Layout, &singleFile, &withAssets,
			&assetIDs, &externalIDs, &run.Status, &run.Progress, &run.AssetsExported, &run.AssetsSkipped,
			&outputPath, &errMsg, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		run.SingleFile = singleFile == 1
		run.WithAssets = withAssets == 1
		run.AssetIDs = parseList(assetIDs)
		run.ExternalIDs = parseList(externalIDs)
		run.OutputPath = outputPath.String
		run.Error = errMsg.String
		run.CreatedAt, _ = time.Parse(db.TimeLayout, createdAt)
		run.UpdatedAt, _ = time.Parse(db.TimeLayout, updatedAt)
		runs = append(runs, &run)
	}
	return runs, rows.Err()
}

func (r *SQLiteRepository) UpdateRunStatus(ctx context.Context, id, status, errorMsg string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE export_runs SET status = ?, error = ?, updated_at = ? WHERE id = ?
	`, status, nullString(errorMsg), now(), id)
	return err
}

func (r *SQLiteRepository) UpdateRunProgress(ctx context.Context, id string, progress int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE export_runs SET progress = ?, updated_at = ? WHERE id = ?
	`, progress, now(), id)
	return err
}

func (r *SQLiteRepository) CompleteRun(ctx context.Context, id, outputPath string, exported, skipped int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE export_runs
		SET status = 'completed', progress = 100, output_path = ?, assets_exported = ?, assets_skipped = ?,
			error = NULL, updated_at = ?
		WHERE id = ?
	`, outputPath, exported, skipped, now(), id)
	return err
}

func (r *SQLiteRepository) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx, "SELECT value FROM config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func (r *SQLiteRepository) SetConfig(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

func now() string {
	return time.Now().UTC().Format(db.TimeLayout)
}

func jsonList(values []string) sql.NullString {
	if len(values) == 0 {
		return sql.NullString{}
	}
	data, _ := json.Marshal(values)
	return sql.NullString{String: string(data), Valid: true}
}

func parseList(s sql.NullString) []string {
	if !s.Valid || s.String == "" {
		return nil
	}
	var values []string
	if err := json.Unmarshal([]byte(s.String), &values); err != nil {
		return nil
	}
	return values
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

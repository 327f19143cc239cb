// repository/repository.go
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/untibullet/qa-run-coordinator/internal/models"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrAlreadyExists        = errors.New("resource already exists")
	ErrInvalidInput         = errors.New("invalid input")
	ErrStatusColumnRequired = errors.New("mapping must keep at least one passed and one failed column")
)

type Repository struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const issueColumns = `id, project_id, issue_iid, title, description, status,
		ready_for_qa_at, cumulative_wait_time_ms, cumulative_time_ms, labels, created_at`

const runColumns = `id, issue_id, run_number, status, test_cases, issues_found,
		share_token, created_at, completed_at`

func scanIssue(row pgx.Row) (*models.Issue, error) {
	var issue models.Issue
	err := row.Scan(
		&issue.ID, &issue.ProjectID, &issue.IssueIID, &issue.Title, &issue.Description,
		&issue.Status, &issue.ReadyForQaAt, &issue.CumulativeWaitTimeMs,
		&issue.CumulativeTimeMs, &issue.Labels, &issue.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &issue, nil
}

func scanRun(row pgx.Row) (*models.Run, error) {
	var run models.Run
	err := row.Scan(
		&run.ID, &run.IssueID, &run.RunNumber, &run.Status, &run.TestCases,
		&run.IssuesFound, &run.ShareToken, &run.CreatedAt, &run.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// GetOrCreateIssue создает локальную копию задачи при первом обращении.
// При повторных вызовах обновляет заголовок и описание из трекера (идемпотентно)
func (r *Repository) GetOrCreateIssue(ctx context.Context, projectID, issueIID int64, title, description string) (*models.Issue, error) {
	query := `
        INSERT INTO issues (project_id, issue_iid, title, description, status)
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (project_id, issue_iid) DO UPDATE
        SET title = excluded.title, description = excluded.description, updated_at = NOW()
        RETURNING ` + issueColumns

	issue, err := scanIssue(r.pool.QueryRow(ctx, query, projectID, issueIID, title, description, models.StatusPending))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert issue: %w", err)
	}
	return issue, nil
}

// FindIssue ищет локальную копию задачи без обращения к трекеру
func (r *Repository) FindIssue(ctx context.Context, projectID, issueIID int64) (*models.Issue, error) {
	query := `SELECT ` + issueColumns + ` FROM issues WHERE project_id = $1 AND issue_iid = $2`

	issue, err := scanIssue(r.pool.QueryRow(ctx, query, projectID, issueIID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get issue: %w", err)
	}
	return issue, nil
}

// MarkReadyForQA запускает счетчик ожидания. Выставляет ready_for_qa_at только
// если он пуст: повторный вход в очередь без выхода не сбрасывает часы
func (r *Repository) MarkReadyForQA(ctx context.Context, issueID int64, at time.Time) error {
	query := `UPDATE issues SET ready_for_qa_at = $2, updated_at = NOW()
        WHERE id = $1 AND ready_for_qa_at IS NULL`
	_, err := r.pool.Exec(ctx, query, issueID, at)
	if err != nil {
		return fmt.Errorf("failed to mark ready for qa: %w", err)
	}
	return nil
}

// FoldWaitTime атомарно добавляет прошедшее время ожидания к накопленному
// счетчику и очищает ready_for_qa_at. Условие ready_for_qa_at IS NOT NULL
// делает операцию безопасным no-op при повторном вызове и исключает гонку
// чтение-изменение-запись
func (r *Repository) FoldWaitTime(ctx context.Context, issueID int64, now time.Time) error {
	query := `
        UPDATE issues
        SET cumulative_wait_time_ms = cumulative_wait_time_ms
                + GREATEST(0, (EXTRACT(EPOCH FROM ($2::timestamptz - ready_for_qa_at)) * 1000))::bigint,
            ready_for_qa_at = NULL,
            updated_at = NOW()
        WHERE id = $1 AND ready_for_qa_at IS NOT NULL`
	_, err := r.pool.Exec(ctx, query, issueID, now)
	if err != nil {
		return fmt.Errorf("failed to fold wait time: %w", err)
	}
	return nil
}

// AddRunTime добавляет длительность завершенного прогона к накопленному
// активному времени задачи. Счетчик только растет
func (r *Repository) AddRunTime(ctx context.Context, issueID int64, deltaMs int64) error {
	if deltaMs < 0 {
		deltaMs = 0
	}
	query := `UPDATE issues SET cumulative_time_ms = cumulative_time_ms + $2, updated_at = NOW() WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, issueID, deltaMs)
	if err != nil {
		return fmt.Errorf("failed to add run time: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetIssueStatus обновляет статус задачи
func (r *Repository) SetIssueStatus(ctx context.Context, issueID int64, status string) error {
	query := `UPDATE issues SET status = $2, updated_at = NOW() WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, issueID, status)
	if err != nil {
		return fmt.Errorf("failed to set issue status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateIssueLabels обновляет кэш удаленных лейблов и производный статус
// задачи (используется массовой синхронизацией)
func (r *Repository) UpdateIssueLabels(ctx context.Context, issueID int64, labels []string, status string) error {
	if labels == nil {
		labels = []string{}
	}
	query := `UPDATE issues SET labels = $2, status = $3, updated_at = NOW() WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, issueID, labels, status)
	if err != nil {
		return fmt.Errorf("failed to update issue labels: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AbandonPendingRuns помечает все незавершенные прогоны задачи как FAILED,
// добавляет их суммарную длительность к активному времени и возвращает
// статус задачи в PENDING. Выполняется в одной транзакции
func (r *Repository) AbandonPendingRuns(ctx context.Context, issueID int64, now time.Time) (int64, int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
        UPDATE runs SET status = $2, completed_at = $3
        WHERE issue_id = $1 AND status = $4
        RETURNING created_at`,
		issueID, models.StatusFailed, now, models.StatusPending)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to abandon pending runs: %w", err)
	}

	var totalMs int64
	var abandoned int
	for rows.Next() {
		var createdAt time.Time
		if err := rows.Scan(&createdAt); err != nil {
			rows.Close()
			return 0, 0, fmt.Errorf("failed to scan abandoned run: %w", err)
		}
		if elapsed := now.Sub(createdAt).Milliseconds(); elapsed > 0 {
			totalMs += elapsed
		}
		abandoned++
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, 0, fmt.Errorf("failed to iterate abandoned runs: %w", err)
	}

	_, err = tx.Exec(ctx, `
        UPDATE issues
        SET cumulative_time_ms = cumulative_time_ms + $2, status = $3, updated_at = NOW()
        WHERE id = $1`,
		issueID, totalMs, models.StatusPending)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to accumulate abandoned time: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return 0, 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return totalMs, abandoned, nil
}

// ListRuns возвращает прогоны задачи, упорядоченные по номеру по убыванию
func (r *Repository) ListRuns(ctx context.Context, issueID int64) ([]models.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE issue_id = $1 ORDER BY run_number DESC`
	rows, err := r.pool.Query(ctx, query, issueID)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// CreateRun создает новый прогон. Уникальный индекс (issue_id, run_number)
// защищает от гонки параллельного создания: при конфликте возвращается
// ErrAlreadyExists, и вызывающая сторона пересчитывает номер
func (r *Repository) CreateRun(ctx context.Context, run *models.Run) error {
	query := `
        INSERT INTO runs (issue_id, run_number, status, test_cases, issues_found, share_token, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        RETURNING id`
	err := r.pool.QueryRow(ctx, query,
		run.IssueID, run.RunNumber, run.Status, run.TestCases, run.IssuesFound,
		run.ShareToken, run.CreatedAt,
	).Scan(&run.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// UpdateRunContent частично обновляет контент прогона: перезаписываются
// только явно переданные поля, остальные сохраняются
func (r *Repository) UpdateRunContent(ctx context.Context, runID int64, patch models.RunContentPatch) (*models.Run, error) {
	query := `
        UPDATE runs
        SET test_cases = COALESCE($2, test_cases),
            issues_found = COALESCE($3, issues_found)
        WHERE id = $1
        RETURNING ` + runColumns

	run, err := scanRun(r.pool.QueryRow(ctx, query, runID, patch.TestCases, patch.IssuesFound))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update run content: %w", err)
	}
	return run, nil
}

// CompleteRun условно переводит прогон в завершенный статус. Предикат
// status = PENDING защищает от двойной отправки: проигравший гонку вызов
// получает false и трактуется как уже обработанный no-op
func (r *Repository) CompleteRun(ctx context.Context, runID int64, status string, at time.Time) (bool, error) {
	query := `UPDATE runs SET status = $2, completed_at = $3 WHERE id = $1 AND status = $4`
	tag, err := r.pool.Exec(ctx, query, runID, status, at, models.StatusPending)
	if err != nil {
		return false, fmt.Errorf("failed to complete run: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetRunWithIssue загружает прогон вместе с его задачей
func (r *Repository) GetRunWithIssue(ctx context.Context, runID int64) (*models.Run, *models.Issue, error) {
	query := `
        SELECT r.id, r.issue_id, r.run_number, r.status, r.test_cases, r.issues_found,
               r.share_token, r.created_at, r.completed_at,
               i.id, i.project_id, i.issue_iid, i.title, i.description, i.status,
               i.ready_for_qa_at, i.cumulative_wait_time_ms, i.cumulative_time_ms, i.labels, i.created_at
        FROM runs r
        JOIN issues i ON i.id = r.issue_id
        WHERE r.id = $1`

	var run models.Run
	var issue models.Issue
	err := r.pool.QueryRow(ctx, query, runID).Scan(
		&run.ID, &run.IssueID, &run.RunNumber, &run.Status, &run.TestCases, &run.IssuesFound,
		&run.ShareToken, &run.CreatedAt, &run.CompletedAt,
		&issue.ID, &issue.ProjectID, &issue.IssueIID, &issue.Title, &issue.Description, &issue.Status,
		&issue.ReadyForQaAt, &issue.CumulativeWaitTimeMs, &issue.CumulativeTimeMs, &issue.Labels, &issue.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get run with issue: %w", err)
	}
	return &run, &issue, nil
}

// GetRunByShareToken загружает прогон по токену для публичной read-only ссылки
func (r *Repository) GetRunByShareToken(ctx context.Context, token string) (*models.Run, *models.Issue, error) {
	query := `SELECT r.id FROM runs r WHERE r.share_token = $1`
	var runID int64
	err := r.pool.QueryRow(ctx, query, token).Scan(&runID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to resolve share token: %w", err)
	}
	return r.GetRunWithIssue(ctx, runID)
}

// GetColumnMapping возвращает маппинг колонок проекта в настроенном порядке.
// Пустой результат означает, что проект использует маппинг по умолчанию
func (r *Repository) GetColumnMapping(ctx context.Context, projectID int64) ([]models.Column, error) {
	query := `SELECT remote_label, column_type FROM column_mappings WHERE project_id = $1 ORDER BY position`
	rows, err := r.pool.Query(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to get column mapping: %w", err)
	}
	defer rows.Close()

	var columns []models.Column
	for rows.Next() {
		var c models.Column
		if err := rows.Scan(&c.RemoteLabel, &c.ColumnType); err != nil {
			return nil, fmt.Errorf("failed to scan column: %w", err)
		}
		columns = append(columns, c)
	}
	return columns, rows.Err()
}

// ReplaceColumnMapping заменяет маппинг колонок проекта целиком.
// Новый маппинг обязан содержать минимум по одной колонке passed и failed,
// иначе изменение отклоняется до каких-либо мутаций
func (r *Repository) ReplaceColumnMapping(ctx context.Context, projectID int64, columns []models.Column) error {
	if len(columns) == 0 {
		return ErrInvalidInput
	}
	for _, c := range columns {
		if c.RemoteLabel == "" || !models.ValidColumnType(c.ColumnType) {
			return ErrInvalidInput
		}
	}
	if !models.HasStatusColumns(columns) {
		return ErrStatusColumnRequired
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `DELETE FROM column_mappings WHERE project_id = $1`, projectID)
	if err != nil {
		return fmt.Errorf("failed to clear old mapping: %w", err)
	}

	for i, c := range columns {
		_, err = tx.Exec(ctx,
			`INSERT INTO column_mappings (project_id, position, remote_label, column_type) VALUES ($1, $2, $3, $4)`,
			projectID, i, c.RemoteLabel, c.ColumnType)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return ErrAlreadyExists
			}
			return fmt.Errorf("failed to insert column: %w", err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// DeleteColumn удаляет колонку маппинга. Удаление последней колонки типа
// passed или failed нарушило бы инвариант маппинга и отклоняется
func (r *Repository) DeleteColumn(ctx context.Context, projectID int64, remoteLabel string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx,
		`SELECT remote_label, column_type FROM column_mappings WHERE project_id = $1 ORDER BY position`,
		projectID)
	if err != nil {
		return fmt.Errorf("failed to load column mapping: %w", err)
	}
	var columns []models.Column
	for rows.Next() {
		var c models.Column
		if err := rows.Scan(&c.RemoteLabel, &c.ColumnType); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan column: %w", err)
		}
		columns = append(columns, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate columns: %w", err)
	}

	if models.FindColumn(columns, remoteLabel) == nil {
		return ErrNotFound
	}
	if models.IsLastStatusColumn(columns, remoteLabel) {
		return ErrStatusColumnRequired
	}

	_, err = tx.Exec(ctx,
		`DELETE FROM column_mappings WHERE project_id = $1 AND remote_label = $2`,
		projectID, remoteLabel)
	if err != nil {
		return fmt.Errorf("failed to delete column: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// UpsertProject создает локальную запись проекта при первом обращении
func (r *Repository) UpsertProject(ctx context.Context, projectID int64, path string) error {
	query := `
        INSERT INTO projects (id, path) VALUES ($1, $2)
        ON CONFLICT (id) DO UPDATE
        SET path = CASE WHEN excluded.path != '' THEN excluded.path ELSE projects.path END,
            updated_at = NOW()`
	_, err := r.pool.Exec(ctx, query, projectID, path)
	if err != nil {
		return fmt.Errorf("failed to upsert project: %w", err)
	}
	return nil
}

// ListProjectIDs возвращает все локально известные проекты
func (r *Repository) ListProjectIDs(ctx context.Context) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM projects ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan project id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListIssuesByProject возвращает все локальные задачи проекта
func (r *Repository) ListIssuesByProject(ctx context.Context, projectID int64) ([]models.Issue, error) {
	query := `SELECT ` + issueColumns + ` FROM issues WHERE project_id = $1 ORDER BY issue_iid`
	rows, err := r.pool.Query(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list issues: %w", err)
	}
	defer rows.Close()

	var issues []models.Issue
	for rows.Next() {
		issue, err := scanIssue(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan issue: %w", err)
		}
		issues = append(issues, *issue)
	}
	return issues, rows.Err()
}

// UpsertUser создает локальную запись пользователя по внешнему ID.
// Пустое имя не затирает уже известное
func (r *Repository) UpsertUser(ctx context.Context, remoteID int64, username string) (*models.User, error) {
	query := `
        INSERT INTO users (remote_id, username) VALUES ($1, $2)
        ON CONFLICT (remote_id) DO UPDATE
        SET username = CASE WHEN excluded.username != '' THEN excluded.username ELSE users.username END,
            updated_at = NOW()
        RETURNING id, remote_id, username`

	var user models.User
	err := r.pool.QueryRow(ctx, query, remoteID, username).Scan(&user.ID, &user.RemoteID, &user.Username)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert user: %w", err)
	}
	return &user, nil
}

// ResolveLocalUser ищет локального пользователя по внешнему ID через таблицу
// связок идентичностей. Отсутствие связки не является ошибкой
func (r *Repository) ResolveLocalUser(ctx context.Context, remoteUserID int64) (int64, bool, error) {
	var userID int64
	err := r.pool.QueryRow(ctx,
		`SELECT user_id FROM identity_links WHERE remote_user_id = $1`, remoteUserID).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to resolve local user: %w", err)
	}
	return userID, true, nil
}

// Notify сохраняет уведомление для локального пользователя.
// Со стороны движка вызов трактуется как fire-and-forget
func (r *Repository) Notify(ctx context.Context, n models.Notification) error {
	query := `
        INSERT INTO notifications (user_id, type, title, message, resource_type, resource_id, action_url)
        VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := r.pool.Exec(ctx, query,
		n.UserID, n.Type, n.Title, n.Message, n.ResourceType, n.ResourceID, n.ActionURL)
	if err != nil {
		return fmt.Errorf("failed to insert notification: %w", err)
	}
	return nil
}

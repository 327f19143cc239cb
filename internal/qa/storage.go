// qa/storage.go
package qa

import (
	"context"
	"time"

	"github.com/untibullet/qa-run-coordinator/internal/models"
	"github.com/untibullet/qa-run-coordinator/internal/tracker"
)

// Storage — контракт локального хранилища, который реализует repository.
// Движок опирается на обратную связь "затронуты ли строки" условных
// обновлений и на уникальные ограничения (project_id, issue_iid)
// и (issue_id, run_number)
type Storage interface {
	GetOrCreateIssue(ctx context.Context, projectID, issueIID int64, title, description string) (*models.Issue, error)
	FindIssue(ctx context.Context, projectID, issueIID int64) (*models.Issue, error)
	MarkReadyForQA(ctx context.Context, issueID int64, at time.Time) error
	FoldWaitTime(ctx context.Context, issueID int64, now time.Time) error
	AddRunTime(ctx context.Context, issueID int64, deltaMs int64) error
	SetIssueStatus(ctx context.Context, issueID int64, status string) error
	UpdateIssueLabels(ctx context.Context, issueID int64, labels []string, status string) error
	AbandonPendingRuns(ctx context.Context, issueID int64, now time.Time) (int64, int, error)

	ListRuns(ctx context.Context, issueID int64) ([]models.Run, error)
	CreateRun(ctx context.Context, run *models.Run) error
	UpdateRunContent(ctx context.Context, runID int64, patch models.RunContentPatch) (*models.Run, error)
	CompleteRun(ctx context.Context, runID int64, status string, at time.Time) (bool, error)
	GetRunWithIssue(ctx context.Context, runID int64) (*models.Run, *models.Issue, error)

	GetColumnMapping(ctx context.Context, projectID int64) ([]models.Column, error)

	UpsertProject(ctx context.Context, projectID int64, path string) error
	ListProjectIDs(ctx context.Context) ([]int64, error)
	ListIssuesByProject(ctx context.Context, projectID int64) ([]models.Issue, error)

	UpsertUser(ctx context.Context, remoteID int64, username string) (*models.User, error)
	ResolveLocalUser(ctx context.Context, remoteUserID int64) (int64, bool, error)
}

// Tracker — контракт удаленного трекера задач
type Tracker interface {
	GetIssue(ctx context.Context, projectID, issueIID int64) (*tracker.Issue, error)
	UpdateLabels(ctx context.Context, projectID, issueIID int64, add, remove []string) error
	CreateComment(ctx context.Context, projectID, issueIID int64, body string) error
	ListMembers(ctx context.Context, projectID int64) ([]tracker.Member, error)
}

// NotificationSink — приемник уведомлений, fire-and-forget со стороны движка
type NotificationSink interface {
	Notify(ctx context.Context, n models.Notification) error
}

// Config — явная конфигурация движка. Режим песочницы передается значением,
// а не читается из окружения, чтобы оба режима были детерминированно
// тестируемы в одном процессе
type Config struct {
	SandboxMode   bool
	PublicBaseURL string
	SyncBatchSize int
}

// effectiveMapping возвращает маппинг колонок проекта либо маппинг
// по умолчанию, если проект не настроен
func effectiveMapping(ctx context.Context, store Storage, projectID int64) ([]models.Column, error) {
	columns, err := store.GetColumnMapping(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if len(columns) == 0 {
		return models.DefaultColumnMapping(), nil
	}
	return columns, nil
}

func firstPending(runs []models.Run) *models.Run {
	for i := range runs {
		if runs[i].Status == models.StatusPending {
			return &runs[i]
		}
	}
	return nil
}

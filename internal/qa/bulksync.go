// qa/bulksync.go
package qa

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/untibullet/qa-run-coordinator/internal/models"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultSyncBatchSize = 20

// LabelCacheSyncer обновляет денормализованный кэш удаленных лейблов и
// производный статус локальных задач. Задачи обрабатываются пачками
// фиксированного размера, пачки идут последовательно — это ограничивает
// нагрузку на API трекера
type LabelCacheSyncer struct {
	store     Storage
	tracker   Tracker
	logger    *zap.Logger
	batchSize int
}

func NewLabelCacheSyncer(store Storage, tracker Tracker, logger *zap.Logger, batchSize int) *LabelCacheSyncer {
	if batchSize <= 0 {
		batchSize = defaultSyncBatchSize
	}
	return &LabelCacheSyncer{
		store:     store,
		tracker:   tracker,
		logger:    logger,
		batchSize: batchSize,
	}
}

// SyncReport — итог массовой синхронизации
type SyncReport struct {
	Projects int   `json:"projects"`
	Issues   int   `json:"issues"`
	Failed   int64 `json:"failed"`
	Elapsed  int64 `json:"elapsed_ms"`
}

// SyncAll обходит все локально известные проекты. Сбой по отдельной задаче
// логируется и учитывается в отчете, но не прерывает обход
func (s *LabelCacheSyncer) SyncAll(ctx context.Context) (SyncReport, error) {
	started := time.Now()

	projectIDs, err := s.store.ListProjectIDs(ctx)
	if err != nil {
		return SyncReport{}, err
	}

	var report SyncReport
	var failed atomic.Int64
	for _, projectID := range projectIDs {
		issues, err := s.store.ListIssuesByProject(ctx, projectID)
		if err != nil {
			return report, err
		}
		columns, err := effectiveMapping(ctx, s.store, projectID)
		if err != nil {
			return report, err
		}
		statusLabels := models.StatusLabelsFrom(columns)

		for start := 0; start < len(issues); start += s.batchSize {
			end := start + s.batchSize
			if end > len(issues) {
				end = len(issues)
			}
			batch := issues[start:end]

			g, gctx := errgroup.WithContext(ctx)
			for i := range batch {
				issue := batch[i]
				g.Go(func() error {
					if err := s.syncIssue(gctx, statusLabels, issue); err != nil {
						failed.Add(1)
						s.logger.Warn("sync: задача не синхронизирована",
							zap.Int64("project_id", issue.ProjectID),
							zap.Int64("issue_iid", issue.IssueIID),
							zap.Error(err))
					}
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return report, err
			}
			if err := ctx.Err(); err != nil {
				return report, err
			}
		}

		report.Projects++
		report.Issues += len(issues)
	}

	report.Failed = failed.Load()
	report.Elapsed = time.Since(started).Milliseconds()
	s.logger.Info("sync: массовая синхронизация завершена",
		zap.Int("projects", report.Projects),
		zap.Int("issues", report.Issues),
		zap.Int64("failed", report.Failed))
	return report, nil
}

func (s *LabelCacheSyncer) syncIssue(ctx context.Context, statusLabels models.StatusLabels, issue models.Issue) error {
	remote, err := s.tracker.GetIssue(ctx, issue.ProjectID, issue.IssueIID)
	if err != nil {
		return err
	}
	status := deriveStatus(statusLabels, remote.Labels)
	return s.store.UpdateIssueLabels(ctx, issue.ID, remote.Labels, status)
}

// deriveStatus выводит статус задачи из кэша удаленных лейблов
func deriveStatus(statusLabels models.StatusLabels, labels []string) string {
	for _, label := range labels {
		if label == statusLabels.Passed {
			return models.StatusPassed
		}
	}
	for _, label := range labels {
		if label == statusLabels.Failed {
			return models.StatusFailed
		}
	}
	return models.StatusPending
}

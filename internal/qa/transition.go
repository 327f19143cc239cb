// qa/transition.go
package qa

import (
	"context"
	"errors"
	"time"

	"github.com/untibullet/qa-run-coordinator/internal/models"
	"github.com/untibullet/qa-run-coordinator/internal/repository"
	"go.uber.org/zap"
)

// ColumnTransitionResolver — точка входа перемещения задачи по доске.
// Классифицирует исходную и целевую колонки по настроенному маппингу
// и диспетчеризует побочные эффекты по типу целевой колонки
type ColumnTransitionResolver struct {
	store  Storage
	runs   *RunLifecycleManager
	time   *TimeAccountant
	labels *LabelSynchronizer
	logger *zap.Logger
	now    func() time.Time
}

func NewColumnTransitionResolver(
	store Storage,
	runs *RunLifecycleManager,
	timeAccountant *TimeAccountant,
	labels *LabelSynchronizer,
	logger *zap.Logger,
) *ColumnTransitionResolver {
	return &ColumnTransitionResolver{
		store:  store,
		runs:   runs,
		time:   timeAccountant,
		labels: labels,
		logger: logger,
		now:    time.Now,
	}
}

// HandleBoardMove обрабатывает перемещение (project, issue, newLabel, oldLabel).
// Любая внутренняя ошибка прерывает перемещение целиком — частичное
// обновление лейблов не выполняется, а наружу уходит структурированный
// результат с санитизированным сообщением
func (r *ColumnTransitionResolver) HandleBoardMove(ctx context.Context, actorRemoteID, projectID, issueIID int64, newLabel, oldLabel string) MoveResult {
	refresh, err := r.applyMove(ctx, actorRemoteID, projectID, issueIID, newLabel, oldLabel)
	if err != nil {
		code, msg := classifyError(err)
		r.logger.Error("board move: перемещение не выполнено",
			zap.Int64("project_id", projectID),
			zap.Int64("issue_iid", issueIID),
			zap.String("new_label", newLabel),
			zap.String("old_label", oldLabel),
			zap.Error(err))
		return MoveResult{Success: false, ErrorCode: code, Error: msg}
	}
	return MoveResult{Success: true, Refresh: refresh}
}

func (r *ColumnTransitionResolver) applyMove(ctx context.Context, actorRemoteID, projectID, issueIID int64, newLabel, oldLabel string) ([]string, error) {
	if newLabel == "" && oldLabel == "" {
		return nil, nil
	}

	columns, err := effectiveMapping(ctx, r.store, projectID)
	if err != nil {
		return nil, err
	}
	target := models.FindColumn(columns, newLabel)
	source := models.FindColumn(columns, oldLabel)
	now := r.now().UTC()
	refresh := []string{"board"}

	switch {
	case target == nil:
		// Перемещение вне доски. Возврат в бэклог прерывает все активные
		// прогоны: они помечаются проваленными, их длительность
		// накапливается, статус задачи возвращается в PENDING
		if newLabel != "" || oldLabel == "" || source == nil {
			break
		}
		issue, err := r.store.FindIssue(ctx, projectID, issueIID)
		if errors.Is(err, repository.ErrNotFound) {
			break
		}
		if err != nil {
			return nil, err
		}
		if _, abandoned, err := r.store.AbandonPendingRuns(ctx, issue.ID, now); err != nil {
			return nil, err
		} else if abandoned > 0 {
			refresh = append(refresh, "issues")
		}
		if err := r.time.FoldWaitTime(ctx, issue.ID, now); err != nil {
			return nil, err
		}

	case target.ColumnType == models.ColumnTypeQueue:
		issue, err := r.runs.EnsureIssue(ctx, actorRemoteID, projectID, issueIID)
		if err != nil {
			return nil, err
		}
		if err := r.time.MarkReadyForQA(ctx, issue.ID, now); err != nil {
			return nil, err
		}

	case target.ColumnType == models.ColumnTypeActive:
		issue, err := r.runs.EnsureIssue(ctx, actorRemoteID, projectID, issueIID)
		if err != nil {
			return nil, err
		}
		if err := r.time.FoldWaitTime(ctx, issue.ID, now); err != nil {
			return nil, err
		}
		// Каждый вход в active начинает новый прогон тестирования,
		// даже если предыдущий еще не завершен
		if _, err := r.runs.GetOrCreateRunForIssue(ctx, issue, models.RunContentPatch{}, true); err != nil {
			return nil, err
		}
		refresh = append(refresh, "issues")

	case target.ColumnType == models.ColumnTypePassed || target.ColumnType == models.ColumnTypeFailed:
		issue, err := r.runs.EnsureIssue(ctx, actorRemoteID, projectID, issueIID)
		if err != nil {
			return nil, err
		}
		if err := r.time.FoldWaitTime(ctx, issue.ID, now); err != nil {
			return nil, err
		}
		result := models.StatusFailed
		if target.ColumnType == models.ColumnTypePassed {
			result = models.StatusPassed
		}
		run, err := r.resolveRunForSubmission(ctx, issue)
		if err != nil {
			return nil, err
		}
		if run != nil {
			_, submitted, err := r.runs.submitResolved(ctx, actorRemoteID, issue, run, result)
			if err != nil {
				return nil, err
			}
			if submitted {
				refresh = append(refresh, "issues")
			}
		}

	case target.ColumnType == models.ColumnTypeStandard:
		// Побочные эффекты только при выходе из очереди минуя тестирование
		if source == nil || source.ColumnType != models.ColumnTypeQueue {
			break
		}
		issue, err := r.store.FindIssue(ctx, projectID, issueIID)
		if errors.Is(err, repository.ErrNotFound) {
			break
		}
		if err != nil {
			return nil, err
		}
		if err := r.time.FoldWaitTime(ctx, issue.ID, now); err != nil {
			return nil, err
		}
	}

	diff := models.LabelDiff{}
	if newLabel != "" {
		diff.Add = []string{newLabel}
	}
	if oldLabel != "" {
		diff.Remove = []string{oldLabel}
	}
	if diff.Empty() {
		return refresh, nil
	}
	if err := r.labels.ApplyDiff(ctx, projectID, issueIID, diff); err != nil {
		return nil, err
	}
	return refresh, nil
}

// resolveRunForSubmission подбирает прогон для отправки в терминальной
// колонке: активный прогон, если он есть; первый прогон, если прогонов
// у задачи еще не было; nil, если прогоны есть, но все завершены —
// повторное перетаскивание в терминальную колонку не создает новый
// прогон и не ошибается
func (r *ColumnTransitionResolver) resolveRunForSubmission(ctx context.Context, issue *models.Issue) (*models.Run, error) {
	runs, err := r.store.ListRuns(ctx, issue.ID)
	if err != nil {
		return nil, err
	}
	if pending := firstPending(runs); pending != nil {
		return pending, nil
	}
	if len(runs) > 0 {
		return nil, nil
	}
	return r.runs.GetOrCreateRunForIssue(ctx, issue, models.RunContentPatch{}, false)
}

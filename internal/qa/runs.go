// qa/runs.go
package qa

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/untibullet/qa-run-coordinator/internal/models"
	"github.com/untibullet/qa-run-coordinator/internal/repository"
	"go.uber.org/zap"
)

// RunLifecycleManager владеет созданием прогонов, обновлением их контента
// и отправкой результата pass/fail
type RunLifecycleManager struct {
	store    Storage
	tracker  Tracker
	labels   *LabelSynchronizer
	mentions *MentionNotifier
	sink     NotificationSink
	logger   *zap.Logger
	cfg      Config
	now      func() time.Time
}

func NewRunLifecycleManager(
	store Storage,
	tracker Tracker,
	labels *LabelSynchronizer,
	mentions *MentionNotifier,
	sink NotificationSink,
	logger *zap.Logger,
	cfg Config,
) *RunLifecycleManager {
	return &RunLifecycleManager{
		store:    store,
		tracker:  tracker,
		labels:   labels,
		mentions: mentions,
		sink:     sink,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
	}
}

// EnsureIssue загружает каноническую задачу из трекера и лениво создает
// локальные shadow-записи проекта, действующего пользователя и самой задачи.
// Заголовок и описание обновляются из трекера при каждом вызове
func (m *RunLifecycleManager) EnsureIssue(ctx context.Context, actorRemoteID, projectID, issueIID int64) (*models.Issue, error) {
	remote, err := m.tracker.GetIssue(ctx, projectID, issueIID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch remote issue: %w", err)
	}

	if err := m.store.UpsertProject(ctx, projectID, projectPathFromURL(remote.WebURL)); err != nil {
		return nil, err
	}
	if actorRemoteID != 0 {
		if _, err := m.store.UpsertUser(ctx, actorRemoteID, ""); err != nil {
			return nil, err
		}
	}

	return m.store.GetOrCreateIssue(ctx, projectID, issueIID, remote.Title, remote.Description)
}

// GetOrCreateRunForIssue возвращает активный прогон задачи или создает новый.
// При гонке параллельного создания уникальный индекс (issue_id, run_number)
// отдает конфликт, номер пересчитывается и вставка повторяется один раз
func (m *RunLifecycleManager) GetOrCreateRunForIssue(ctx context.Context, issue *models.Issue, patch models.RunContentPatch, forceNewRun bool) (*models.Run, error) {
	runs, err := m.store.ListRuns(ctx, issue.ID)
	if err != nil {
		return nil, err
	}

	if active := firstPending(runs); active != nil && !forceNewRun {
		if patch.Empty() {
			return active, nil
		}
		return m.store.UpdateRunContent(ctx, active.ID, patch)
	}

	run := &models.Run{
		IssueID:     issue.ID,
		RunNumber:   nextRunNumber(runs),
		Status:      models.StatusPending,
		TestCases:   patch.TestCases,
		IssuesFound: patch.IssuesFound,
		ShareToken:  uuid.NewString(),
		CreatedAt:   m.now().UTC(),
	}

	err = m.store.CreateRun(ctx, run)
	if errors.Is(err, repository.ErrAlreadyExists) {
		// Проиграли гонку создания: перечитываем и повторяем один раз
		runs, err = m.store.ListRuns(ctx, issue.ID)
		if err != nil {
			return nil, err
		}
		if active := firstPending(runs); active != nil && !forceNewRun {
			if patch.Empty() {
				return active, nil
			}
			return m.store.UpdateRunContent(ctx, active.ID, patch)
		}
		run.RunNumber = nextRunNumber(runs)
		err = m.store.CreateRun(ctx, run)
	}
	if err != nil {
		return nil, err
	}

	m.logger.Info("run: создан новый прогон",
		zap.Int64("issue_id", issue.ID),
		zap.Int("run_number", run.RunNumber),
		zap.Bool("forced", forceNewRun))
	return run, nil
}

// GetOrCreateRun — публичная операция поиска-или-создания прогона
func (m *RunLifecycleManager) GetOrCreateRun(ctx context.Context, actorRemoteID, projectID, issueIID int64, patch models.RunContentPatch, forceNewRun bool) (*models.Run, *models.Issue, error) {
	issue, err := m.EnsureIssue(ctx, actorRemoteID, projectID, issueIID)
	if err != nil {
		return nil, nil, err
	}
	run, err := m.GetOrCreateRunForIssue(ctx, issue, patch, forceNewRun)
	if err != nil {
		return nil, nil, err
	}
	return run, issue, nil
}

// SubmitRun — публичная операция отправки результата прогона
func (m *RunLifecycleManager) SubmitRun(ctx context.Context, actorRemoteID, projectID, runID int64, result string) SubmitResult {
	if result != models.StatusPassed && result != models.StatusFailed {
		return SubmitResult{Success: false, ErrorCode: CodeValidation, Error: "result must be PASSED or FAILED"}
	}

	run, issue, err := m.store.GetRunWithIssue(ctx, runID)
	if err != nil {
		code, msg := classifyError(err)
		return SubmitResult{Success: false, ErrorCode: code, Error: msg}
	}
	// Проверка изоляции: прогон обязан принадлежать указанному проекту
	if issue.ProjectID != projectID {
		return SubmitResult{Success: false, ErrorCode: CodeNotFound, Error: "issue or run not found"}
	}

	shareURL, submitted, err := m.submitResolved(ctx, actorRemoteID, issue, run, result)
	if err != nil {
		code, msg := classifyError(err)
		m.logger.Error("run: отправка не выполнена",
			zap.Int64("run_id", runID), zap.String("result", result), zap.Error(err))
		return SubmitResult{Success: false, ErrorCode: code, Error: msg}
	}

	res := SubmitResult{Success: true, ShareURL: shareURL}
	if submitted {
		res.Refresh = []string{"board", "issues"}
	}
	return res
}

// submitResolved — общий путь отправки для API и перемещений по доске.
// Возвращает submitted=false без ошибки, когда прогон уже завершен:
// повторная отправка трактуется как успешный no-op.
// В обычном режиме локальное состояние продвигается только после успеха
// удаленных вызовов, чтобы не расходиться с трекером молча; в песочнице
// сбой трекера логируется и проглатывается
func (m *RunLifecycleManager) submitResolved(ctx context.Context, actorRemoteID int64, issue *models.Issue, run *models.Run, result string) (string, bool, error) {
	if run.Status != models.StatusPending {
		return "", false, nil
	}
	now := m.now().UTC()

	columns, err := effectiveMapping(ctx, m.store, issue.ProjectID)
	if err != nil {
		return "", false, err
	}
	statusLabels := models.StatusLabelsFrom(columns)

	shareURL := joinURL(m.cfg.PublicBaseURL, "/runs/shared/"+run.ShareToken)
	report := composeReport(issue, run, result, shareURL)

	remoteErr := func() error {
		if err := m.tracker.CreateComment(ctx, issue.ProjectID, issue.IssueIID, report); err != nil {
			return fmt.Errorf("failed to post report comment: %w", err)
		}
		return m.labels.ApplyDiff(ctx, issue.ProjectID, issue.IssueIID, submitLabelDiff(statusLabels, result))
	}()
	if remoteErr != nil {
		if !m.cfg.SandboxMode {
			return "", false, remoteErr
		}
		m.logger.Warn("run: сбой трекера в песочнице, локальное состояние продвигается",
			zap.Int64("run_id", run.ID), zap.Error(remoteErr))
	}

	submitted, err := m.store.CompleteRun(ctx, run.ID, result, now)
	if err != nil {
		return "", false, err
	}
	if !submitted {
		// Параллельная отправка успела раньше — уже обработано
		return "", false, nil
	}

	if err := m.store.AddRunTime(ctx, issue.ID, RunDurationMs(run.CreatedAt, now)); err != nil {
		return "", false, err
	}
	if err := m.store.SetIssueStatus(ctx, issue.ID, result); err != nil {
		return "", false, err
	}

	m.mentions.NotifyMentions(ctx, issue, run)
	m.notifyActor(ctx, actorRemoteID, issue, run, result, shareURL)

	m.logger.Info("run: прогон отправлен",
		zap.Int64("issue_id", issue.ID),
		zap.Int("run_number", run.RunNumber),
		zap.String("result", result))

	if result != models.StatusPassed {
		shareURL = ""
	}
	return shareURL, true, nil
}

// notifyActor отправляет действующему пользователю уведомление о смене
// статуса. Best-effort: нерезолвящийся пользователь молча пропускается
func (m *RunLifecycleManager) notifyActor(ctx context.Context, actorRemoteID int64, issue *models.Issue, run *models.Run, result, shareURL string) {
	if actorRemoteID == 0 {
		return
	}
	localID, ok, err := m.mentions.ResolveLocal(ctx, actorRemoteID)
	if err != nil {
		m.logger.Warn("run: ошибка резолва действующего пользователя",
			zap.Int64("actor_remote_id", actorRemoteID), zap.Error(err))
		return
	}
	if !ok {
		return
	}

	title := "Прогон QA провален"
	if result == models.StatusPassed {
		title = "Прогон QA пройден"
	}
	err = m.sink.Notify(ctx, models.Notification{
		UserID:       localID,
		Type:         models.NotificationTypeQAStatus,
		Title:        title,
		Message:      fmt.Sprintf("Прогон #%d задачи «%s» завершен со статусом %s", run.RunNumber, issue.Title, result),
		ResourceType: "run",
		ResourceID:   run.ID,
		ActionURL:    shareURL,
	})
	if err != nil {
		m.logger.Warn("run: уведомление о статусе не доставлено", zap.Error(err))
	}
}

func nextRunNumber(runs []models.Run) int {
	if len(runs) == 0 {
		return 1
	}
	// Список упорядочен по run_number по убыванию
	return runs[0].RunNumber + 1
}

// submitLabelDiff добавляет лейбл результата и снимает два других статусных
// лейбла: после перехода у задачи остается ровно один QA-статус
func submitLabelDiff(labels models.StatusLabels, result string) models.LabelDiff {
	added := labels.Failed
	if result == models.StatusPassed {
		added = labels.Passed
	}
	var remove []string
	for _, label := range []string{labels.Pending, labels.Passed, labels.Failed} {
		if label != "" && label != added {
			remove = append(remove, label)
		}
	}
	return models.LabelDiff{Add: []string{added}, Remove: remove}
}

// composeReport собирает markdown-отчет для комментария в трекере:
// постоянная ссылка плюс тест-кейсы для pass или найденные проблемы
// с вложениями для fail
func composeReport(issue *models.Issue, run *models.Run, result, shareURL string) string {
	var sb strings.Builder
	if result == models.StatusPassed {
		fmt.Fprintf(&sb, "## Прогон QA #%d — пройден\n\n", run.RunNumber)
		if body := renderMarkdown(run.TestCases); body != "" {
			sb.WriteString("**Выполненные тест-кейсы:**\n\n")
			sb.WriteString(body)
			sb.WriteString("\n")
		}
	} else {
		fmt.Fprintf(&sb, "## Прогон QA #%d — провален\n\n", run.RunNumber)
		if body := renderMarkdown(run.IssuesFound); body != "" {
			sb.WriteString("**Найденные проблемы:**\n\n")
			sb.WriteString(body)
			sb.WriteString("\n")
		}
		if links := collectAttachmentLinks(run.IssuesFound); len(links) > 0 {
			sb.WriteString("\n**Вложения:**\n")
			for _, link := range links {
				sb.WriteString("- " + link + "\n")
			}
		}
	}
	fmt.Fprintf(&sb, "\n---\nПостоянная ссылка на отчет: %s\n", shareURL)
	return sb.String()
}

func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + path
}

// projectPathFromURL извлекает путь проекта из web_url задачи
// вида https://host/group/project/-/issues/42
func projectPathFromURL(webURL string) string {
	parsed, err := url.Parse(webURL)
	if err != nil || parsed.Path == "" {
		return ""
	}
	path := strings.Trim(parsed.Path, "/")
	if idx := strings.Index(path, "/-/"); idx > 0 {
		path = path[:idx]
	}
	return path
}

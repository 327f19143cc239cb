// qa/mentions.go
package qa

import (
	"context"
	"fmt"

	"github.com/untibullet/qa-run-coordinator/internal/models"
	"go.uber.org/zap"
)

// MentionNotifier извлекает упоминания из контента прогона и рассылает
// уведомления локальным пользователям через приемник
type MentionNotifier struct {
	store   Storage
	tracker Tracker
	sink    NotificationSink
	logger  *zap.Logger
	sandbox bool
}

func NewMentionNotifier(store Storage, tracker Tracker, sink NotificationSink, logger *zap.Logger, sandbox bool) *MentionNotifier {
	return &MentionNotifier{
		store:   store,
		tracker: tracker,
		sink:    sink,
		logger:  logger,
		sandbox: sandbox,
	}
}

// NotifyMentions резолвит упоминания через участников проекта и таблицу
// связок идентичностей. Упоминание без локального пользователя молча
// пропускается: это защита ссылочной целостности, а не ошибка.
// Вызов best-effort — сбои логируются и не прерывают отправку прогона
func (n *MentionNotifier) NotifyMentions(ctx context.Context, issue *models.Issue, run *models.Run) {
	usernames := append(ExtractMentions(run.TestCases), ExtractMentions(run.IssuesFound)...)
	usernames = dedupeStrings(usernames)
	if len(usernames) == 0 {
		return
	}

	members, err := n.tracker.ListMembers(ctx, issue.ProjectID)
	if err != nil {
		n.logger.Warn("mentions: не удалось получить участников проекта",
			zap.Int64("project_id", issue.ProjectID), zap.Error(err))
		return
	}

	byUsername := make(map[string]int64, len(members))
	for _, m := range members {
		byUsername[m.Username] = m.ID
	}

	for _, username := range usernames {
		remoteID, ok := byUsername[username]
		if !ok {
			continue
		}
		localID, ok, err := n.ResolveLocal(ctx, remoteID)
		if err != nil {
			n.logger.Warn("mentions: ошибка резолва пользователя",
				zap.String("username", username), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}

		err = n.sink.Notify(ctx, models.Notification{
			UserID:       localID,
			Type:         models.NotificationTypeMention,
			Title:        "Вас упомянули в прогоне QA",
			Message:      fmt.Sprintf("Упоминание в прогоне #%d задачи «%s»", run.RunNumber, issue.Title),
			ResourceType: "run",
			ResourceID:   run.ID,
		})
		if err != nil {
			n.logger.Warn("mentions: уведомление не доставлено",
				zap.String("username", username), zap.Error(err))
		}
	}
}

// ResolveLocal переводит внешний ID пользователя в локальный через таблицу
// связок. Прямой проброс внешнего ID допускается только в режиме песочницы
func (n *MentionNotifier) ResolveLocal(ctx context.Context, remoteUserID int64) (int64, bool, error) {
	localID, ok, err := n.store.ResolveLocalUser(ctx, remoteUserID)
	if err != nil || ok {
		return localID, ok, err
	}
	if n.sandbox {
		return remoteUserID, true, nil
	}
	return 0, false, nil
}

func dedupeStrings(values []string) []string {
	seen := make(map[string]bool, len(values))
	var out []string
	for _, v := range values {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

// qa/labels.go
package qa

import (
	"context"

	"github.com/untibullet/qa-run-coordinator/internal/models"
	"go.uber.org/zap"
)

// LabelSynchronizer применяет минимальные дифы лейблов к удаленному трекеру
type LabelSynchronizer struct {
	tracker Tracker
	logger  *zap.Logger
}

func NewLabelSynchronizer(tracker Tracker, logger *zap.Logger) *LabelSynchronizer {
	return &LabelSynchronizer{tracker: tracker, logger: logger}
}

// ApplyDiff выполняет ровно один запрос к трекеру на переход. Один и тот же
// лейбл никогда не попадает в оба набора; пустой диф не вызывает трекер.
// Трекер обеспечивает семантику add-if-absent / remove-if-present, поэтому
// повтор дифа после частичного сбоя сходится к тому же состоянию
func (s *LabelSynchronizer) ApplyDiff(ctx context.Context, projectID, issueIID int64, diff models.LabelDiff) error {
	add, remove := normalizeDiff(diff)
	if len(add) == 0 && len(remove) == 0 {
		return nil
	}

	if err := s.tracker.UpdateLabels(ctx, projectID, issueIID, add, remove); err != nil {
		return err
	}
	s.logger.Debug("labels: диф применен",
		zap.Int64("project_id", projectID),
		zap.Int64("issue_iid", issueIID),
		zap.Strings("add", add),
		zap.Strings("remove", remove))
	return nil
}

// normalizeDiff убирает дубликаты и лейблы, оказавшиеся в обоих наборах
func normalizeDiff(diff models.LabelDiff) ([]string, []string) {
	inAdd := make(map[string]bool, len(diff.Add))
	var add []string
	for _, label := range diff.Add {
		if label == "" || inAdd[label] {
			continue
		}
		inAdd[label] = true
		add = append(add, label)
	}

	seen := make(map[string]bool, len(diff.Remove))
	var remove []string
	for _, label := range diff.Remove {
		if label == "" || seen[label] || inAdd[label] {
			continue
		}
		seen[label] = true
		remove = append(remove, label)
	}
	return add, remove
}

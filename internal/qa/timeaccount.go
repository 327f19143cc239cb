// qa/timeaccount.go
package qa

import (
	"context"
	"time"
)

// TimeAccountant отвечает за учет времени ожидания и активного времени.
// Оба накопленных счетчика задачи только растут
type TimeAccountant struct {
	store Storage
}

func NewTimeAccountant(store Storage) *TimeAccountant {
	return &TimeAccountant{store: store}
}

// MarkReadyForQA запускает часы ожидания при входе в колонку-очередь.
// Повторный вход без выхода их не сбрасывает
func (a *TimeAccountant) MarkReadyForQA(ctx context.Context, issueID int64, at time.Time) error {
	return a.store.MarkReadyForQA(ctx, issueID, at)
}

// FoldWaitTime сворачивает открытый интервал ожидания в накопленный счетчик
// и очищает ready_for_qa_at. Вызывается ровно один раз на каждый выход из
// очереди; при пустом ready_for_qa_at это безопасный no-op, поэтому вызов
// допустим из любого перехода
func (a *TimeAccountant) FoldWaitTime(ctx context.Context, issueID int64, now time.Time) error {
	return a.store.FoldWaitTime(ctx, issueID, now)
}

// RunDurationMs — активное время одного прогона от создания до завершения.
// Считается один раз при отправке и дальше не пересчитывается
func RunDurationMs(createdAt, completedAt time.Time) int64 {
	elapsed := completedAt.Sub(createdAt).Milliseconds()
	if elapsed < 0 {
		return 0
	}
	return elapsed
}

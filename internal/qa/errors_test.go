package qa

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/untibullet/qa-run-coordinator/internal/repository"
	"github.com/untibullet/qa-run-coordinator/internal/tracker"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode string
		wantMsg  string
	}{
		{
			name:     "не найдено в хранилище",
			err:      fmt.Errorf("failed to load: %w", repository.ErrNotFound),
			wantCode: CodeNotFound,
			wantMsg:  "issue or run not found",
		},
		{
			name:     "не найдено в трекере",
			err:      tracker.ErrNotFound,
			wantCode: CodeNotFound,
			wantMsg:  "issue or run not found",
		},
		{
			name:     "авторизация трекера",
			err:      tracker.ErrUnauthorized,
			wantCode: CodeUnauthorized,
			wantMsg:  "tracker authorization failed",
		},
		{
			name:     "лимит запросов проходит дословно",
			err:      &tracker.APIError{StatusCode: http.StatusTooManyRequests, Message: "rate limit exceeded, retry after 30s"},
			wantCode: CodeExternal,
			wantMsg:  "tracker: status 429: rate limit exceeded, retry after 30s",
		},
		{
			name:     "прочие ошибки трекера санитизируются",
			err:      &tracker.APIError{StatusCode: http.StatusBadGateway, Message: "secret internal detail"},
			wantCode: CodeExternal,
			wantMsg:  genericRetryMessage,
		},
		{
			name:     "внутренняя ошибка санитизируется",
			err:      errors.New("pq: connection refused at 10.0.0.5"),
			wantCode: CodeInternal,
			wantMsg:  genericRetryMessage,
		},
		{
			name:     "маппинг без статусных колонок",
			err:      repository.ErrStatusColumnRequired,
			wantCode: CodeValidation,
			wantMsg:  "mapping must keep at least one passed and one failed column",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, msg := classifyError(tt.err)
			assert.Equal(t, tt.wantCode, code)
			assert.Equal(t, tt.wantMsg, msg)
		})
	}
}

func TestRunDurationMs(t *testing.T) {
	start := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, int64(90000), RunDurationMs(start, start.Add(90*time.Second)))
	assert.Equal(t, int64(0), RunDurationMs(start, start))
	// Рассинхрон часов не дает отрицательной длительности
	assert.Equal(t, int64(0), RunDurationMs(start, start.Add(-time.Minute)))
}

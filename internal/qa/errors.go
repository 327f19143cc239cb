// qa/errors.go
package qa

import (
	"errors"
	"strings"

	"github.com/untibullet/qa-run-coordinator/internal/repository"
	"github.com/untibullet/qa-run-coordinator/internal/tracker"
)

// Коды ошибок на границе движка
const (
	CodeNotFound     = "NOT_FOUND"
	CodeValidation   = "VALIDATION"
	CodeUnauthorized = "UNAUTHORIZED"
	CodeExternal     = "EXTERNAL"
	CodeInternal     = "INTERNAL"
)

const genericRetryMessage = "operation failed, please retry later"

// MoveResult — структурированный результат перемещения по доске.
// Refresh подсказывает слою представления, какие вью устарели
type MoveResult struct {
	Success   bool     `json:"success"`
	ErrorCode string   `json:"error_code,omitempty"`
	Error     string   `json:"error,omitempty"`
	Refresh   []string `json:"refresh,omitempty"`
}

// SubmitResult — структурированный результат отправки прогона.
// ShareURL заполняется только для успешного результата PASSED
type SubmitResult struct {
	Success   bool     `json:"success"`
	ErrorCode string   `json:"error_code,omitempty"`
	Error     string   `json:"error,omitempty"`
	ShareURL  string   `json:"share_url,omitempty"`
	Refresh   []string `json:"refresh,omitempty"`
}

// Classify переводит внутреннюю ошибку в код и санитизированное сообщение
// для границы API
func Classify(err error) (string, string) {
	return classifyError(err)
}

// classifyError переводит внутреннюю ошибку в код и санитизированное
// сообщение. Дословно наружу проходят только сообщения о превышении
// лимита запросов трекера, остальное заменяется общим текстом с
// предложением повторить
func classifyError(err error) (string, string) {
	switch {
	case errors.Is(err, repository.ErrNotFound), errors.Is(err, tracker.ErrNotFound):
		return CodeNotFound, "issue or run not found"
	case errors.Is(err, repository.ErrStatusColumnRequired):
		return CodeValidation, "mapping must keep at least one passed and one failed column"
	case errors.Is(err, repository.ErrInvalidInput):
		return CodeValidation, "invalid input"
	case errors.Is(err, tracker.ErrUnauthorized):
		return CodeUnauthorized, "tracker authorization failed"
	case tracker.IsRateLimited(err):
		return CodeExternal, err.Error()
	case strings.Contains(strings.ToLower(err.Error()), "rate limit"):
		return CodeExternal, err.Error()
	}

	var apiErr *tracker.APIError
	if errors.As(err, &apiErr) {
		return CodeExternal, genericRetryMessage
	}
	return CodeInternal, genericRetryMessage
}

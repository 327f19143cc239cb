// tracker/client.go
package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

var (
	ErrUnauthorized = errors.New("tracker: unauthorized")
	ErrNotFound     = errors.New("tracker: not found")
)

// APIError представляет ошибку удаленного трекера с HTTP-статусом
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("tracker: status %d: %s", e.StatusCode, e.Message)
}

// IsRateLimited сообщает, является ли ошибка ответом о превышении лимита
// запросов. Такие сообщения единственные проходят к клиенту без санитизации
func IsRateLimited(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests
	}
	return false
}

// Issue — каноническое представление задачи в удаленном трекере
type Issue struct {
	ID          int64    `json:"id"`
	IID         int64    `json:"iid"`
	ProjectID   int64    `json:"project_id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Labels      []string `json:"labels"`
	WebURL      string   `json:"web_url"`
	Author      Member   `json:"author"`
	Assignees   []Member `json:"assignees"`
}

// Member — участник проекта в удаленном трекере
type Member struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name"`
}

// Config — настройки подключения к трекеру
type Config struct {
	BaseURL         string
	Token           string
	RetryMaxElapsed time.Duration
}

// Client — клиент GitLab-совместимого API с ограниченными повторами.
// Повторяются только сетевые и серверные (5xx) ошибки; ошибки валидации,
// авторизации и лимита запросов завершают операцию сразу
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *zap.Logger
}

func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.RetryMaxElapsed <= 0 {
		cfg.RetryMaxElapsed = 15 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}
}

// GetIssue загружает каноническую задачу по (projectId, iid)
func (c *Client) GetIssue(ctx context.Context, projectID, issueIID int64) (*Issue, error) {
	var issue Issue
	path := fmt.Sprintf("/api/v4/projects/%d/issues/%d", projectID, issueIID)
	if err := c.do(ctx, http.MethodGet, path, nil, &issue); err != nil {
		return nil, err
	}
	return &issue, nil
}

// UpdateLabels применяет минимальный диф лейблов одним запросом.
// Семантика add-if-absent / remove-if-present обеспечивается трекером,
// поэтому повтор того же дифа сходится к тому же состоянию
func (c *Client) UpdateLabels(ctx context.Context, projectID, issueIID int64, add, remove []string) error {
	if len(add) == 0 && len(remove) == 0 {
		return nil
	}
	payload := map[string]string{}
	if len(add) > 0 {
		payload["add_labels"] = strings.Join(add, ",")
	}
	if len(remove) > 0 {
		payload["remove_labels"] = strings.Join(remove, ",")
	}
	path := fmt.Sprintf("/api/v4/projects/%d/issues/%d", projectID, issueIID)
	return c.do(ctx, http.MethodPut, path, payload, nil)
}

// CreateComment публикует markdown-комментарий к задаче
func (c *Client) CreateComment(ctx context.Context, projectID, issueIID int64, body string) error {
	payload := map[string]string{"body": body}
	path := fmt.Sprintf("/api/v4/projects/%d/issues/%d/notes", projectID, issueIID)
	return c.do(ctx, http.MethodPost, path, payload, nil)
}

// ListMembers возвращает участников проекта, включая унаследованных
func (c *Client) ListMembers(ctx context.Context, projectID int64) ([]Member, error) {
	var members []Member
	path := fmt.Sprintf("/api/v4/projects/%d/members/all?per_page=100", projectID)
	if err := c.do(ctx, http.MethodGet, path, nil, &members); err != nil {
		return nil, err
	}
	return members, nil
}

// do выполняет запрос с экспоненциальным backoff для временных сбоев
func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	operation := func() error {
		var body io.Reader
		if payload != nil {
			encoded, err := json.Marshal(payload)
			if err != nil {
				return backoff.Permanent(fmt.Errorf("failed to encode request: %w", err))
			}
			body = bytes.NewReader(encoded)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to build request: %w", err))
		}
		req.Header.Set("PRIVATE-TOKEN", c.cfg.Token)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			// Сетевые ошибки временные, отдаем их на повтор
			return fmt.Errorf("failed to call tracker: %w", err)
		}
		defer resp.Body.Close()

		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			if out == nil {
				return nil
			}
			if err := json.Unmarshal(raw, out); err != nil {
				return backoff.Permanent(fmt.Errorf("failed to decode response: %w", err))
			}
			return nil
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return backoff.Permanent(ErrUnauthorized)
		case resp.StatusCode == http.StatusNotFound:
			return backoff.Permanent(ErrNotFound)
		case resp.StatusCode == http.StatusTooManyRequests:
			return backoff.Permanent(&APIError{
				StatusCode: resp.StatusCode,
				Message:    rateLimitMessage(raw),
			})
		case resp.StatusCode >= 500:
			// Серверные сбои считаем временными
			return &APIError{StatusCode: resp.StatusCode, Message: trimBody(raw)}
		default:
			return backoff.Permanent(&APIError{StatusCode: resp.StatusCode, Message: trimBody(raw)})
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxElapsedTime = c.cfg.RetryMaxElapsed

	err := backoff.Retry(operation, backoff.WithContext(bo, ctx))
	if err != nil {
		c.logger.Warn("tracker: запрос завершился ошибкой",
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err))
	}
	return err
}

func trimBody(raw []byte) string {
	msg := strings.TrimSpace(string(raw))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	return msg
}

func rateLimitMessage(raw []byte) string {
	if msg := trimBody(raw); msg != "" {
		return msg
	}
	return "rate limit exceeded, retry later"
}

package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/untibullet/qa-run-coordinator/internal/models"
	"github.com/untibullet/qa-run-coordinator/internal/qa"
	"github.com/untibullet/qa-run-coordinator/internal/repository"
	"go.uber.org/zap"
)

type Handler struct {
	repo          *repository.Repository
	resolver      *qa.ColumnTransitionResolver
	runs          *qa.RunLifecycleManager
	syncer        *qa.LabelCacheSyncer
	logger        *zap.Logger
	webhookSecret string
}

// New создает новый экземпляр обработчика
func New(
	repo *repository.Repository,
	resolver *qa.ColumnTransitionResolver,
	runs *qa.RunLifecycleManager,
	syncer *qa.LabelCacheSyncer,
	logger *zap.Logger,
	webhookSecret string,
) *Handler {
	return &Handler{
		repo:          repo,
		resolver:      resolver,
		runs:          runs,
		syncer:        syncer,
		logger:        logger,
		webhookSecret: webhookSecret,
	}
}

// ErrorResponse представляет структуру ошибки API
type ErrorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// newErrorResponse создает стандартный ответ с ошибкой
func newErrorResponse(code, message string) ErrorResponse {
	var resp ErrorResponse
	resp.Error.Code = code
	resp.Error.Message = message
	return resp
}

// statusForCode переводит код ошибки движка в HTTP-статус
func statusForCode(code string) int {
	switch code {
	case qa.CodeNotFound:
		return http.StatusNotFound
	case qa.CodeValidation:
		return http.StatusBadRequest
	case qa.CodeUnauthorized, qa.CodeExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// MoveIssue обрабатывает перемещение задачи по доске
func (h *Handler) MoveIssue(c echo.Context) error {
	var req struct {
		ProjectID int64  `json:"project_id"`
		IssueIID  int64  `json:"issue_iid"`
		NewLabel  string `json:"new_label"`
		OldLabel  string `json:"old_label"`
		ActorID   int64  `json:"actor_id"`
	}
	if err := c.Bind(&req); err != nil {
		h.logger.Error("MoveIssue: ошибка парсинга тела запроса", zap.Error(err))
		return c.JSON(http.StatusBadRequest, newErrorResponse(qa.CodeValidation, "invalid request body"))
	}
	if req.ProjectID == 0 || req.IssueIID == 0 {
		return c.JSON(http.StatusBadRequest, newErrorResponse(qa.CodeValidation, "project_id and issue_iid are required"))
	}

	h.logger.Info("MoveIssue: перемещение задачи",
		zap.Int64("project_id", req.ProjectID),
		zap.Int64("issue_iid", req.IssueIID),
		zap.String("new_label", req.NewLabel),
		zap.String("old_label", req.OldLabel))

	result := h.resolver.HandleBoardMove(c.Request().Context(), req.ActorID, req.ProjectID, req.IssueIID, req.NewLabel, req.OldLabel)
	if !result.Success {
		return c.JSON(statusForCode(result.ErrorCode), result)
	}
	return c.JSON(http.StatusOK, result)
}

// GetOrCreateRun находит активный прогон задачи или создает новый
func (h *Handler) GetOrCreateRun(c echo.Context) error {
	var req struct {
		ProjectID   int64           `json:"project_id"`
		IssueIID    int64           `json:"issue_iid"`
		ForceNewRun bool            `json:"force_new_run"`
		TestCases   json.RawMessage `json:"test_cases"`
		IssuesFound json.RawMessage `json:"issues_found"`
		ActorID     int64           `json:"actor_id"`
	}
	if err := c.Bind(&req); err != nil {
		h.logger.Error("GetOrCreateRun: ошибка парсинга тела запроса", zap.Error(err))
		return c.JSON(http.StatusBadRequest, newErrorResponse(qa.CodeValidation, "invalid request body"))
	}
	if req.ProjectID == 0 || req.IssueIID == 0 {
		return c.JSON(http.StatusBadRequest, newErrorResponse(qa.CodeValidation, "project_id and issue_iid are required"))
	}

	patch := models.RunContentPatch{TestCases: req.TestCases, IssuesFound: req.IssuesFound}
	run, issue, err := h.runs.GetOrCreateRun(c.Request().Context(), req.ActorID, req.ProjectID, req.IssueIID, patch, req.ForceNewRun)
	if err != nil {
		h.logger.Error("GetOrCreateRun: операция не выполнена",
			zap.Int64("project_id", req.ProjectID),
			zap.Int64("issue_iid", req.IssueIID),
			zap.Error(err))
		return h.engineError(c, err)
	}

	h.logger.Info("GetOrCreateRun: прогон получен",
		zap.Int64("issue_id", issue.ID), zap.Int("run_number", run.RunNumber))
	return c.JSON(http.StatusOK, map[string]interface{}{"run": run, "issue": issue})
}

// SubmitRun отправляет результат прогона
func (h *Handler) SubmitRun(c echo.Context) error {
	var req struct {
		ProjectID int64  `json:"project_id"`
		RunID     int64  `json:"run_id"`
		Result    string `json:"result"`
		ActorID   int64  `json:"actor_id"`
	}
	if err := c.Bind(&req); err != nil {
		h.logger.Error("SubmitRun: ошибка парсинга тела запроса", zap.Error(err))
		return c.JSON(http.StatusBadRequest, newErrorResponse(qa.CodeValidation, "invalid request body"))
	}

	h.logger.Info("SubmitRun: отправка результата",
		zap.Int64("run_id", req.RunID), zap.String("result", req.Result))

	result := h.runs.SubmitRun(c.Request().Context(), req.ActorID, req.ProjectID, req.RunID, req.Result)
	if !result.Success {
		return c.JSON(statusForCode(result.ErrorCode), result)
	}
	return c.JSON(http.StatusOK, result)
}

// GetSharedRun отдает прогон по публичному read-only токену
func (h *Handler) GetSharedRun(c echo.Context) error {
	token := c.Param("token")
	if token == "" {
		return c.JSON(http.StatusBadRequest, newErrorResponse(qa.CodeValidation, "token is required"))
	}

	run, issue, err := h.repo.GetRunByShareToken(c.Request().Context(), token)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return c.JSON(http.StatusNotFound, newErrorResponse(qa.CodeNotFound, "run not found"))
		}
		h.logger.Error("GetSharedRun: ошибка загрузки прогона", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, newErrorResponse(qa.CodeInternal, "failed to get run"))
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"issue_title":  issue.Title,
		"run_number":   run.RunNumber,
		"status":       run.Status,
		"test_cases":   run.TestCases,
		"issues_found": run.IssuesFound,
		"created_at":   run.CreatedAt,
		"completed_at": run.CompletedAt,
	})
}

// GetIssue отдает локальную копию задачи с QA-метриками
func (h *Handler) GetIssue(c echo.Context) error {
	projectID, err1 := strconv.ParseInt(c.Param("id"), 10, 64)
	issueIID, err2 := strconv.ParseInt(c.Param("iid"), 10, 64)
	if err1 != nil || err2 != nil {
		return c.JSON(http.StatusBadRequest, newErrorResponse(qa.CodeValidation, "invalid project id or issue iid"))
	}

	issue, err := h.repo.FindIssue(c.Request().Context(), projectID, issueIID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return c.JSON(http.StatusNotFound, newErrorResponse(qa.CodeNotFound, "issue not found"))
		}
		h.logger.Error("GetIssue: ошибка загрузки задачи", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, newErrorResponse(qa.CodeInternal, "failed to get issue"))
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"issue": issue})
}

// GetColumns отдает маппинг колонок проекта (или маппинг по умолчанию)
func (h *Handler) GetColumns(c echo.Context) error {
	projectID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, newErrorResponse(qa.CodeValidation, "invalid project id"))
	}

	columns, err := h.repo.GetColumnMapping(c.Request().Context(), projectID)
	if err != nil {
		h.logger.Error("GetColumns: ошибка загрузки маппинга", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, newErrorResponse(qa.CodeInternal, "failed to get columns"))
	}
	isDefault := false
	if len(columns) == 0 {
		columns = models.DefaultColumnMapping()
		isDefault = true
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"columns": columns, "default": isDefault})
}

// ReplaceColumns заменяет маппинг колонок проекта целиком
func (h *Handler) ReplaceColumns(c echo.Context) error {
	projectID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, newErrorResponse(qa.CodeValidation, "invalid project id"))
	}

	var req struct {
		Columns []models.Column `json:"columns"`
	}
	if err := c.Bind(&req); err != nil {
		h.logger.Error("ReplaceColumns: ошибка парсинга тела запроса", zap.Error(err))
		return c.JSON(http.StatusBadRequest, newErrorResponse(qa.CodeValidation, "invalid request body"))
	}

	err = h.repo.ReplaceColumnMapping(c.Request().Context(), projectID, req.Columns)
	if err != nil {
		if errors.Is(err, repository.ErrStatusColumnRequired) {
			h.logger.Warn("ReplaceColumns: маппинг без статусных колонок отклонен",
				zap.Int64("project_id", projectID))
			return c.JSON(http.StatusBadRequest, newErrorResponse(qa.CodeValidation, "mapping must keep at least one passed and one failed column"))
		}
		if errors.Is(err, repository.ErrInvalidInput) || errors.Is(err, repository.ErrAlreadyExists) {
			return c.JSON(http.StatusBadRequest, newErrorResponse(qa.CodeValidation, "invalid column mapping"))
		}
		h.logger.Error("ReplaceColumns: ошибка замены маппинга", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, newErrorResponse(qa.CodeInternal, "failed to replace columns"))
	}

	h.logger.Info("ReplaceColumns: маппинг обновлен",
		zap.Int64("project_id", projectID), zap.Int("columns_count", len(req.Columns)))
	return c.JSON(http.StatusOK, map[string]interface{}{"columns": req.Columns})
}

// DeleteColumn удаляет колонку маппинга проекта
func (h *Handler) DeleteColumn(c echo.Context) error {
	projectID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, newErrorResponse(qa.CodeValidation, "invalid project id"))
	}
	remoteLabel := c.Param("label")

	err = h.repo.DeleteColumn(c.Request().Context(), projectID, remoteLabel)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return c.JSON(http.StatusNotFound, newErrorResponse(qa.CodeNotFound, "column not found"))
		}
		if errors.Is(err, repository.ErrStatusColumnRequired) {
			h.logger.Warn("DeleteColumn: удаление последней статусной колонки отклонено",
				zap.Int64("project_id", projectID), zap.String("label", remoteLabel))
			return c.JSON(http.StatusBadRequest, newErrorResponse(qa.CodeValidation, "cannot delete the last passed or failed column"))
		}
		h.logger.Error("DeleteColumn: ошибка удаления колонки", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, newErrorResponse(qa.CodeInternal, "failed to delete column"))
	}

	return c.NoContent(http.StatusNoContent)
}

// SyncLabels запускает массовую синхронизацию кэша лейблов
func (h *Handler) SyncLabels(c echo.Context) error {
	h.logger.Info("SyncLabels: запуск массовой синхронизации")

	report, err := h.syncer.SyncAll(c.Request().Context())
	if err != nil {
		h.logger.Error("SyncLabels: синхронизация прервана", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, newErrorResponse(qa.CodeInternal, "failed to sync labels"))
	}
	return c.JSON(http.StatusOK, report)
}

// gitlabLabel — лейбл в payload вебхука
type gitlabLabel struct {
	Title string `json:"title"`
}

// GitlabWebhook принимает вебхук трекера об изменении задачи и транслирует
// смену лейблов в перемещение по доске
func (h *Handler) GitlabWebhook(c echo.Context) error {
	if h.webhookSecret == "" || c.Request().Header.Get("X-Gitlab-Token") != h.webhookSecret {
		h.logger.Warn("GitlabWebhook: неверный или отсутствующий токен")
		return c.JSON(http.StatusUnauthorized, newErrorResponse(qa.CodeUnauthorized, "invalid webhook token"))
	}
	if event := c.Request().Header.Get("X-Gitlab-Event"); event != "" && event != "Issue Hook" {
		return c.JSON(http.StatusOK, map[string]interface{}{"status": "ignored"})
	}

	var payload struct {
		User struct {
			ID int64 `json:"id"`
		} `json:"user"`
		Project struct {
			ID int64 `json:"id"`
		} `json:"project"`
		ObjectAttributes struct {
			IID int64 `json:"iid"`
		} `json:"object_attributes"`
		Changes struct {
			Labels struct {
				Previous []gitlabLabel `json:"previous"`
				Current  []gitlabLabel `json:"current"`
			} `json:"labels"`
		} `json:"changes"`
	}
	if err := c.Bind(&payload); err != nil {
		h.logger.Error("GitlabWebhook: ошибка парсинга payload", zap.Error(err))
		return c.JSON(http.StatusBadRequest, newErrorResponse(qa.CodeValidation, "invalid payload"))
	}
	if payload.Project.ID == 0 || payload.ObjectAttributes.IID == 0 {
		return c.JSON(http.StatusBadRequest, newErrorResponse(qa.CodeValidation, "project id and issue iid are required"))
	}

	columns, err := h.repo.GetColumnMapping(c.Request().Context(), payload.Project.ID)
	if err != nil {
		h.logger.Error("GitlabWebhook: ошибка загрузки маппинга", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, newErrorResponse(qa.CodeInternal, "failed to get columns"))
	}
	if len(columns) == 0 {
		columns = models.DefaultColumnMapping()
	}

	oldLabel := firstMappedLabel(columns, payload.Changes.Labels.Previous)
	newLabel := firstMappedLabel(columns, payload.Changes.Labels.Current)
	if oldLabel == newLabel {
		// Смена лейблов не затронула колонки доски
		return c.JSON(http.StatusOK, map[string]interface{}{"status": "ignored"})
	}

	h.logger.Info("GitlabWebhook: перемещение из вебхука",
		zap.Int64("project_id", payload.Project.ID),
		zap.Int64("issue_iid", payload.ObjectAttributes.IID),
		zap.String("new_label", newLabel),
		zap.String("old_label", oldLabel))

	result := h.resolver.HandleBoardMove(c.Request().Context(),
		payload.User.ID, payload.Project.ID, payload.ObjectAttributes.IID, newLabel, oldLabel)
	if !result.Success {
		return c.JSON(statusForCode(result.ErrorCode), result)
	}
	return c.JSON(http.StatusOK, result)
}

// firstMappedLabel возвращает первый лейбл из списка, сопоставленный колонке
func firstMappedLabel(columns []models.Column, labels []gitlabLabel) string {
	for _, label := range labels {
		if models.FindColumn(columns, label.Title) != nil {
			return label.Title
		}
	}
	return ""
}

// engineError переводит ошибку движка в HTTP-ответ с санитизированным
// сообщением
func (h *Handler) engineError(c echo.Context, err error) error {
	code, msg := qa.Classify(err)
	return c.JSON(statusForCode(code), newErrorResponse(code, msg))
}

// RegisterRoutes регистрирует все маршруты API
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	// Board
	e.POST("/board/move", h.MoveIssue)

	// Runs
	e.POST("/runs", h.GetOrCreateRun)
	e.POST("/runs/submit", h.SubmitRun)
	e.GET("/runs/shared/:token", h.GetSharedRun)

	// Issues
	e.GET("/projects/:id/issues/:iid", h.GetIssue)

	// Column mappings
	e.GET("/projects/:id/columns", h.GetColumns)
	e.PUT("/projects/:id/columns", h.ReplaceColumns)
	e.DELETE("/projects/:id/columns/:label", h.DeleteColumn)

	// Sync
	e.POST("/sync/labels", h.SyncLabels)

	// Webhooks
	e.POST("/webhooks/gitlab", h.GitlabWebhook)
}

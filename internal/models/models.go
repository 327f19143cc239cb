// models/models.go
package models

import (
	"encoding/json"
	"time"
)

// Статусы Issue и Run
const (
	StatusPending = "PENDING"
	StatusPassed  = "PASSED"
	StatusFailed  = "FAILED"
)

// Типы колонок доски
const (
	ColumnTypeQueue    = "queue"
	ColumnTypeActive   = "active"
	ColumnTypePassed   = "passed"
	ColumnTypeFailed   = "failed"
	ColumnTypeStandard = "standard"
)

// Issue представляет локальную копию задачи из удаленного трекера
// с накопленными QA-метриками
type Issue struct {
	ID                   int64      `json:"id" db:"id"`
	ProjectID            int64      `json:"project_id" db:"project_id"`
	IssueIID             int64      `json:"issue_iid" db:"issue_iid"`
	Title                string     `json:"title" db:"title"`
	Description          string     `json:"description" db:"description"`
	Status               string     `json:"status" db:"status"`
	ReadyForQaAt         *time.Time `json:"ready_for_qa_at,omitempty" db:"ready_for_qa_at"`
	CumulativeWaitTimeMs int64      `json:"cumulative_wait_time_ms" db:"cumulative_wait_time_ms"`
	CumulativeTimeMs     int64      `json:"cumulative_time_ms" db:"cumulative_time_ms"`
	Labels               []string   `json:"labels" db:"labels"`
	CreatedAt            time.Time  `json:"created_at" db:"created_at"`
}

// Run представляет один прогон тестирования по задаче
type Run struct {
	ID          int64           `json:"id" db:"id"`
	IssueID     int64           `json:"issue_id" db:"issue_id"`
	RunNumber   int             `json:"run_number" db:"run_number"`
	Status      string          `json:"status" db:"status"`
	TestCases   json.RawMessage `json:"test_cases,omitempty" db:"test_cases"`
	IssuesFound json.RawMessage `json:"issues_found,omitempty" db:"issues_found"`
	ShareToken  string          `json:"share_token" db:"share_token"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
}

// RunContentPatch содержит поля контента прогона для частичного обновления.
// nil означает "поле не передано, сохранить текущее значение".
type RunContentPatch struct {
	TestCases   json.RawMessage `json:"test_cases,omitempty"`
	IssuesFound json.RawMessage `json:"issues_found,omitempty"`
}

// Empty сообщает, что патч не содержит ни одного поля
func (p RunContentPatch) Empty() bool {
	return p.TestCases == nil && p.IssuesFound == nil
}

// Column представляет привязку удаленного лейбла к семантике колонки доски
type Column struct {
	RemoteLabel string `json:"remote_label" db:"remote_label"`
	ColumnType  string `json:"column_type" db:"column_type"`
}

// User представляет локального пользователя сервиса
type User struct {
	ID       int64  `json:"id" db:"id"`
	RemoteID int64  `json:"remote_id" db:"remote_id"`
	Username string `json:"username" db:"username"`
}

// Notification представляет уведомление для локального пользователя
type Notification struct {
	UserID       int64  `json:"user_id"`
	Type         string `json:"type"`
	Title        string `json:"title"`
	Message      string `json:"message"`
	ResourceType string `json:"resource_type"`
	ResourceID   int64  `json:"resource_id"`
	ActionURL    string `json:"action_url,omitempty"`
}

// Типы уведомлений
const (
	NotificationTypeMention  = "mention"
	NotificationTypeQAStatus = "qa_status"
)

// LabelDiff описывает минимальный набор изменений лейблов в удаленном трекере
type LabelDiff struct {
	Add    []string `json:"add,omitempty"`
	Remove []string `json:"remove,omitempty"`
}

// Empty сообщает, что диф не требует обращения к трекеру
func (d LabelDiff) Empty() bool {
	return len(d.Add) == 0 && len(d.Remove) == 0
}

// StatusLabels — тройка статусных лейблов проекта
type StatusLabels struct {
	Pending string
	Passed  string
	Failed  string
}

// DefaultPendingLabel используется, когда в маппинге проекта нет колонки queue
const DefaultPendingLabel = "qa::pending"

// DefaultColumnMapping возвращает маппинг колонок по умолчанию,
// применяемый для проектов без собственной настройки
func DefaultColumnMapping() []Column {
	return []Column{
		{RemoteLabel: "qa::ready", ColumnType: ColumnTypeQueue},
		{RemoteLabel: "qa::testing", ColumnType: ColumnTypeActive},
		{RemoteLabel: "qa::passed", ColumnType: ColumnTypePassed},
		{RemoteLabel: "qa::failed", ColumnType: ColumnTypeFailed},
	}
}

// FindColumn ищет колонку по удаленному лейблу. Пустой или
// несопоставленный лейбл дает nil — перемещение вне доски
func FindColumn(columns []Column, remoteLabel string) *Column {
	if remoteLabel == "" {
		return nil
	}
	for i := range columns {
		if columns[i].RemoteLabel == remoteLabel {
			return &columns[i]
		}
	}
	return nil
}

// StatusLabelsFrom выводит тройку статусных лейблов из маппинга колонок:
// берется первая колонка каждого из типов queue/passed/failed
func StatusLabelsFrom(columns []Column) StatusLabels {
	labels := StatusLabels{Pending: DefaultPendingLabel}
	pendingSet := false
	for _, c := range columns {
		switch c.ColumnType {
		case ColumnTypeQueue:
			if !pendingSet {
				labels.Pending = c.RemoteLabel
				pendingSet = true
			}
		case ColumnTypePassed:
			if labels.Passed == "" {
				labels.Passed = c.RemoteLabel
			}
		case ColumnTypeFailed:
			if labels.Failed == "" {
				labels.Failed = c.RemoteLabel
			}
		}
	}
	return labels
}

// HasStatusColumns проверяет инвариант маппинга: минимум по одной колонке
// типов passed и failed
func HasStatusColumns(columns []Column) bool {
	var passed, failed bool
	for _, c := range columns {
		switch c.ColumnType {
		case ColumnTypePassed:
			passed = true
		case ColumnTypeFailed:
			failed = true
		}
	}
	return passed && failed
}

// IsLastStatusColumn сообщает, что удаление колонки с данным лейблом
// оставило бы маппинг без единой колонки типа passed или failed.
// Такое удаление нарушает инвариант маппинга и должно отклоняться
// до каких-либо мутаций
func IsLastStatusColumn(columns []Column, remoteLabel string) bool {
	col := FindColumn(columns, remoteLabel)
	if col == nil {
		return false
	}
	if col.ColumnType != ColumnTypePassed && col.ColumnType != ColumnTypeFailed {
		return false
	}
	for _, c := range columns {
		if c.ColumnType == col.ColumnType && c.RemoteLabel != remoteLabel {
			return false
		}
	}
	return true
}

// IsTerminalStatus сообщает, является ли статус завершенным
func IsTerminalStatus(status string) bool {
	return status == StatusPassed || status == StatusFailed
}

// ValidColumnType проверяет тип колонки при настройке маппинга
func ValidColumnType(columnType string) bool {
	switch columnType {
	case ColumnTypeQueue, ColumnTypeActive, ColumnTypePassed, ColumnTypeFailed, ColumnTypeStandard:
		return true
	}
	return false
}

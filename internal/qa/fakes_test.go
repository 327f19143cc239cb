package qa

import (
	"context"
	"sort"
	"time"

	"github.com/untibullet/qa-run-coordinator/internal/models"
	"github.com/untibullet/qa-run-coordinator/internal/repository"
	"github.com/untibullet/qa-run-coordinator/internal/tracker"
	"go.uber.org/zap"
)

// fakeStore — хранилище в памяти с семантикой условных обновлений и
// уникальных ограничений, на которую опирается движок
type fakeStore struct {
	nextIssueID int64
	nextRunID   int64
	nextUserID  int64

	issues   map[int64]*models.Issue
	runs     map[int64]*models.Run
	columns  map[int64][]models.Column
	projects map[int64]string
	users    map[int64]*models.User
	links    map[int64]int64 // remote_user_id -> local user id

	// Хук перед вставкой прогона: позволяет смоделировать гонку
	// параллельного создания
	onCreateRun func()
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		issues:   make(map[int64]*models.Issue),
		runs:     make(map[int64]*models.Run),
		columns:  make(map[int64][]models.Column),
		projects: make(map[int64]string),
		users:    make(map[int64]*models.User),
		links:    make(map[int64]int64),
	}
}

func (s *fakeStore) GetOrCreateIssue(_ context.Context, projectID, issueIID int64, title, description string) (*models.Issue, error) {
	for _, issue := range s.issues {
		if issue.ProjectID == projectID && issue.IssueIID == issueIID {
			issue.Title = title
			issue.Description = description
			copied := *issue
			return &copied, nil
		}
	}
	s.nextIssueID++
	issue := &models.Issue{
		ID:          s.nextIssueID,
		ProjectID:   projectID,
		IssueIID:    issueIID,
		Title:       title,
		Description: description,
		Status:      models.StatusPending,
		CreatedAt:   time.Now().UTC(),
	}
	s.issues[issue.ID] = issue
	copied := *issue
	return &copied, nil
}

func (s *fakeStore) FindIssue(_ context.Context, projectID, issueIID int64) (*models.Issue, error) {
	for _, issue := range s.issues {
		if issue.ProjectID == projectID && issue.IssueIID == issueIID {
			copied := *issue
			return &copied, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *fakeStore) MarkReadyForQA(_ context.Context, issueID int64, at time.Time) error {
	issue, ok := s.issues[issueID]
	if !ok {
		return repository.ErrNotFound
	}
	if issue.ReadyForQaAt == nil {
		t := at
		issue.ReadyForQaAt = &t
	}
	return nil
}

func (s *fakeStore) FoldWaitTime(_ context.Context, issueID int64, now time.Time) error {
	issue, ok := s.issues[issueID]
	if !ok {
		return repository.ErrNotFound
	}
	if issue.ReadyForQaAt == nil {
		return nil
	}
	if elapsed := now.Sub(*issue.ReadyForQaAt).Milliseconds(); elapsed > 0 {
		issue.CumulativeWaitTimeMs += elapsed
	}
	issue.ReadyForQaAt = nil
	return nil
}

func (s *fakeStore) AddRunTime(_ context.Context, issueID int64, deltaMs int64) error {
	issue, ok := s.issues[issueID]
	if !ok {
		return repository.ErrNotFound
	}
	if deltaMs > 0 {
		issue.CumulativeTimeMs += deltaMs
	}
	return nil
}

func (s *fakeStore) SetIssueStatus(_ context.Context, issueID int64, status string) error {
	issue, ok := s.issues[issueID]
	if !ok {
		return repository.ErrNotFound
	}
	issue.Status = status
	return nil
}

func (s *fakeStore) UpdateIssueLabels(_ context.Context, issueID int64, labels []string, status string) error {
	issue, ok := s.issues[issueID]
	if !ok {
		return repository.ErrNotFound
	}
	issue.Labels = labels
	issue.Status = status
	return nil
}

func (s *fakeStore) AbandonPendingRuns(_ context.Context, issueID int64, now time.Time) (int64, int, error) {
	issue, ok := s.issues[issueID]
	if !ok {
		return 0, 0, repository.ErrNotFound
	}
	var totalMs int64
	var abandoned int
	for _, run := range s.runs {
		if run.IssueID != issueID || run.Status != models.StatusPending {
			continue
		}
		run.Status = models.StatusFailed
		t := now
		run.CompletedAt = &t
		if elapsed := now.Sub(run.CreatedAt).Milliseconds(); elapsed > 0 {
			totalMs += elapsed
		}
		abandoned++
	}
	issue.CumulativeTimeMs += totalMs
	issue.Status = models.StatusPending
	return totalMs, abandoned, nil
}

func (s *fakeStore) ListRuns(_ context.Context, issueID int64) ([]models.Run, error) {
	var runs []models.Run
	for _, run := range s.runs {
		if run.IssueID == issueID {
			runs = append(runs, *run)
		}
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].RunNumber > runs[j].RunNumber })
	return runs, nil
}

func (s *fakeStore) CreateRun(_ context.Context, run *models.Run) error {
	if s.onCreateRun != nil {
		hook := s.onCreateRun
		s.onCreateRun = nil
		hook()
	}
	for _, existing := range s.runs {
		if existing.IssueID == run.IssueID && existing.RunNumber == run.RunNumber {
			return repository.ErrAlreadyExists
		}
	}
	s.nextRunID++
	run.ID = s.nextRunID
	copied := *run
	s.runs[run.ID] = &copied
	return nil
}

func (s *fakeStore) UpdateRunContent(_ context.Context, runID int64, patch models.RunContentPatch) (*models.Run, error) {
	run, ok := s.runs[runID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if patch.TestCases != nil {
		run.TestCases = patch.TestCases
	}
	if patch.IssuesFound != nil {
		run.IssuesFound = patch.IssuesFound
	}
	copied := *run
	return &copied, nil
}

func (s *fakeStore) CompleteRun(_ context.Context, runID int64, status string, at time.Time) (bool, error) {
	run, ok := s.runs[runID]
	if !ok {
		return false, repository.ErrNotFound
	}
	if run.Status != models.StatusPending {
		return false, nil
	}
	run.Status = status
	t := at
	run.CompletedAt = &t
	return true, nil
}

func (s *fakeStore) GetRunWithIssue(_ context.Context, runID int64) (*models.Run, *models.Issue, error) {
	run, ok := s.runs[runID]
	if !ok {
		return nil, nil, repository.ErrNotFound
	}
	issue, ok := s.issues[run.IssueID]
	if !ok {
		return nil, nil, repository.ErrNotFound
	}
	runCopy, issueCopy := *run, *issue
	return &runCopy, &issueCopy, nil
}

func (s *fakeStore) GetColumnMapping(_ context.Context, projectID int64) ([]models.Column, error) {
	return s.columns[projectID], nil
}

func (s *fakeStore) UpsertProject(_ context.Context, projectID int64, path string) error {
	s.projects[projectID] = path
	return nil
}

func (s *fakeStore) ListProjectIDs(_ context.Context) ([]int64, error) {
	ids := make([]int64, 0, len(s.projects))
	for id := range s.projects {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *fakeStore) ListIssuesByProject(_ context.Context, projectID int64) ([]models.Issue, error) {
	var issues []models.Issue
	for _, issue := range s.issues {
		if issue.ProjectID == projectID {
			issues = append(issues, *issue)
		}
	}
	sort.Slice(issues, func(i, j int) bool { return issues[i].ID < issues[j].ID })
	return issues, nil
}

func (s *fakeStore) UpsertUser(_ context.Context, remoteID int64, username string) (*models.User, error) {
	for _, user := range s.users {
		if user.RemoteID == remoteID {
			if username != "" {
				user.Username = username
			}
			copied := *user
			return &copied, nil
		}
	}
	s.nextUserID++
	user := &models.User{ID: s.nextUserID, RemoteID: remoteID, Username: username}
	s.users[user.ID] = user
	copied := *user
	return &copied, nil
}

func (s *fakeStore) ResolveLocalUser(_ context.Context, remoteUserID int64) (int64, bool, error) {
	localID, ok := s.links[remoteUserID]
	if !ok {
		return 0, false, nil
	}
	return localID, true, nil
}

// issueByIID — прямой доступ к состоянию для проверок в тестах
func (s *fakeStore) issueByIID(projectID, issueIID int64) *models.Issue {
	for _, issue := range s.issues {
		if issue.ProjectID == projectID && issue.IssueIID == issueIID {
			return issue
		}
	}
	return nil
}

func (s *fakeStore) runsOf(issueID int64) []models.Run {
	runs, _ := s.ListRuns(context.Background(), issueID)
	return runs
}

type labelUpdate struct {
	ProjectID int64
	IssueIID  int64
	Add       []string
	Remove    []string
}

type comment struct {
	ProjectID int64
	IssueIID  int64
	Body      string
}

// fakeTracker — трекер в памяти с инъекцией ошибок по операциям
type fakeTracker struct {
	issues  map[[2]int64]*tracker.Issue
	members []tracker.Member

	updates  []labelUpdate
	comments []comment

	getErr     error
	updateErr  error
	commentErr error
	membersErr error
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{issues: make(map[[2]int64]*tracker.Issue)}
}

func (t *fakeTracker) addIssue(projectID, issueIID int64, title string) {
	t.issues[[2]int64{projectID, issueIID}] = &tracker.Issue{
		IID:       issueIID,
		ProjectID: projectID,
		Title:     title,
		WebURL:    "https://tracker.example.com/group/project/-/issues/1",
	}
}

func (t *fakeTracker) GetIssue(_ context.Context, projectID, issueIID int64) (*tracker.Issue, error) {
	if t.getErr != nil {
		return nil, t.getErr
	}
	issue, ok := t.issues[[2]int64{projectID, issueIID}]
	if !ok {
		return nil, tracker.ErrNotFound
	}
	copied := *issue
	return &copied, nil
}

func (t *fakeTracker) UpdateLabels(_ context.Context, projectID, issueIID int64, add, remove []string) error {
	if t.updateErr != nil {
		return t.updateErr
	}
	t.updates = append(t.updates, labelUpdate{ProjectID: projectID, IssueIID: issueIID, Add: add, Remove: remove})
	return nil
}

func (t *fakeTracker) CreateComment(_ context.Context, projectID, issueIID int64, body string) error {
	if t.commentErr != nil {
		return t.commentErr
	}
	t.comments = append(t.comments, comment{ProjectID: projectID, IssueIID: issueIID, Body: body})
	return nil
}

func (t *fakeTracker) ListMembers(_ context.Context, _ int64) ([]tracker.Member, error) {
	if t.membersErr != nil {
		return nil, t.membersErr
	}
	return t.members, nil
}

// fakeSink собирает отправленные уведомления
type fakeSink struct {
	notifications []models.Notification
	err           error
}

func (s *fakeSink) Notify(_ context.Context, n models.Notification) error {
	if s.err != nil {
		return s.err
	}
	s.notifications = append(s.notifications, n)
	return nil
}

// fixture собирает движок на фейках с управляемыми часами
type fixture struct {
	store    *fakeStore
	tracker  *fakeTracker
	sink     *fakeSink
	runs     *RunLifecycleManager
	resolver *ColumnTransitionResolver
	syncer   *LabelCacheSyncer
	clock    time.Time
}

func newFixture(cfg Config) *fixture {
	f := &fixture{
		store:   newFakeStore(),
		tracker: newFakeTracker(),
		sink:    &fakeSink{},
		clock:   time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC),
	}
	logger := zap.NewNop()
	labels := NewLabelSynchronizer(f.tracker, logger)
	mentions := NewMentionNotifier(f.store, f.tracker, f.sink, logger, cfg.SandboxMode)
	f.runs = NewRunLifecycleManager(f.store, f.tracker, labels, mentions, f.sink, logger, cfg)
	f.runs.now = func() time.Time { return f.clock }
	f.resolver = NewColumnTransitionResolver(f.store, f.runs, NewTimeAccountant(f.store), labels, logger)
	f.resolver.now = func() time.Time { return f.clock }
	f.syncer = NewLabelCacheSyncer(f.store, f.tracker, logger, cfg.SyncBatchSize)
	return f
}

// advance сдвигает часы фикстуры вперед
func (f *fixture) advance(d time.Duration) {
	f.clock = f.clock.Add(d)
}

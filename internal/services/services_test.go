package services_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"tasksync/backend/internal/cache"
	"tasksync/backend/internal/database"
	"tasksync/backend/internal/models"
	"tasksync/backend/internal/repositories"
	"tasksync/backend/internal/services"
	"tasksync/backend/internal/worker"

	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/suite"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// spyCache is a working list cache that records every invalidation.
type spyCache struct {
	mu          sync.Mutex
	entries     map[string][]byte
	invalidated map[uuid.UUID]int
	generations map[uuid.UUID]uint64
}

func newSpyCache() *spyCache {
	return &spyCache{
		entries:     map[string][]byte{},
		invalidated: map[uuid.UUID]int{},
		generations: map[uuid.UUID]uint64{},
	}
}

func (c *spyCache) Generation(userID uuid.UUID) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generations[userID]
}

func (c *spyCache) Get(_ context.Context, kind cache.ListKind, userID uuid.UUID, dest interface{}) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.entries[cache.ListKey(kind, userID)]
	if !ok {
		return false
	}
	return json.Unmarshal(data, dest) == nil
}

func (c *spyCache) Set(_ context.Context, kind cache.ListKind, userID uuid.UUID, gen uint64, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generations[userID] != gen {
		return
	}
	data, err := json.Marshal(value)
	if err == nil {
		c.entries[cache.ListKey(kind, userID)] = data
	}
}

func (c *spyCache) Invalidate(_ context.Context, userIDs ...uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range userIDs {
		c.invalidated[id]++
		c.generations[id]++
		delete(c.entries, cache.ListKey(cache.OwnedTasks, id))
		delete(c.entries, cache.ListKey(cache.SharedTasks, id))
	}
}

func (c *spyCache) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidated = map[uuid.UUID]int{}
}

func (c *spyCache) wasInvalidated(id uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.invalidated[id] > 0
}

// interleavingCache runs hook once, after a list fill has queried the store
// and before its Set reaches the wrapped cache.
type interleavingCache struct {
	services.ListCache
	hook func()
}

func (c *interleavingCache) Set(ctx context.Context, kind cache.ListKind, userID uuid.UUID, gen uint64, value interface{}) {
	if hook := c.hook; hook != nil {
		c.hook = nil
		hook()
	}
	c.ListCache.Set(ctx, kind, userID, gen, value)
}

type queuedResync struct {
	SourceID uuid.UUID
	TargetID uuid.UUID
	Record   models.MutationRecord
}

type spyQueue struct {
	mu   sync.Mutex
	jobs []queuedResync
}

func (q *spyQueue) EnqueueResync(_ context.Context, sourceID, targetID uuid.UUID, rec models.MutationRecord) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, queuedResync{SourceID: sourceID, TargetID: targetID, Record: rec})
	return nil
}

func workerPayload(q queuedResync) worker.ResyncPayload {
	return worker.ResyncPayload{SourceID: q.SourceID, TargetID: q.TargetID, Mutation: q.Record}
}

func resyncJob(payload []byte) *worker.Job {
	return &worker.Job{ID: "job-1", Type: worker.JobTypeResyncCopy, Payload: payload, MaxTries: worker.DefaultMaxTries}
}

type ServicesTestSuite struct {
	suite.Suite
	db         *gorm.DB
	ctx        context.Context
	tasksRepo  *repositories.TaskRepository
	usersRepo  *repositories.UserRepository
	cache      *spyCache
	queue      *spyQueue
	propagator *services.Propagator
	tasks      *services.TaskServiceImpl
	sharing    *services.ShareServiceImpl

	alice models.User
	bob   models.User
	carol models.User
}

func (s *ServicesTestSuite) SetupTest() {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	s.Require().NoError(err)
	sqlDB, err := db.DB()
	s.Require().NoError(err)
	sqlDB.SetMaxOpenConns(1)
	s.Require().NoError(database.Migrate(db))

	s.db = db
	s.ctx = context.Background()
	s.tasksRepo = repositories.NewTaskRepository(db)
	s.usersRepo = repositories.NewUserRepository(db)
	s.cache = newSpyCache()
	s.queue = &spyQueue{}

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	s.propagator = services.NewPropagator(services.PropagatorConfig{
		Tasks:  s.tasksRepo,
		Cache:  s.cache,
		Queue:  s.queue,
		Logger: quiet,
	})
	s.tasks = services.NewTaskService(services.TaskServiceConfig{
		DB:         db,
		Tasks:      s.tasksRepo,
		Propagator: s.propagator,
		Cache:      s.cache,
		Logger:     quiet,
	})
	s.sharing = services.NewShareService(services.ShareServiceConfig{
		DB:       db,
		Tasks:    s.tasksRepo,
		Users:    s.usersRepo,
		Requests: repositories.NewShareRequestRepository(db),
		Cache:    s.cache,
		Logger:   quiet,
	})

	s.alice = s.createUser("alice")
	s.bob = s.createUser("bob")
	s.carol = s.createUser("carol")
}

func (s *ServicesTestSuite) TearDownTest() {
	if sqlDB, err := s.db.DB(); err == nil {
		sqlDB.Close()
	}
}

func (s *ServicesTestSuite) createUser(name string) models.User {
	user := models.User{Username: name, PasswordHash: "hash"}
	s.Require().NoError(s.usersRepo.Create(s.ctx, &user))
	return user
}

// createTaskWithSubtasks creates an original owned by owner with the given
// incomplete subtasks.
func (s *ServicesTestSuite) createTaskWithSubtasks(owner models.User, title string, subtasks ...string) *models.Task {
	task, err := s.tasks.CreateTask(s.ctx, owner.ID, title, "")
	s.Require().NoError(err)
	for _, st := range subtasks {
		res, err := s.tasks.AddSubtask(s.ctx, task.ID, owner.ID, st)
		s.Require().NoError(err)
		task = res.Task
	}
	return task
}

// share sends task to each receiver and accepts on their behalf, returning the copies.
func (s *ServicesTestSuite) share(owner models.User, task *models.Task, receivers ...models.User) []*models.Task {
	names := make([]string, 0, len(receivers))
	for _, r := range receivers {
		names = append(names, r.Username)
	}
	_, err := s.sharing.SendRequest(s.ctx, owner.ID, task.ID, names)
	s.Require().NoError(err)

	copies := make([]*models.Task, 0, len(receivers))
	for _, r := range receivers {
		pending, err := s.sharing.ListPending(s.ctx, r.ID)
		s.Require().NoError(err)
		s.Require().NotEmpty(pending)
		copyTask, err := s.sharing.Accept(s.ctx, pending[0].ID, r.ID)
		s.Require().NoError(err)
		copies = append(copies, copyTask)
	}
	return copies
}

func (s *ServicesTestSuite) reload(id uuid.UUID) *models.Task {
	task, err := s.tasksRepo.FindByID(s.ctx, id)
	s.Require().NoError(err)
	return task
}

func (s *ServicesTestSuite) requireSameState(a, b *models.Task) {
	s.Equal(a.Completed, b.Completed, "completed")
	s.Equal(a.Subtasks, b.Subtasks, "subtasks")
	if a.DueDate == nil || b.DueDate == nil {
		s.Equal(a.DueDate == nil, b.DueDate == nil, "due date presence")
	} else {
		s.True(a.DueDate.Equal(*b.DueDate), "due date")
	}
}

func (s *ServicesTestSuite) TestCreateTaskValidation() {
	_, err := s.tasks.CreateTask(s.ctx, s.alice.ID, "   ", "")
	s.ErrorIs(err, services.ErrValidation)

	long := make([]byte, services.DefaultTitleMaxLength+1)
	for i := range long {
		long[i] = 'x'
	}
	_, err = s.tasks.CreateTask(s.ctx, s.alice.ID, string(long), "")
	s.ErrorIs(err, services.ErrValidation)

	_, err = s.tasks.CreateTask(s.ctx, s.alice.ID, "Groceries", "next tuesday")
	s.ErrorIs(err, services.ErrValidation)

	task, err := s.tasks.CreateTask(s.ctx, s.alice.ID, "  Groceries ", "2024-06-01")
	s.Require().NoError(err)
	s.Equal("Groceries", task.Title)
	s.False(task.Completed)
	s.Empty(task.Subtasks)
	s.False(task.IsShared)
	s.Require().NotNil(task.DueDate)
	s.Equal("2024-06-01", task.DueDate.Format("2006-01-02"))
}

func (s *ServicesTestSuite) TestTitleLimitNeverExceedsColumn() {
	tasks := services.NewTaskService(services.TaskServiceConfig{
		DB:             s.db,
		Tasks:          s.tasksRepo,
		Propagator:     s.propagator,
		TitleMaxLength: models.TitleColumnSize * 2,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	_, err := tasks.CreateTask(s.ctx, s.alice.ID, strings.Repeat("x", models.TitleColumnSize+1), "")
	s.ErrorIs(err, services.ErrValidation)

	task, err := tasks.CreateTask(s.ctx, s.alice.ID, strings.Repeat("x", models.TitleColumnSize), "")
	s.Require().NoError(err)
	s.Len(task.Title, models.TitleColumnSize)
}

func (s *ServicesTestSuite) TestListTasksNewestFirstAndCached() {
	first := s.createTaskWithSubtasks(s.alice, "first")
	second := s.createTaskWithSubtasks(s.alice, "second")
	s.createTaskWithSubtasks(s.bob, "not alice's")

	tasks, err := s.tasks.ListTasks(s.ctx, s.alice.ID)
	s.Require().NoError(err)
	s.Require().Len(tasks, 2)
	s.Equal(second.ID, tasks[0].ID)
	s.Equal(first.ID, tasks[1].ID)

	var cached []models.Task
	s.True(s.cache.Get(s.ctx, cache.OwnedTasks, s.alice.ID, &cached))
	s.Len(cached, 2)

	empty, err := s.tasks.ListTasks(s.ctx, s.carol.ID)
	s.Require().NoError(err)
	s.NotNil(empty)
	s.Empty(empty)
}

// withTaskListCache rebuilds the services on a real TaskListCache behind an
// interleavingCache.
func (s *ServicesTestSuite) withTaskListCache() *interleavingCache {
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := cache.NewMultiLevelCache(cache.MultiLevelConfig{Logger: quiet})
	lists := &interleavingCache{ListCache: cache.NewTaskListCache(store, time.Minute, quiet)}

	propagator := services.NewPropagator(services.PropagatorConfig{Tasks: s.tasksRepo, Cache: lists, Logger: quiet})
	s.tasks = services.NewTaskService(services.TaskServiceConfig{
		DB:         s.db,
		Tasks:      s.tasksRepo,
		Propagator: propagator,
		Cache:      lists,
		Logger:     quiet,
	})
	s.sharing = services.NewShareService(services.ShareServiceConfig{
		DB:       s.db,
		Tasks:    s.tasksRepo,
		Users:    s.usersRepo,
		Requests: repositories.NewShareRequestRepository(s.db),
		Cache:    lists,
		Logger:   quiet,
	})
	return lists
}

func (s *ServicesTestSuite) TestListTasksFillDoesNotOutliveConcurrentMutation() {
	lists := s.withTaskListCache()
	task := s.createTaskWithSubtasks(s.alice, "Laundry", "wash", "dry")

	lists.hook = func() {
		_, err := s.tasks.SetCompletion(s.ctx, task.ID, s.alice.ID, true)
		s.Require().NoError(err)
	}
	_, err := s.tasks.ListTasks(s.ctx, s.alice.ID)
	s.Require().NoError(err)

	tasks, err := s.tasks.ListTasks(s.ctx, s.alice.ID)
	s.Require().NoError(err)
	s.Require().Len(tasks, 1)
	s.True(tasks[0].Completed, "list read after a committed mutation must reflect it")
	s.True(tasks[0].Subtasks.AllCompleted())
}

func (s *ServicesTestSuite) TestListSharedFillDoesNotOutliveConcurrentUnlink() {
	lists := s.withTaskListCache()
	original := s.createTaskWithSubtasks(s.alice, "Groceries", "milk")
	copies := s.share(s.alice, original, s.bob)

	lists.hook = func() {
		s.Require().NoError(s.sharing.Unlink(s.ctx, copies[0].ID, s.bob.ID))
	}
	_, err := s.sharing.ListShared(s.ctx, s.bob.ID)
	s.Require().NoError(err)

	shared, err := s.sharing.ListShared(s.ctx, s.bob.ID)
	s.Require().NoError(err)
	s.Empty(shared)
}

func (s *ServicesTestSuite) TestSetCompletionCascadesToSubtasks() {
	task := s.createTaskWithSubtasks(s.alice, "Trip", "passport", "tickets")

	res, err := s.tasks.SetCompletion(s.ctx, task.ID, s.alice.ID, true)
	s.Require().NoError(err)
	s.True(res.Task.Completed)
	for _, st := range res.Task.Subtasks {
		s.True(st.Completed)
	}

	res, err = s.tasks.SetCompletion(s.ctx, task.ID, s.alice.ID, false)
	s.Require().NoError(err)
	s.False(res.Task.Completed)
	for _, st := range res.Task.Subtasks {
		s.False(st.Completed)
	}

	stored := s.reload(task.ID)
	s.requireSameState(res.Task, stored)
}

func (s *ServicesTestSuite) TestToggleSubtaskRecomputesParent() {
	task := s.createTaskWithSubtasks(s.alice, "Trip", "passport", "tickets")

	res, err := s.tasks.ToggleSubtask(s.ctx, task.ID, s.alice.ID, 0, true)
	s.Require().NoError(err)
	s.False(res.Task.Completed)

	res, err = s.tasks.ToggleSubtask(s.ctx, task.ID, s.alice.ID, 1, true)
	s.Require().NoError(err)
	s.True(res.Task.Completed)

	res, err = s.tasks.ToggleSubtask(s.ctx, task.ID, s.alice.ID, 0, false)
	s.Require().NoError(err)
	s.False(res.Task.Completed)

	_, err = s.tasks.ToggleSubtask(s.ctx, task.ID, s.alice.ID, 2, true)
	s.ErrorIs(err, services.ErrValidation)
	_, err = s.tasks.RemoveSubtask(s.ctx, task.ID, s.alice.ID, -1)
	s.ErrorIs(err, services.ErrValidation)
}

func (s *ServicesTestSuite) TestRemoveSubtaskShiftsPositions() {
	task := s.createTaskWithSubtasks(s.alice, "List", "a", "b", "c")

	res, err := s.tasks.RemoveSubtask(s.ctx, task.ID, s.alice.ID, 1)
	s.Require().NoError(err)
	s.Require().Len(res.Task.Subtasks, 2)
	s.Equal("a", res.Task.Subtasks[0].Title)
	s.Equal("c", res.Task.Subtasks[1].Title)
}

func (s *ServicesTestSuite) TestDueDateSetAndClear() {
	task := s.createTaskWithSubtasks(s.alice, "Report")

	res, err := s.tasks.SetDueDate(s.ctx, task.ID, s.alice.ID, "2024-03-10T15:00:00+02:00")
	s.Require().NoError(err)
	s.Require().NotNil(res.Task.DueDate)
	s.Equal(13, res.Task.DueDate.Hour())

	res, err = s.tasks.SetDueDate(s.ctx, task.ID, s.alice.ID, "")
	s.Require().NoError(err)
	s.Nil(res.Task.DueDate)
	s.Nil(s.reload(task.ID).DueDate)
}

func (s *ServicesTestSuite) TestOtherUsersCannotTouchTask() {
	task := s.createTaskWithSubtasks(s.alice, "Private", "one")

	_, err := s.tasks.GetTask(s.ctx, task.ID, s.bob.ID)
	s.ErrorIs(err, services.ErrNotFound)
	_, err = s.tasks.SetCompletion(s.ctx, task.ID, s.bob.ID, true)
	s.ErrorIs(err, services.ErrNotFound)
	_, err = s.tasks.ToggleSubtask(s.ctx, task.ID, s.bob.ID, 0, true)
	s.ErrorIs(err, services.ErrNotFound)
	s.ErrorIs(s.tasks.DeleteTask(s.ctx, task.ID, s.bob.ID), services.ErrNotFound)

	s.False(s.reload(task.ID).Completed)
}

func (s *ServicesTestSuite) TestSendRequestValidation() {
	task := s.createTaskWithSubtasks(s.alice, "Shared")

	_, err := s.sharing.SendRequest(s.ctx, s.alice.ID, task.ID, nil)
	s.ErrorIs(err, services.ErrValidation)

	_, err = s.sharing.SendRequest(s.ctx, s.alice.ID, task.ID, []string{"alice"})
	s.ErrorIs(err, services.ErrValidation)

	_, err = s.sharing.SendRequest(s.ctx, s.alice.ID, task.ID, []string{"bob", "nobody"})
	s.ErrorIs(err, services.ErrValidation)
	pending, err := s.sharing.ListPending(s.ctx, s.bob.ID)
	s.Require().NoError(err)
	s.Empty(pending, "no request is created when any username is unknown")

	_, err = s.sharing.SendRequest(s.ctx, s.bob.ID, task.ID, []string{"carol"})
	s.ErrorIs(err, services.ErrValidation)

	created, err := s.sharing.SendRequest(s.ctx, s.alice.ID, task.ID, []string{"bob", " bob ", "carol"})
	s.Require().NoError(err)
	s.Equal(2, created)

	created, err = s.sharing.SendRequest(s.ctx, s.alice.ID, task.ID, []string{"bob"})
	s.Require().NoError(err)
	s.Zero(created, "pending duplicate is suppressed")

	pending, err = s.sharing.ListPending(s.ctx, s.bob.ID)
	s.Require().NoError(err)
	s.Require().Len(pending, 1)
	s.Equal("alice", pending[0].Sender.Username)
	s.Equal(task.ID, pending[0].Task.ID)
	s.Equal("Shared", pending[0].Task.Title)
	s.Equal(models.SharePending, pending[0].Status)
}

func (s *ServicesTestSuite) TestCopiesCannotBeReshared() {
	task := s.createTaskWithSubtasks(s.alice, "Shared")
	copies := s.share(s.alice, task, s.bob)

	_, err := s.sharing.SendRequest(s.ctx, s.bob.ID, copies[0].ID, []string{"carol"})
	s.ErrorIs(err, services.ErrValidation)
}

func (s *ServicesTestSuite) TestAcceptForksCopy() {
	original := s.createTaskWithSubtasks(s.alice, "Trip", "passport")
	_, err := s.tasks.ToggleSubtask(s.ctx, original.ID, s.alice.ID, 0, true)
	s.Require().NoError(err)
	original = s.reload(original.ID)

	copies := s.share(s.alice, original, s.bob)
	copyTask := copies[0]

	s.True(copyTask.IsShared)
	s.Equal(s.bob.ID, copyTask.UserID)
	s.Require().NotNil(copyTask.SharedTaskID)
	s.Equal(original.ID, *copyTask.SharedTaskID)
	s.Require().NotNil(copyTask.OriginalCreator)
	s.Equal(s.alice.ID, *copyTask.OriginalCreator)
	s.Equal(original.Title, copyTask.Title)
	s.requireSameState(original, copyTask)

	updated := s.reload(original.ID)
	s.True(updated.IsSharedWith(s.bob.ID))
	s.Len(updated.SharedWith, 1)
	s.True(updated.SharedWith[0].Accepted)

	shared, err := s.sharing.ListShared(s.ctx, s.bob.ID)
	s.Require().NoError(err)
	s.Require().Len(shared, 1)
	s.Equal("alice", shared[0].OriginalCreatorUsername)
	s.Equal(copyTask.ID, shared[0].ID)

	pending, err := s.sharing.ListPending(s.ctx, s.bob.ID)
	s.Require().NoError(err)
	s.Empty(pending)
}

func (s *ServicesTestSuite) TestAcceptRollsBackWhenOriginalMissing() {
	task := s.createTaskWithSubtasks(s.alice, "Doomed")
	_, err := s.sharing.SendRequest(s.ctx, s.alice.ID, task.ID, []string{"bob"})
	s.Require().NoError(err)

	requests := repositories.NewShareRequestRepository(s.db)
	pending, err := requests.ListPendingFor(s.ctx, s.bob.ID)
	s.Require().NoError(err)
	s.Require().Len(pending, 1)

	s.Require().NoError(s.tasks.DeleteTask(s.ctx, task.ID, s.alice.ID))

	_, err = s.sharing.Accept(s.ctx, pending[0].ID, s.bob.ID)
	s.ErrorIs(err, services.ErrNotFound)

	still, err := requests.FindPendingFor(s.ctx, pending[0].ID, s.bob.ID)
	s.Require().NoError(err)
	s.True(still.IsPending())

	copies, err := s.tasksRepo.FindCopiesOwnedBy(s.ctx, s.bob.ID)
	s.Require().NoError(err)
	s.Empty(copies)

	listed, err := s.sharing.ListPending(s.ctx, s.bob.ID)
	s.Require().NoError(err)
	s.Empty(listed, "requests for deleted tasks are hidden")
}

func (s *ServicesTestSuite) TestAcceptOnlyOnceAndOnlyByReceiver() {
	task := s.createTaskWithSubtasks(s.alice, "Once")
	_, err := s.sharing.SendRequest(s.ctx, s.alice.ID, task.ID, []string{"bob"})
	s.Require().NoError(err)
	pending, err := s.sharing.ListPending(s.ctx, s.bob.ID)
	s.Require().NoError(err)
	s.Require().Len(pending, 1)

	_, err = s.sharing.Accept(s.ctx, pending[0].ID, s.carol.ID)
	s.ErrorIs(err, services.ErrNotFound)

	_, err = s.sharing.Accept(s.ctx, pending[0].ID, s.bob.ID)
	s.Require().NoError(err)

	_, err = s.sharing.Accept(s.ctx, pending[0].ID, s.bob.ID)
	s.ErrorIs(err, services.ErrNotFound)
	s.ErrorIs(s.sharing.Decline(s.ctx, pending[0].ID, s.bob.ID), services.ErrNotFound)
}

func (s *ServicesTestSuite) TestAcceptAgainReturnsExistingCopy() {
	task := s.createTaskWithSubtasks(s.alice, "Twice")
	first := s.share(s.alice, task, s.bob)[0]
	second := s.share(s.alice, task, s.bob)[0]

	s.Equal(first.ID, second.ID)
	s.Len(s.reload(task.ID).SharedWith, 1)
	copies, err := s.tasksRepo.FindCopies(s.ctx, task.ID, nil)
	s.Require().NoError(err)
	s.Len(copies, 1)
}

func (s *ServicesTestSuite) TestDecline() {
	task := s.createTaskWithSubtasks(s.alice, "No thanks")
	_, err := s.sharing.SendRequest(s.ctx, s.alice.ID, task.ID, []string{"bob"})
	s.Require().NoError(err)
	pending, err := s.sharing.ListPending(s.ctx, s.bob.ID)
	s.Require().NoError(err)
	s.Require().Len(pending, 1)

	s.Require().NoError(s.sharing.Decline(s.ctx, pending[0].ID, s.bob.ID))

	pending, err = s.sharing.ListPending(s.ctx, s.bob.ID)
	s.Require().NoError(err)
	s.Empty(pending)
	s.Empty(s.reload(task.ID).SharedWith)

	created, err := s.sharing.SendRequest(s.ctx, s.alice.ID, task.ID, []string{"bob"})
	s.Require().NoError(err)
	s.Equal(1, created, "a declined request does not block a new one")
}

func (s *ServicesTestSuite) TestCopyMutationReachesOriginalAndSiblings() {
	original := s.createTaskWithSubtasks(s.alice, "Party", "cake", "balloons")
	copies := s.share(s.alice, original, s.bob, s.carol)
	bobCopy, carolCopy := copies[0], copies[1]

	res, err := s.tasks.ToggleSubtask(s.ctx, bobCopy.ID, s.bob.ID, 0, true)
	s.Require().NoError(err)
	s.Empty(res.Failures)

	res, err = s.tasks.ToggleSubtask(s.ctx, bobCopy.ID, s.bob.ID, 1, true)
	s.Require().NoError(err)
	s.True(res.Task.Completed)

	a, b, c := s.reload(original.ID), s.reload(bobCopy.ID), s.reload(carolCopy.ID)
	s.True(a.Completed)
	s.requireSameState(a, b)
	s.requireSameState(a, c)

	res, err = s.tasks.AddSubtask(s.ctx, carolCopy.ID, s.carol.ID, "music")
	s.Require().NoError(err)
	s.Empty(res.Failures)

	a, b, c = s.reload(original.ID), s.reload(bobCopy.ID), s.reload(carolCopy.ID)
	s.Len(a.Subtasks, 3)
	s.True(a.Completed, "adding a subtask leaves the parent flag as is")
	s.requireSameState(a, b)
	s.requireSameState(a, c)
}

func (s *ServicesTestSuite) TestOriginalMutationReachesCopies() {
	original := s.createTaskWithSubtasks(s.alice, "Chores", "dishes", "laundry")
	copies := s.share(s.alice, original, s.bob, s.carol)

	_, err := s.tasks.SetCompletion(s.ctx, original.ID, s.alice.ID, true)
	s.Require().NoError(err)
	_, err = s.tasks.RemoveSubtask(s.ctx, original.ID, s.alice.ID, 0)
	s.Require().NoError(err)
	_, err = s.tasks.SetDueDate(s.ctx, original.ID, s.alice.ID, "2024-12-24")
	s.Require().NoError(err)

	a := s.reload(original.ID)
	for _, c := range copies {
		s.requireSameState(a, s.reload(c.ID))
	}
	s.Len(a.Subtasks, 1)
	s.Equal("laundry", a.Subtasks[0].Title)
}

func (s *ServicesTestSuite) TestMutationInvalidatesEveryAffectedOwner() {
	original := s.createTaskWithSubtasks(s.alice, "Cache", "one")
	copies := s.share(s.alice, original, s.bob, s.carol)

	// warm every list
	for _, u := range []models.User{s.alice, s.bob, s.carol} {
		_, err := s.tasks.ListTasks(s.ctx, u.ID)
		s.Require().NoError(err)
	}
	s.cache.reset()

	_, err := s.tasks.ToggleSubtask(s.ctx, copies[0].ID, s.bob.ID, 0, true)
	s.Require().NoError(err)

	s.True(s.cache.wasInvalidated(s.alice.ID))
	s.True(s.cache.wasInvalidated(s.bob.ID))
	s.True(s.cache.wasInvalidated(s.carol.ID))

	carolTasks, err := s.tasks.ListTasks(s.ctx, s.carol.ID)
	s.Require().NoError(err)
	s.Require().Len(carolTasks, 1)
	s.True(carolTasks[0].Completed, "list reflects the propagated change")
}

func (s *ServicesTestSuite) TestFailedTargetIsQueuedAndResynced() {
	original := s.createTaskWithSubtasks(s.alice, "Flaky", "one")
	copies := s.share(s.alice, original, s.bob, s.carol)
	carolCopy := copies[1]

	const callback = "test:fail_target"
	err := s.db.Callback().Update().Before("gorm:update").Register(callback, func(tx *gorm.DB) {
		if task, ok := tx.Statement.Dest.(*models.Task); ok && task.ID == carolCopy.ID {
			tx.AddError(gorm.ErrInvalidDB)
		}
	})
	s.Require().NoError(err)

	res, err := s.tasks.ToggleSubtask(s.ctx, copies[0].ID, s.bob.ID, 0, true)
	s.Require().NoError(err, "the mutator's own change commits despite the failed target")
	s.Require().Len(res.Failures, 1)
	s.Equal(carolCopy.ID, res.Failures[0].TargetID)
	s.True(res.Failures[0].Queued)
	s.Len(res.Warnings(), 1)

	s.True(s.reload(original.ID).Completed)
	s.False(s.reload(carolCopy.ID).Completed)

	s.Require().Len(s.queue.jobs, 1)
	job := s.queue.jobs[0]
	s.Equal(copies[0].ID, job.SourceID)
	s.Equal(carolCopy.ID, job.TargetID)
	s.Equal(models.MutationToggleSubtask, job.Record.Kind)

	s.Require().NoError(s.db.Callback().Update().Remove(callback))

	payload, err := json.Marshal(workerPayload(job))
	s.Require().NoError(err)
	handler := s.propagator.ResyncHandler()
	s.Require().NoError(handler(s.ctx, resyncJob(payload)))

	s.requireSameState(s.reload(original.ID), s.reload(carolCopy.ID))
}

func (s *ServicesTestSuite) TestDivergedTargetIsReportedNotQueued() {
	original := s.createTaskWithSubtasks(s.alice, "Drift", "a", "b")
	copies := s.share(s.alice, original, s.bob, s.carol)

	// carol's copy drifts to a single subtask
	carolCopy := s.reload(copies[1].ID)
	carolCopy.Subtasks = models.Subtasks{{Title: "a"}}
	s.Require().NoError(s.tasksRepo.SaveState(s.ctx, carolCopy))

	res, err := s.tasks.RemoveSubtask(s.ctx, original.ID, s.alice.ID, 1)
	s.Require().NoError(err)
	s.Require().Len(res.Failures, 1)
	s.Equal(carolCopy.ID, res.Failures[0].TargetID)
	s.False(res.Failures[0].Queued)
	s.ErrorIs(res.Failures[0].Err, services.ErrConsistency)
	s.Empty(s.queue.jobs)

	s.requireSameState(s.reload(original.ID), s.reload(copies[0].ID))
}

func (s *ServicesTestSuite) TestSyncChangesPushesFullState() {
	original := s.createTaskWithSubtasks(s.alice, "Sync", "x")
	copies := s.share(s.alice, original, s.bob, s.carol)

	done := true
	res, err := s.tasks.SyncChanges(s.ctx, copies[0].ID, s.bob.ID, services.SyncChangesInput{
		Completed:   &done,
		Subtasks:    models.Subtasks{{Title: "x", Completed: true}, {Title: "y", Completed: true}},
		SetSubtasks: true,
		DueDate:     "2025-01-01",
		SetDueDate:  true,
	})
	s.Require().NoError(err)
	s.Empty(res.Failures)

	a := s.reload(original.ID)
	s.True(a.Completed)
	s.Len(a.Subtasks, 2)
	s.requireSameState(a, s.reload(copies[0].ID))
	s.requireSameState(a, s.reload(copies[1].ID))

	_, err = s.tasks.SyncChanges(s.ctx, copies[0].ID, s.bob.ID, services.SyncChangesInput{
		Subtasks:    models.Subtasks{{Title: " "}},
		SetSubtasks: true,
	})
	s.ErrorIs(err, services.ErrValidation)
}

func (s *ServicesTestSuite) TestUnlinkIsLocal() {
	original := s.createTaskWithSubtasks(s.alice, "Leave", "one")
	copies := s.share(s.alice, original, s.bob, s.carol)

	s.ErrorIs(s.sharing.Unlink(s.ctx, original.ID, s.alice.ID), services.ErrNotFound, "originals cannot be unlinked")
	s.ErrorIs(s.sharing.Unlink(s.ctx, copies[0].ID, s.carol.ID), services.ErrNotFound)

	s.Require().NoError(s.sharing.Unlink(s.ctx, copies[1].ID, s.carol.ID))

	_, err := s.tasksRepo.FindByID(s.ctx, copies[1].ID)
	s.ErrorIs(err, repositories.ErrNotFound)

	a := s.reload(original.ID)
	s.False(a.IsSharedWith(s.carol.ID))
	s.True(a.IsSharedWith(s.bob.ID))
	s.requireSameState(a, s.reload(copies[0].ID))

	_, err = s.tasks.SetCompletion(s.ctx, original.ID, s.alice.ID, true)
	s.Require().NoError(err)
	s.True(s.reload(copies[0].ID).Completed)
}

func (s *ServicesTestSuite) TestDeleteOriginalCascadesToCopies() {
	original := s.createTaskWithSubtasks(s.alice, "Gone", "one")
	copies := s.share(s.alice, original, s.bob, s.carol)
	s.cache.reset()

	s.Require().NoError(s.tasks.DeleteTask(s.ctx, original.ID, s.alice.ID))

	for _, c := range copies {
		_, err := s.tasksRepo.FindByID(s.ctx, c.ID)
		s.ErrorIs(err, repositories.ErrNotFound)
	}
	s.True(s.cache.wasInvalidated(s.bob.ID))
	s.True(s.cache.wasInvalidated(s.carol.ID))
}

func (s *ServicesTestSuite) TestDeleteCopyLeavesOriginal() {
	original := s.createTaskWithSubtasks(s.alice, "Stay", "one")
	copies := s.share(s.alice, original, s.bob, s.carol)

	s.Require().NoError(s.tasks.DeleteTask(s.ctx, copies[0].ID, s.bob.ID))

	a := s.reload(original.ID)
	s.Equal("Stay", a.Title)
	s.reload(copies[1].ID)

	res, err := s.tasks.ToggleSubtask(s.ctx, copies[1].ID, s.carol.ID, 0, true)
	s.Require().NoError(err)
	s.Empty(res.Failures)
	s.True(s.reload(original.ID).Completed)
}

func (s *ServicesTestSuite) TestOrphanedCopyReportsMissingOriginal() {
	original := s.createTaskWithSubtasks(s.alice, "Orphan", "one")
	copies := s.share(s.alice, original, s.bob)

	// remove only the original row, leaving the copy behind
	s.Require().NoError(s.tasksRepo.Delete(s.ctx, original.ID))

	res, err := s.tasks.ToggleSubtask(s.ctx, copies[0].ID, s.bob.ID, 0, true)
	s.Require().NoError(err)
	s.True(res.Task.Completed)
	s.Require().Len(res.Failures, 1)
	s.ErrorIs(res.Failures[0].Err, services.ErrConsistency)
	s.Empty(s.queue.jobs)
}

// Alice shares with Bob and Carol, they both edit, Carol leaves and Alice
// finally deletes the original.
func (s *ServicesTestSuite) TestSharingWalkthrough() {
	task := s.createTaskWithSubtasks(s.alice, "Plan trip", "book flights", "book hotel")

	created, err := s.sharing.SendRequest(s.ctx, s.alice.ID, task.ID, []string{"bob", "carol"})
	s.Require().NoError(err)
	s.Equal(2, created)

	bobPending, err := s.sharing.ListPending(s.ctx, s.bob.ID)
	s.Require().NoError(err)
	s.Require().Len(bobPending, 1)
	bobCopy, err := s.sharing.Accept(s.ctx, bobPending[0].ID, s.bob.ID)
	s.Require().NoError(err)

	carolPending, err := s.sharing.ListPending(s.ctx, s.carol.ID)
	s.Require().NoError(err)
	s.Require().Len(carolPending, 1)
	carolCopy, err := s.sharing.Accept(s.ctx, carolPending[0].ID, s.carol.ID)
	s.Require().NoError(err)

	_, err = s.tasks.ToggleSubtask(s.ctx, bobCopy.ID, s.bob.ID, 0, true)
	s.Require().NoError(err)
	_, err = s.tasks.ToggleSubtask(s.ctx, carolCopy.ID, s.carol.ID, 1, true)
	s.Require().NoError(err)

	aliceTasks, err := s.tasks.ListTasks(s.ctx, s.alice.ID)
	s.Require().NoError(err)
	s.Require().Len(aliceTasks, 1)
	s.True(aliceTasks[0].Completed)
	s.Len(aliceTasks[0].SharedWith, 2)

	bobTasks, err := s.tasks.ListTasks(s.ctx, s.bob.ID)
	s.Require().NoError(err)
	s.Require().Len(bobTasks, 1)
	s.True(bobTasks[0].Completed)

	s.Require().NoError(s.sharing.Unlink(s.ctx, carolCopy.ID, s.carol.ID))
	carolShared, err := s.sharing.ListShared(s.ctx, s.carol.ID)
	s.Require().NoError(err)
	s.Empty(carolShared)

	s.Require().NoError(s.tasks.DeleteTask(s.ctx, task.ID, s.alice.ID))
	bobTasks, err = s.tasks.ListTasks(s.ctx, s.bob.ID)
	s.Require().NoError(err)
	s.Empty(bobTasks)
}

func TestServicesTestSuite(t *testing.T) {
	suite.Run(t, new(ServicesTestSuite))
}

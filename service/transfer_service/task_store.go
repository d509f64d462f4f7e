package transfer_service

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"qkchat-transfer/conf"
	"qkchat-transfer/model"
)

// UploadOptions carries the routing hints attached to an upload. Zero
// values are omitted from the outgoing request.
type UploadOptions struct {
	ReceiverId int64
	GroupId    int64
	MessageId  string
}

// TaskStore owns every task record. All status transitions go through it so
// the transition table is enforced in one place, and every mutation is
// published on the event bus while the store lock is held, which keeps
// per-task event order identical to transition order.
type TaskStore struct {
	mu    sync.Mutex
	tasks map[string]*model.TransferTask
	bus   *EventBus
	cfg   conf.TransferConfig
}

func NewTaskStore(bus *EventBus, cfg conf.TransferConfig) *TaskStore {
	return &TaskStore{
		tasks: make(map[string]*model.TransferTask),
		bus:   bus,
		cfg:   cfg,
	}
}

// CreateUpload validates the local file and registers a Pending upload task.
// Validation failures are returned as typed errors and never become tasks.
func (s *TaskStore) CreateUpload(localPath string, opts UploadOptions) (*model.TransferTask, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return nil, failf(model.ErrorKindInvalidInput, "file does not exist: %s", localPath)
	}
	if info.IsDir() {
		return nil, failf(model.ErrorKindInvalidInput, "not a regular file: %s", localPath)
	}
	if info.Size() > s.cfg.MaxFileSize {
		return nil, failf(model.ErrorKindInvalidInput,
			"file exceeds the %d byte limit: %s is %d bytes", s.cfg.MaxFileSize, localPath, info.Size())
	}

	task := &model.TransferTask{
		TaskId:     uuid.New().String(),
		Kind:       model.TaskKindUpload,
		Status:     model.TaskStatusPending,
		LocalPath:  localPath,
		RemoteUrl:  s.cfg.UploadUrl,
		FileName:   filepath.Base(localPath),
		FileSize:   info.Size(),
		ReceiverId: opts.ReceiverId,
		GroupId:    opts.GroupId,
		MessageId:  opts.MessageId,
		ChunkSize:  s.cfg.ChunkSize,
		CreatedAt:  time.Now(),
	}
	if task.Chunked() {
		task.UploadId = uuid.New().String()
		task.TotalChunks = int((task.FileSize + task.ChunkSize - 1) / task.ChunkSize)
	}

	s.mu.Lock()
	s.tasks[task.TaskId] = task
	s.mu.Unlock()

	return task.Clone(), nil
}

// CreateDownload registers a Pending download task.
func (s *TaskStore) CreateDownload(remoteUrl, savePath string) (*model.TransferTask, error) {
	if remoteUrl == "" {
		return nil, failf(model.ErrorKindInvalidInput, "download url is empty")
	}
	if savePath == "" {
		return nil, failf(model.ErrorKindInvalidInput, "download destination is empty")
	}

	task := &model.TransferTask{
		TaskId:    uuid.New().String(),
		Kind:      model.TaskKindDownload,
		Status:    model.TaskStatusPending,
		LocalPath: savePath,
		RemoteUrl: remoteUrl,
		FileName:  filepath.Base(savePath),
		CreatedAt: time.Now(),
	}

	s.mu.Lock()
	s.tasks[task.TaskId] = task
	s.mu.Unlock()

	return task.Clone(), nil
}

// RestoreUpload rebuilds a Pending chunked upload from a journal entry.
func (s *TaskStore) RestoreUpload(state *model.ResumeState) *model.TransferTask {
	task := &model.TransferTask{
		TaskId:            state.TaskId,
		Kind:              model.TaskKindUpload,
		Status:            model.TaskStatusPending,
		LocalPath:         state.LocalPath,
		RemoteUrl:         state.RemoteUrl,
		FileName:          filepath.Base(state.LocalPath),
		FileSize:          state.FileSize,
		ReceiverId:        state.ReceiverId,
		GroupId:           state.GroupId,
		MessageId:         state.MessageId,
		UploadId:          state.UploadId,
		ChunkSize:         state.ChunkSize,
		TotalChunks:       state.TotalChunks,
		CommittedChunkIds: append([]string(nil), state.CommittedChunkIds...),
		CreatedAt:         time.Now(),
	}

	s.mu.Lock()
	s.tasks[task.TaskId] = task
	s.mu.Unlock()

	return task.Clone()
}

// Get returns a copy of the task record, or ErrTaskNotFound.
func (s *TaskStore) Get(taskId string) (*model.TransferTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskId]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return task.Clone(), nil
}

// List returns copies of every task, oldest first.
func (s *TaskStore) List() []*model.TransferTask {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*model.TransferTask, 0, len(s.tasks))
	for _, task := range s.tasks {
		out = append(out, task.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ListActive returns copies of the Running tasks, oldest first.
func (s *TaskStore) ListActive() []*model.TransferTask {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*model.TransferTask, 0, len(s.tasks))
	for _, task := range s.tasks {
		if task.Status == model.TaskStatusRunning {
			out = append(out, task.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Remove deletes a task record outright.
func (s *TaskStore) Remove(taskId string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, taskId)
}

// UpdateProgress records transferred bytes for a Running task. Regressions
// are ignored so late transport callbacks cannot walk progress backwards,
// and the counter is clamped to the known file size. A positive total fills
// in the size of a download whose length was unknown at submit time.
func (s *TaskStore) UpdateProgress(taskId string, transferred, total int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskId]
	if !ok || task.Status != model.TaskStatusRunning {
		return
	}

	if task.FileSize == 0 && total > 0 {
		task.FileSize = total
	}
	if task.FileSize > 0 && transferred > task.FileSize {
		transferred = task.FileSize
	}
	if transferred <= task.Transferred {
		return
	}

	task.Transferred = transferred
	if task.FileSize > 0 {
		task.Progress = int(transferred * 100 / task.FileSize)
	}

	s.bus.publish(Event{
		Type:        EventProgress,
		TaskId:      task.TaskId,
		Transferred: task.Transferred,
		Total:       task.FileSize,
		Percent:     task.Progress,
	})
}

// AppendCommittedChunk records a server-acknowledged chunk id.
func (s *TaskStore) AppendCommittedChunk(taskId, chunkId string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if task, ok := s.tasks[taskId]; ok {
		task.CommittedChunkIds = append(task.CommittedChunkIds, chunkId)
	}
}

// MarkRunning moves a Pending task into Running and stamps the start time.
func (s *TaskStore) MarkRunning(taskId string) bool {
	return s.transition(taskId, model.TaskStatusRunning, func(task *model.TransferTask) Event {
		now := time.Now()
		task.StartedAt = &now
		return Event{Type: EventStarted, TaskId: task.TaskId, Total: task.FileSize}
	})
}

// MarkPaused suspends a Running task.
func (s *TaskStore) MarkPaused(taskId string) bool {
	return s.transition(taskId, model.TaskStatusPaused, func(task *model.TransferTask) Event {
		return Event{Type: EventPaused, TaskId: task.TaskId}
	})
}

// ResumeToPending puts a Paused task back in line for a slot.
func (s *TaskStore) ResumeToPending(taskId string) bool {
	return s.transition(taskId, model.TaskStatusPending, func(task *model.TransferTask) Event {
		return Event{Type: EventResumed, TaskId: task.TaskId}
	})
}

// RetryToPending re-queues a Failed task. The error and byte counters are
// reset; acknowledged chunk ids survive so the upload resumes where it left
// off.
func (s *TaskStore) RetryToPending(taskId string) bool {
	return s.transition(taskId, model.TaskStatusPending, func(task *model.TransferTask) Event {
		task.Transferred = 0
		task.Progress = 0
		task.ErrorKind = ""
		task.ErrorMessage = ""
		task.StartedAt = nil
		task.FinishedAt = nil
		return Event{Type: EventResumed, TaskId: task.TaskId}
	})
}

// MarkCancelled aborts a task from any live state. Cancelled wins over any
// concurrent failure because the transition lands first and Failed cannot
// follow it.
func (s *TaskStore) MarkCancelled(taskId string) bool {
	return s.transition(taskId, model.TaskStatusCancelled, func(task *model.TransferTask) Event {
		now := time.Now()
		task.FinishedAt = &now
		task.ErrorKind = model.ErrorKindCancelled
		task.ErrorMessage = "cancelled by user"
		return Event{Type: EventCancelled, TaskId: task.TaskId}
	})
}

// Complete marks a Running task finished and records the result URL.
func (s *TaskStore) Complete(taskId, resultUrl string) bool {
	return s.transition(taskId, model.TaskStatusCompleted, func(task *model.TransferTask) Event {
		now := time.Now()
		task.FinishedAt = &now
		task.ResultUrl = resultUrl
		task.Transferred = task.FileSize
		task.Progress = 100
		return Event{
			Type:      EventCompleted,
			TaskId:    task.TaskId,
			Total:     task.FileSize,
			ResultUrl: resultUrl,
		}
	})
}

// Fail marks a Running task failed with a typed error.
func (s *TaskStore) Fail(taskId string, kind model.ErrorKind, message string) bool {
	return s.transition(taskId, model.TaskStatusFailed, func(task *model.TransferTask) Event {
		now := time.Now()
		task.FinishedAt = &now
		task.ErrorKind = kind
		task.ErrorMessage = message
		return Event{
			Type:         EventFailed,
			TaskId:       task.TaskId,
			ErrorKind:    kind,
			ErrorMessage: message,
		}
	})
}

// transition applies a status change if the transition table allows it,
// runs the mutation, and publishes the resulting event. Illegal transitions
// are logged and dropped.
func (s *TaskStore) transition(taskId string, to model.TaskStatus, mutate func(*model.TransferTask) Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskId]
	if !ok {
		return false
	}
	if !model.CanTransition(task.Status, to) {
		logrus.WithFields(logrus.Fields{
			"taskId": taskId,
			"from":   task.Status,
			"to":     to,
		}).Debug("Ignoring illegal status transition")
		return false
	}

	task.Status = to
	ev := mutate(task)
	s.bus.publish(ev)
	return true
}

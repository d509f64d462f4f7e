package transfer_service

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/imroc/req"
	"github.com/sirupsen/logrus"

	"qkchat-transfer/conf"
	"qkchat-transfer/database"
	"qkchat-transfer/model"
)

// TransferService is the queued transfer engine. Submitted tasks wait in a
// FIFO queue until one of the active slots frees up, then run on their own
// goroutine. All control operations are keyed by task id.
type TransferService struct {
	cfg     conf.TransferConfig
	store   *TaskStore
	queue   *taskQueue
	bus     *EventBus
	resume  database.ResumeStore
	client  *req.Req
	cleanup *CleanupProcessor

	mu      sync.Mutex
	running map[string]context.CancelFunc
	stopped bool
}

// NewTransferService builds an engine from the transfer configuration.
// resume may be nil, which disables chunk-level persistence.
func NewTransferService(cfg conf.TransferConfig, resume database.ResumeStore) *TransferService {
	cfg.ApplyDefaults()

	bus := NewEventBus()
	s := &TransferService{
		cfg:     cfg,
		queue:   newTaskQueue(),
		bus:     bus,
		resume:  resume,
		client:  req.New(),
		running: make(map[string]context.CancelFunc),
	}
	s.store = NewTaskStore(bus, cfg)
	s.cleanup = NewCleanupProcessor(s.store, resume, time.Duration(cfg.CleanupGrace)*time.Second)
	return s
}

// Start restores journaled uploads and launches the cleanup processor.
func (s *TransferService) Start() {
	s.restoreJournal()
	s.cleanup.Start()
}

// Stop aborts every running task and shuts the engine down. In-flight
// chunked uploads keep their journal entries and restore on the next Start.
func (s *TransferService) Stop() {
	s.mu.Lock()
	s.stopped = true
	cancels := make([]context.CancelFunc, 0, len(s.running))
	for _, cancel := range s.running {
		cancels = append(cancels, cancel)
	}
	s.running = make(map[string]context.CancelFunc)
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}

	s.cleanup.Stop()
	s.bus.Close()
}

// restoreJournal re-queues chunked uploads whose journal entries survived a
// previous run. Entries whose source file is gone are dropped.
func (s *TransferService) restoreJournal() {
	if s.resume == nil {
		return
	}

	states, err := s.resume.List()
	if err != nil {
		logrus.WithField("error", err.Error()).Warn("Failed to read resume journal")
		return
	}

	restored := 0
	for _, state := range states {
		if _, err := os.Stat(state.LocalPath); err != nil {
			logrus.WithFields(logrus.Fields{
				"taskId": state.TaskId,
				"path":   state.LocalPath,
			}).Warn("Dropping journal entry, source file is gone")
			_ = s.resume.Delete(state.TaskId)
			continue
		}

		task := s.store.RestoreUpload(state)
		s.queue.Enqueue(task.TaskId)
		restored++
	}

	if restored > 0 {
		logrus.WithField("count", restored).Info("Restored interrupted uploads")
		s.publishQueueChanged()
		s.tick()
	}
}

// SubmitUpload validates the file and queues an upload. The returned task
// id keys every later control call.
func (s *TransferService) SubmitUpload(localPath string, opts UploadOptions) (string, error) {
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return "", ErrEngineStopped
	}

	task, err := s.store.CreateUpload(localPath, opts)
	if err != nil {
		return "", err
	}

	logrus.WithFields(logrus.Fields{
		"taskId":  task.TaskId,
		"file":    task.FileName,
		"size":    task.FileSize,
		"chunked": task.Chunked(),
	}).Info("Upload queued")

	s.queue.Enqueue(task.TaskId)
	s.publishQueueChanged()
	s.tick()
	return task.TaskId, nil
}

// SubmitDownload queues a download. An empty savePath lands the file in the
// configured save directory under its remote basename; a relative URL is
// resolved against the configured download base.
func (s *TransferService) SubmitDownload(remoteUrl, savePath string) (string, error) {
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return "", ErrEngineStopped
	}

	resolved := remoteUrl
	if resolved != "" && !strings.Contains(resolved, "://") {
		resolved = strings.TrimSuffix(s.cfg.DownloadBaseUrl, "/") + "/" + strings.TrimPrefix(resolved, "/")
	}
	if savePath == "" {
		name := path.Base(resolved)
		if name == "" || name == "." || name == "/" {
			name = "download"
		}
		savePath = filepath.Join(s.cfg.SaveDir, name)
	}

	task, err := s.store.CreateDownload(resolved, savePath)
	if err != nil {
		return "", err
	}

	logrus.WithFields(logrus.Fields{
		"taskId": task.TaskId,
		"url":    task.RemoteUrl,
		"dest":   task.LocalPath,
	}).Info("Download queued")

	s.queue.Enqueue(task.TaskId)
	s.publishQueueChanged()
	s.tick()
	return task.TaskId, nil
}

// Pause suspends a running task. Its slot frees immediately; acknowledged
// chunks stay committed for the later resume.
func (s *TransferService) Pause(taskId string) error {
	if _, err := s.store.Get(taskId); err != nil {
		return err
	}

	if s.store.MarkPaused(taskId) {
		s.cancelRunning(taskId)
	}
	return nil
}

// Resume puts a paused task back at the tail of the queue.
func (s *TransferService) Resume(taskId string) error {
	task, err := s.store.Get(taskId)
	if err != nil {
		return err
	}
	if task.Status != model.TaskStatusPaused {
		return nil
	}

	if s.store.ResumeToPending(taskId) {
		s.queue.Enqueue(taskId)
		s.publishQueueChanged()
		s.tick()
	}
	return nil
}

// Cancel aborts a task in any live state. Cancelled is absorbing, so a
// failure racing in from the worker cannot overwrite it.
func (s *TransferService) Cancel(taskId string) error {
	if _, err := s.store.Get(taskId); err != nil {
		return err
	}

	if s.store.MarkCancelled(taskId) {
		s.cancelRunning(taskId)
		if s.queue.Remove(taskId) {
			s.publishQueueChanged()
		}
		if s.resume != nil {
			_ = s.resume.Delete(taskId)
		}
	}
	return nil
}

// Retry re-queues a failed task. Byte counters restart from zero while
// acknowledged chunk ids survive, so a chunked upload picks up after its
// last committed chunk.
func (s *TransferService) Retry(taskId string) error {
	task, err := s.store.Get(taskId)
	if err != nil {
		return err
	}
	if task.Status != model.TaskStatusFailed {
		return nil
	}

	if s.store.RetryToPending(taskId) {
		s.queue.Enqueue(taskId)
		s.publishQueueChanged()
		s.tick()
	}
	return nil
}

// Purge removes a terminal task immediately instead of waiting for the
// cleanup grace period.
func (s *TransferService) Purge(taskId string) error {
	task, err := s.store.Get(taskId)
	if err != nil {
		return err
	}
	if !task.Status.Terminal() {
		return ErrNotTerminal
	}

	s.store.Remove(taskId)
	if s.resume != nil {
		_ = s.resume.Delete(taskId)
	}
	return nil
}

// Task returns a copy of one task record.
func (s *TransferService) Task(taskId string) (*model.TransferTask, error) {
	return s.store.Get(taskId)
}

// Tasks returns copies of every task, oldest first.
func (s *TransferService) Tasks() []*model.TransferTask {
	return s.store.List()
}

// ActiveTasks returns copies of the tasks currently holding a slot.
func (s *TransferService) ActiveTasks() []*model.TransferTask {
	return s.store.ListActive()
}

// ActiveCount returns the number of occupied slots.
func (s *TransferService) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// QueueLen returns the number of tasks waiting for a slot.
func (s *TransferService) QueueLen() int {
	return s.queue.Len()
}

// Subscribe registers an event subscriber.
func (s *TransferService) Subscribe() (<-chan Event, func()) {
	return s.bus.Subscribe()
}

func (s *TransferService) cancelRunning(taskId string) {
	s.mu.Lock()
	cancel, ok := s.running[taskId]
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

// tick fills free slots from the head of the queue. Ids whose task is no
// longer Pending are stale queue entries and get discarded.
func (s *TransferService) tick() {
	for {
		s.mu.Lock()
		if s.stopped || len(s.running) >= s.cfg.MaxConcurrent {
			s.mu.Unlock()
			return
		}
		taskId, ok := s.queue.Dequeue()
		if !ok {
			s.mu.Unlock()
			return
		}
		if !s.store.MarkRunning(taskId) {
			s.mu.Unlock()
			s.publishQueueChanged()
			continue
		}

		ctx, cancel := context.WithCancel(context.Background())
		s.running[taskId] = cancel
		active := len(s.running)
		s.mu.Unlock()

		s.publishQueueChanged()
		s.publishActiveCount(active)
		go s.run(ctx, cancel, taskId)
	}
}

// run executes one task on its own goroutine and settles its outcome.
func (s *TransferService) run(ctx context.Context, cancel context.CancelFunc, taskId string) {
	defer cancel()

	task, err := s.store.Get(taskId)
	if err != nil {
		s.finish(ctx, taskId, "", err)
		return
	}

	var resultUrl string
	switch task.Kind {
	case model.TaskKindDownload:
		resultUrl, err = s.runDownload(ctx, task)
	default:
		resultUrl, err = s.runUpload(ctx, task)
	}

	s.finish(ctx, taskId, resultUrl, err)
}

// finish releases the task's slot and records the outcome. A cancelled
// context means pause, cancel or shutdown already settled the task and the
// worker result is discarded.
func (s *TransferService) finish(ctx context.Context, taskId, resultUrl string, runErr error) {
	s.mu.Lock()
	delete(s.running, taskId)
	active := len(s.running)
	stopped := s.stopped
	s.mu.Unlock()

	switch {
	case runErr == nil:
		if s.store.Complete(taskId, resultUrl) {
			if s.resume != nil {
				_ = s.resume.Delete(taskId)
			}
			logrus.WithFields(logrus.Fields{
				"taskId": taskId,
				"url":    resultUrl,
			}).Info("Transfer completed")
		}
	case ctx.Err() != nil:
		// The control path owns the status; nothing terminal to record.
	default:
		kind, message := classify(runErr)
		if s.store.Fail(taskId, kind, message) {
			logrus.WithFields(logrus.Fields{
				"taskId": taskId,
				"kind":   kind,
				"error":  message,
			}).Error("Transfer failed")
		}
	}

	s.publishActiveCount(active)
	if !stopped {
		s.tick()
	}
}

// persistResume writes the task's current chunk bookkeeping to the journal.
func (s *TransferService) persistResume(taskId string) {
	if s.resume == nil {
		return
	}
	task, err := s.store.Get(taskId)
	if err != nil {
		return
	}

	var state model.ResumeState
	state.FromTask(task)
	if err := s.resume.Put(&state); err != nil {
		logrus.WithFields(logrus.Fields{
			"taskId": taskId,
			"error":  err.Error(),
		}).Warn("Failed to persist resume state")
	}
}

func (s *TransferService) publishQueueChanged() {
	s.bus.publish(Event{Type: EventQueueChanged, QueueLength: s.queue.Len()})
}

func (s *TransferService) publishActiveCount(active int) {
	s.bus.publish(Event{Type: EventActiveCountChanged, ActiveCount: active})
}

package transfer_service

import (
	"time"

	"github.com/sirupsen/logrus"

	"qkchat-transfer/database"
	"qkchat-transfer/model"
)

// CleanupProcessor removes Completed and Cancelled tasks a short grace
// period after they finish, so late status reads still find them. Failed
// tasks are kept around for retry and are only removed on explicit purge.
type CleanupProcessor struct {
	store    *TaskStore
	resume   database.ResumeStore
	grace    time.Duration
	interval time.Duration
	stopChan chan struct{}
}

func NewCleanupProcessor(store *TaskStore, resume database.ResumeStore, grace time.Duration) *CleanupProcessor {
	return &CleanupProcessor{
		store:    store,
		resume:   resume,
		grace:    grace,
		interval: time.Second,
		stopChan: make(chan struct{}),
	}
}

// Start launches the background sweep loop.
func (p *CleanupProcessor) Start() {
	go p.run()
}

// Stop terminates the sweep loop.
func (p *CleanupProcessor) Stop() {
	close(p.stopChan)
}

func (p *CleanupProcessor) run() {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.sweep()
		case <-p.stopChan:
			return
		}
	}
}

func (p *CleanupProcessor) sweep() {
	for _, task := range p.store.List() {
		if task.Status != model.TaskStatusCompleted && task.Status != model.TaskStatusCancelled {
			continue
		}
		if task.FinishedAt == nil || time.Since(*task.FinishedAt) < p.grace {
			continue
		}

		p.store.Remove(task.TaskId)
		if p.resume != nil {
			if err := p.resume.Delete(task.TaskId); err != nil {
				logrus.WithFields(logrus.Fields{
					"taskId": task.TaskId,
					"error":  err.Error(),
				}).Warn("Failed to drop resume journal entry")
			}
		}

		logrus.WithFields(logrus.Fields{
			"taskId": task.TaskId,
			"status": task.Status,
		}).Debug("Cleaned up finished task")
	}
}

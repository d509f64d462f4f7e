package transfer_service

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qkchat-transfer/conf"
	"qkchat-transfer/controller"
	"qkchat-transfer/database"
	"qkchat-transfer/model"
	"qkchat-transfer/storage"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// startSink runs an in-process sink server backed by local storage.
func startSink(t *testing.T) *httptest.Server {
	t.Helper()
	return startSinkWith(t, func(router http.Handler, w http.ResponseWriter, r *http.Request) {
		router.ServeHTTP(w, r)
	})
}

// startSinkWith lets a test intercept requests before they reach the sink
// router, for failure injection.
func startSinkWith(t *testing.T, intercept func(router http.Handler, w http.ResponseWriter, r *http.Request)) *httptest.Server {
	t.Helper()

	stor, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	router := controller.SetupUploadRouter(stor, "")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		intercept(router, w, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newEngine(t *testing.T, sinkUrl string, mutate func(*conf.TransferConfig)) *TransferService {
	t.Helper()

	cfg := conf.TransferConfig{
		UploadUrl:       sinkUrl + "/api/upload",
		DownloadBaseUrl: sinkUrl,
		SaveDir:         t.TempDir(),
		ChunkSize:       conf.MinChunkSizeBytes, // chunked tests size files in MinChunkSizeBytes units
		CleanupGrace:    60,                     // keep finished tasks visible for assertions
	}
	if mutate != nil {
		mutate(&cfg)
	}

	engine := NewTransferService(cfg, nil)
	engine.Start()
	t.Cleanup(engine.Stop)
	return engine
}

func waitStatus(t *testing.T, engine *TransferService, taskId string, status model.TaskStatus) *model.TransferTask {
	t.Helper()

	var task *model.TransferTask
	require.Eventually(t, func() bool {
		got, err := engine.Task(taskId)
		if err != nil {
			return false
		}
		task = got
		return got.Status == status
	}, 5*time.Second, 10*time.Millisecond, "task %s never reached %s", taskId, status)
	return task
}

func fetchResult(t *testing.T, sinkUrl, resultUrl string) []byte {
	t.Helper()

	resp, err := http.Get(sinkUrl + resultUrl)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return data
}

func TestSmallUploadCompletes(t *testing.T) {
	sink := startSink(t)
	engine := newEngine(t, sink.URL, nil)

	path := writeTempFile(t, 10<<10)
	want, err := os.ReadFile(path)
	require.NoError(t, err)

	taskId, err := engine.SubmitUpload(path, UploadOptions{ReceiverId: 7, MessageId: "m-1"})
	require.NoError(t, err)

	task := waitStatus(t, engine, taskId, model.TaskStatusCompleted)
	assert.False(t, task.Chunked())
	assert.NotEmpty(t, task.ResultUrl)
	assert.Equal(t, task.FileSize, task.Transferred)
	assert.Equal(t, 100, task.Progress)

	assert.Equal(t, want, fetchResult(t, sink.URL, task.ResultUrl))
}

func TestChunkedUploadCompletes(t *testing.T) {
	sink := startSink(t)
	engine := newEngine(t, sink.URL, nil)

	// Five chunks at the minimum chunk size.
	path := writeTempFile(t, 5*conf.MinChunkSizeBytes)
	want, err := os.ReadFile(path)
	require.NoError(t, err)

	taskId, err := engine.SubmitUpload(path, UploadOptions{GroupId: 3})
	require.NoError(t, err)

	task := waitStatus(t, engine, taskId, model.TaskStatusCompleted)
	assert.True(t, task.Chunked())
	assert.Equal(t, 5, task.TotalChunks)
	assert.Len(t, task.CommittedChunkIds, 5)

	assert.Equal(t, want, fetchResult(t, sink.URL, task.ResultUrl))
}

func TestConcurrencyCap(t *testing.T) {
	arrived := make(chan struct{}, 16)
	release := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		arrived <- struct{}{}
		select {
		case <-release:
		case <-r.Context().Done():
			return
		}
		fmt.Fprint(w, `{"success":true,"url":"/files/msg/blocked.bin"}`)
	}))
	defer srv.Close()

	engine := newEngine(t, srv.URL, func(cfg *conf.TransferConfig) {
		cfg.MaxConcurrent = 2
	})

	taskIds := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		taskId, err := engine.SubmitUpload(writeTempFile(t, 1024), UploadOptions{})
		require.NoError(t, err)
		taskIds = append(taskIds, taskId)
	}

	<-arrived
	<-arrived
	assert.Equal(t, 2, engine.ActiveCount())
	assert.Equal(t, 3, engine.QueueLen())

	// The active snapshot mirrors the occupied slots.
	active := engine.ActiveTasks()
	require.Len(t, active, 2)
	activeIds := []string{active[0].TaskId, active[1].TaskId}
	assert.ElementsMatch(t, taskIds[:2], activeIds)
	for _, task := range active {
		assert.Equal(t, model.TaskStatusRunning, task.Status)
	}

	// No third transfer may start while both slots are held.
	select {
	case <-arrived:
		t.Fatal("a third transfer started past the concurrency cap")
	case <-time.After(150 * time.Millisecond):
	}

	close(release)
	for _, taskId := range taskIds {
		waitStatus(t, engine, taskId, model.TaskStatusCompleted)
	}
	assert.Equal(t, 0, engine.ActiveCount())
}

func TestFIFOCompletionOrder(t *testing.T) {
	sink := startSink(t)
	engine := newEngine(t, sink.URL, func(cfg *conf.TransferConfig) {
		cfg.MaxConcurrent = 1
	})

	events, unsubscribe := engine.Subscribe()
	defer unsubscribe()

	submitted := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		taskId, err := engine.SubmitUpload(writeTempFile(t, 2048), UploadOptions{})
		require.NoError(t, err)
		submitted = append(submitted, taskId)
	}

	completed := make([]string, 0, 3)
	deadline := time.After(5 * time.Second)
	for len(completed) < 3 {
		select {
		case ev := <-events:
			if ev.Type == EventCompleted {
				completed = append(completed, ev.TaskId)
			}
		case <-deadline:
			t.Fatalf("only %d of 3 tasks completed", len(completed))
		}
	}

	assert.Equal(t, submitted, completed)
}

func TestCancelMidFlight(t *testing.T) {
	arrived := make(chan struct{}, 1)
	release := make(chan struct{})
	defer close(release)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		arrived <- struct{}{}
		select {
		case <-release:
		case <-r.Context().Done():
			return
		}
		fmt.Fprint(w, `{"success":true,"url":"/files/msg/x.bin"}`)
	}))
	defer srv.Close()

	engine := newEngine(t, srv.URL, nil)

	taskId, err := engine.SubmitUpload(writeTempFile(t, 4096), UploadOptions{})
	require.NoError(t, err)
	<-arrived

	require.NoError(t, engine.Cancel(taskId))
	task := waitStatus(t, engine, taskId, model.TaskStatusCancelled)
	assert.Equal(t, model.ErrorKindCancelled, task.ErrorKind)

	// The aborted worker result must not overwrite the cancel.
	require.Eventually(t, func() bool { return engine.ActiveCount() == 0 }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	task, err = engine.Task(taskId)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusCancelled, task.Status)
}

func TestCancelQueuedTask(t *testing.T) {
	arrived := make(chan struct{}, 1)
	release := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		select {
		case arrived <- struct{}{}:
		default:
		}
		select {
		case <-release:
		case <-r.Context().Done():
			return
		}
		fmt.Fprint(w, `{"success":true,"url":"/files/msg/q.bin"}`)
	}))
	defer srv.Close()

	engine := newEngine(t, srv.URL, func(cfg *conf.TransferConfig) {
		cfg.MaxConcurrent = 1
	})

	blockerId, err := engine.SubmitUpload(writeTempFile(t, 1024), UploadOptions{})
	require.NoError(t, err)
	<-arrived

	queuedId, err := engine.SubmitUpload(writeTempFile(t, 1024), UploadOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, engine.QueueLen())

	require.NoError(t, engine.Cancel(queuedId))
	task := waitStatus(t, engine, queuedId, model.TaskStatusCancelled)
	assert.Nil(t, task.StartedAt, "a queued task must be cancelled without starting")
	assert.Equal(t, 0, engine.QueueLen())

	close(release)
	waitStatus(t, engine, blockerId, model.TaskStatusCompleted)
}

func TestPauseAndResume(t *testing.T) {
	var blocking atomic.Bool
	blocking.Store(true)
	arrived := make(chan struct{}, 4)
	release := make(chan struct{})
	defer close(release)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		if blocking.Load() {
			arrived <- struct{}{}
			select {
			case <-release:
			case <-r.Context().Done():
				return
			}
		}
		fmt.Fprint(w, `{"success":true,"url":"/files/msg/p.bin"}`)
	}))
	defer srv.Close()

	engine := newEngine(t, srv.URL, nil)

	taskId, err := engine.SubmitUpload(writeTempFile(t, 4096), UploadOptions{})
	require.NoError(t, err)
	<-arrived

	require.NoError(t, engine.Pause(taskId))
	waitStatus(t, engine, taskId, model.TaskStatusPaused)
	require.Eventually(t, func() bool { return engine.ActiveCount() == 0 }, 5*time.Second, 10*time.Millisecond)

	blocking.Store(false)
	require.NoError(t, engine.Resume(taskId))
	waitStatus(t, engine, taskId, model.TaskStatusCompleted)
}

func TestRetryAfterServerError(t *testing.T) {
	var failing atomic.Bool
	failing.Store(true)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		if failing.Load() {
			w.WriteHeader(500)
			fmt.Fprint(w, `{"success":false,"message":"backend storage unavailable"}`)
			return
		}
		fmt.Fprint(w, `{"success":true,"url":"/files/msg/r.bin"}`)
	}))
	defer srv.Close()

	engine := newEngine(t, srv.URL, nil)

	taskId, err := engine.SubmitUpload(writeTempFile(t, 1024), UploadOptions{})
	require.NoError(t, err)

	task := waitStatus(t, engine, taskId, model.TaskStatusFailed)
	assert.Equal(t, model.ErrorKindProtocol, task.ErrorKind)
	assert.Contains(t, task.ErrorMessage, "backend storage unavailable")

	failing.Store(false)
	require.NoError(t, engine.Retry(taskId))

	task = waitStatus(t, engine, taskId, model.TaskStatusCompleted)
	assert.Equal(t, "/files/msg/r.bin", task.ResultUrl)
}

func TestChunkedRetryResumesFromCommitted(t *testing.T) {
	var chunkPosts int32
	var failing atomic.Bool
	failing.Store(true)

	sink := startSinkWith(t, func(router http.Handler, w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/upload/chunk" {
			n := atomic.AddInt32(&chunkPosts, 1)
			if failing.Load() && n > 2 {
				io.Copy(io.Discard, r.Body)
				w.WriteHeader(500)
				fmt.Fprint(w, `{"success":false,"message":"chunk store failed"}`)
				return
			}
		}
		router.ServeHTTP(w, r)
	})

	// A single attempt per chunk keeps the post counts deterministic.
	engine := newEngine(t, sink.URL, func(cfg *conf.TransferConfig) {
		cfg.MaxRetry = 1
	})

	path := writeTempFile(t, 5*conf.MinChunkSizeBytes)
	want, err := os.ReadFile(path)
	require.NoError(t, err)

	taskId, err := engine.SubmitUpload(path, UploadOptions{})
	require.NoError(t, err)

	task := waitStatus(t, engine, taskId, model.TaskStatusFailed)
	assert.Equal(t, model.ErrorKindProtocol, task.ErrorKind)
	require.Len(t, task.CommittedChunkIds, 2)
	require.Equal(t, int32(3), atomic.LoadInt32(&chunkPosts))

	failing.Store(false)
	require.NoError(t, engine.Retry(taskId))

	task = waitStatus(t, engine, taskId, model.TaskStatusCompleted)
	assert.Len(t, task.CommittedChunkIds, 5)
	// Only the three uncommitted chunks were sent again.
	assert.Equal(t, int32(6), atomic.LoadInt32(&chunkPosts))

	assert.Equal(t, want, fetchResult(t, sink.URL, task.ResultUrl))
}

func TestOversizeUploadRejected(t *testing.T) {
	sink := startSink(t)
	engine := newEngine(t, sink.URL, func(cfg *conf.TransferConfig) {
		cfg.MaxFileSize = 1000
	})

	_, err := engine.SubmitUpload(writeTempFile(t, 2000), UploadOptions{})
	require.Error(t, err)

	kind, ok := ErrorKindOf(err)
	require.True(t, ok)
	assert.Equal(t, model.ErrorKindInvalidInput, kind)
	assert.Empty(t, engine.Tasks())
}

func TestDownloadCompletes(t *testing.T) {
	content := make([]byte, 30<<10)
	for i := range content {
		content[i] = byte(i % 13)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", fmt.Sprint(len(content)))
		w.Write(content)
	}))
	defer srv.Close()

	engine := newEngine(t, srv.URL, nil)

	dest := filepath.Join(t.TempDir(), "nested", "fetched.bin")
	taskId, err := engine.SubmitDownload(srv.URL+"/d/fetched.bin", dest)
	require.NoError(t, err)

	task := waitStatus(t, engine, taskId, model.TaskStatusCompleted)
	assert.Equal(t, dest, task.ResultUrl)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestDownloadResolvesRelativeUrl(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/files/msg/rel.bin" {
			w.WriteHeader(404)
			return
		}
		w.Write([]byte("relative"))
	}))
	defer srv.Close()

	engine := newEngine(t, srv.URL, nil)

	taskId, err := engine.SubmitDownload("/files/msg/rel.bin", "")
	require.NoError(t, err)

	task := waitStatus(t, engine, taskId, model.TaskStatusCompleted)
	assert.Equal(t, "rel.bin", filepath.Base(task.LocalPath))

	got, err := os.ReadFile(task.LocalPath)
	require.NoError(t, err)
	assert.Equal(t, []byte("relative"), got)
}

func TestDownloadProtocolError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(404)
	}))
	defer srv.Close()

	engine := newEngine(t, srv.URL, nil)

	taskId, err := engine.SubmitDownload(srv.URL+"/files/missing.bin", "")
	require.NoError(t, err)

	task := waitStatus(t, engine, taskId, model.TaskStatusFailed)
	assert.Equal(t, model.ErrorKindProtocol, task.ErrorKind)
}

func TestDownloadSurfacesServerMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(503)
		fmt.Fprint(w, `{"success":false,"message":"object store offline"}`)
	}))
	defer srv.Close()

	engine := newEngine(t, srv.URL, nil)

	taskId, err := engine.SubmitDownload(srv.URL+"/files/offline.bin", "")
	require.NoError(t, err)

	task := waitStatus(t, engine, taskId, model.TaskStatusFailed)
	assert.Equal(t, model.ErrorKindProtocol, task.ErrorKind)
	assert.Contains(t, task.ErrorMessage, "HTTP 503")
	assert.Contains(t, task.ErrorMessage, "object store offline")
}

func TestCleanupRemovesFinishedTasks(t *testing.T) {
	sink := startSink(t)
	engine := newEngine(t, sink.URL, func(cfg *conf.TransferConfig) {
		cfg.CleanupGrace = 1
	})

	taskId, err := engine.SubmitUpload(writeTempFile(t, 512), UploadOptions{})
	require.NoError(t, err)
	waitStatus(t, engine, taskId, model.TaskStatusCompleted)

	require.Eventually(t, func() bool {
		_, err := engine.Task(taskId)
		return err == ErrTaskNotFound
	}, 5*time.Second, 50*time.Millisecond)
}

func TestPurgeRemovesTerminalTaskImmediately(t *testing.T) {
	sink := startSink(t)
	engine := newEngine(t, sink.URL, nil)

	taskId, err := engine.SubmitUpload(writeTempFile(t, 512), UploadOptions{})
	require.NoError(t, err)
	waitStatus(t, engine, taskId, model.TaskStatusCompleted)

	require.NoError(t, engine.Purge(taskId))
	_, err = engine.Task(taskId)
	assert.Equal(t, ErrTaskNotFound, err)
}

func TestJournalRestoreResumesUpload(t *testing.T) {
	sink := startSink(t)

	journal, err := database.NewPebbleResumeStore(t.TempDir())
	require.NoError(t, err)
	defer journal.Close()

	path := writeTempFile(t, 3*conf.MinChunkSizeBytes)
	want, err := os.ReadFile(path)
	require.NoError(t, err)

	require.NoError(t, journal.Put(&model.ResumeState{
		TaskId:      "journal-1",
		UploadId:    "client-upload-journal",
		LocalPath:   path,
		RemoteUrl:   sink.URL + "/api/upload",
		FileSize:    int64(3 * conf.MinChunkSizeBytes),
		ChunkSize:   conf.MinChunkSizeBytes,
		TotalChunks: 3,
	}))
	require.NoError(t, journal.Put(&model.ResumeState{
		TaskId:    "journal-gone",
		LocalPath: filepath.Join(t.TempDir(), "deleted.bin"),
		RemoteUrl: sink.URL + "/api/upload",
	}))

	cfg := conf.TransferConfig{
		UploadUrl:    sink.URL + "/api/upload",
		SaveDir:      t.TempDir(),
		CleanupGrace: 60,
	}
	engine := NewTransferService(cfg, journal)
	engine.Start()
	defer engine.Stop()

	task := waitStatus(t, engine, "journal-1", model.TaskStatusCompleted)
	assert.Equal(t, want, fetchResult(t, sink.URL, task.ResultUrl))

	// Completion and the dead entry both clear the journal.
	_, err = journal.Get("journal-1")
	assert.Equal(t, database.ErrResumeNotFound, err)
	_, err = journal.Get("journal-gone")
	assert.Equal(t, database.ErrResumeNotFound, err)

	_, err = engine.Task("journal-gone")
	assert.Equal(t, ErrTaskNotFound, err)
}

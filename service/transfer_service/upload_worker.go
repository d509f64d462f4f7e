package transfer_service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/imroc/req"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"qkchat-transfer/model"
)

// userAgent identifies the client on every engine request.
const userAgent = "QKChat Client 1.0"

func (s *TransferService) header() req.Header {
	return req.Header{"User-Agent": userAgent}
}

// watchdog cancels a request after a period with no transport activity.
// Progress callbacks rearm it, so a slow but moving transfer never trips.
type watchdog struct {
	mu      sync.Mutex
	stopped bool
	timer   *time.Timer
	cancel  context.CancelFunc
	window  time.Duration
}

func (s *TransferService) watchCtx(parent context.Context) (context.Context, *watchdog) {
	ctx, cancel := context.WithCancel(parent)
	window := time.Duration(s.cfg.RequestTimeout) * time.Second
	return ctx, &watchdog{
		timer:  time.AfterFunc(window, cancel),
		cancel: cancel,
		window: window,
	}
}

// touch rearms the timer. A late transport callback landing after stop
// must not resurrect it.
func (w *watchdog) touch() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.timer.Reset(w.window)
}

func (w *watchdog) stop() {
	w.mu.Lock()
	w.stopped = true
	w.timer.Stop()
	w.mu.Unlock()
	w.cancel()
}

// touchReader rearms a watchdog on every read, so a request body that is
// still being drained by the server keeps the inactivity window open even
// when the transport reports no progress callbacks for it.
type touchReader struct {
	r  io.Reader
	wd *watchdog
}

func (t *touchReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if n > 0 {
		t.wd.touch()
	}
	return n, err
}

func (t *touchReader) Close() error { return nil }

// wrapTransport classifies a transport error. A live parent context means
// the request itself failed; a cancelled parent means pause, cancel or
// shutdown aborted it and the control path already settled the task.
func wrapTransport(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return failf(model.ErrorKindNetwork, "request failed: %v", err)
}

// parseUploadResponse extracts the result URL from a sink response shared
// by the single-shot and merge endpoints.
func parseUploadResponse(resp *req.Resp) (string, error) {
	code := resp.Response().StatusCode
	body := resp.Bytes()

	if code < 200 || code > 299 {
		msg := gjson.GetBytes(body, "message").String()
		if msg == "" {
			return "", failf(model.ErrorKindProtocol, "server returned HTTP %d", code)
		}
		return "", failf(model.ErrorKindProtocol, "server returned HTTP %d: %s", code, msg)
	}
	if !gjson.GetBytes(body, "success").Bool() {
		msg := gjson.GetBytes(body, "message").String()
		if msg == "" {
			msg = "Upload failed"
		}
		return "", failf(model.ErrorKindProtocol, "%s", msg)
	}

	url := gjson.GetBytes(body, "url").String()
	if url == "" {
		return "", failf(model.ErrorKindProtocol, "server response missing url")
	}
	return url, nil
}

// runUpload executes one upload attempt and returns the server-side URL.
func (s *TransferService) runUpload(ctx context.Context, task *model.TransferTask) (string, error) {
	if task.Chunked() {
		return s.runChunkedUpload(ctx, task)
	}
	return s.runSingleShotUpload(ctx, task)
}

// runSingleShotUpload posts the whole file as one multipart request.
func (s *TransferService) runSingleShotUpload(ctx context.Context, task *model.TransferTask) (string, error) {
	file, err := os.Open(task.LocalPath)
	if err != nil {
		return "", failf(model.ErrorKindIO, "failed to open %s: %v", task.LocalPath, err)
	}

	wctx, wd := s.watchCtx(ctx)
	defer wd.stop()

	param := req.Param{}
	if task.ReceiverId != 0 {
		param["receiverId"] = strconv.FormatInt(task.ReceiverId, 10)
	}
	if task.GroupId != 0 {
		param["groupId"] = strconv.FormatInt(task.GroupId, 10)
	}
	if task.MessageId != "" {
		param["messageId"] = task.MessageId
	}

	progress := req.UploadProgress(func(current, total int64) {
		wd.touch()
		s.store.UpdateProgress(task.TaskId, current, 0)
	})

	resp, err := s.client.Post(task.RemoteUrl, wctx, s.header(), param,
		req.FileUpload{File: file, FieldName: "file", FileName: task.FileName},
		progress)
	if err != nil {
		return "", wrapTransport(ctx, err)
	}

	return parseUploadResponse(resp)
}

// runChunkedUpload splits the file into fixed-size chunks, posts each one
// with retries, then asks the sink to merge them. Previously acknowledged
// chunks are skipped so a resumed or retried task only sends the remainder.
func (s *TransferService) runChunkedUpload(ctx context.Context, task *model.TransferTask) (string, error) {
	file, err := os.Open(task.LocalPath)
	if err != nil {
		return "", failf(model.ErrorKindIO, "failed to open %s: %v", task.LocalPath, err)
	}
	defer file.Close()

	committed := task.UploadedChunkCount()
	chunkIds := append([]string(nil), task.CommittedChunkIds...)

	base := int64(committed) * task.ChunkSize
	if base > task.FileSize {
		base = task.FileSize
	}
	if base > 0 {
		s.store.UpdateProgress(task.TaskId, base, 0)
		logrus.WithFields(logrus.Fields{
			"taskId":    task.TaskId,
			"committed": committed,
			"total":     task.TotalChunks,
		}).Info("Resuming chunked upload")
	}

	buf := make([]byte, task.ChunkSize)
	for idx := committed; idx < task.TotalChunks; idx++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		offset := int64(idx) * task.ChunkSize
		n, err := file.ReadAt(buf, offset)
		if err != nil && err != io.EOF {
			return "", failf(model.ErrorKindIO, "failed to read chunk %d of %s: %v", idx, task.LocalPath, err)
		}
		chunk := buf[:n]

		sum := sha256.Sum256(chunk)
		chunkId, err := s.postChunk(ctx, task, idx, chunk, hex.EncodeToString(sum[:]))
		if err != nil {
			return "", err
		}

		chunkIds = append(chunkIds, chunkId)
		s.store.AppendCommittedChunk(task.TaskId, chunkId)
		s.persistResume(task.TaskId)
		s.store.UpdateProgress(task.TaskId, offset+int64(n), 0)
	}

	return s.mergeChunks(ctx, task, chunkIds)
}

// postChunk uploads a single chunk, retrying transient failures in place
// with exponential backoff.
func (s *TransferService) postChunk(ctx context.Context, task *model.TransferTask, idx int, chunk []byte, hash string) (string, error) {
	url := task.RemoteUrl + "/chunk"
	param := req.Param{
		"uploadId":    task.UploadId,
		"chunkIndex":  strconv.Itoa(idx),
		"totalChunks": strconv.Itoa(task.TotalChunks),
		"sha256":      hash,
	}

	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxRetry; attempt++ {
		if attempt > 1 {
			backoff := time.Duration(1<<(attempt-2)) * 500 * time.Millisecond
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
			logrus.WithFields(logrus.Fields{
				"taskId":  task.TaskId,
				"chunk":   idx,
				"attempt": attempt,
			}).Warn("Retrying chunk upload")
		}

		chunkId, err := s.postChunkOnce(ctx, task, url, param, chunk)
		if err == nil {
			return chunkId, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		lastErr = err
	}

	return "", lastErr
}

func (s *TransferService) postChunkOnce(ctx context.Context, task *model.TransferTask, url string, param req.Param, chunk []byte) (string, error) {
	wctx, wd := s.watchCtx(ctx)
	defer wd.stop()

	// The transport only reports progress for plain files, so an in-memory
	// chunk body rearms the watchdog from its reads instead. Byte counters
	// advance once per acknowledged chunk.
	resp, err := s.client.Post(url, wctx, s.header(), param,
		req.FileUpload{
			File:      &touchReader{r: bytes.NewReader(chunk), wd: wd},
			FieldName: "file",
			FileName:  task.FileName,
		})
	if err != nil {
		return "", wrapTransport(ctx, err)
	}

	code := resp.Response().StatusCode
	body := resp.Bytes()
	if code < 200 || code > 299 {
		return "", failf(model.ErrorKindProtocol, "chunk upload returned HTTP %d", code)
	}

	chunkId := gjson.GetBytes(body, "chunkId").String()
	if chunkId == "" {
		return "", failf(model.ErrorKindProtocol, "chunk response missing chunkId")
	}
	return chunkId, nil
}

// mergeChunks asks the sink to assemble the uploaded chunks into the final
// object and returns its URL.
func (s *TransferService) mergeChunks(ctx context.Context, task *model.TransferTask, chunkIds []string) (string, error) {
	payload := map[string]interface{}{
		"uploadId": task.UploadId,
		"chunkIds": chunkIds,
	}
	if task.ReceiverId != 0 {
		payload["receiverId"] = task.ReceiverId
	}
	if task.GroupId != 0 {
		payload["groupId"] = task.GroupId
	}
	if task.MessageId != "" {
		payload["messageId"] = task.MessageId
	}

	wctx, wd := s.watchCtx(ctx)
	defer wd.stop()

	resp, err := s.client.Post(task.RemoteUrl+"/merge", wctx, s.header(), req.BodyJSON(payload))
	if err != nil {
		return "", wrapTransport(ctx, err)
	}

	return parseUploadResponse(resp)
}

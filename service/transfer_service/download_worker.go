package transfer_service

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/imroc/req"
	"github.com/tidwall/gjson"

	"qkchat-transfer/model"
)

// runDownload fetches the remote file to the task's destination path and
// returns the local path as the result.
func (s *TransferService) runDownload(ctx context.Context, task *model.TransferTask) (string, error) {
	if err := os.MkdirAll(filepath.Dir(task.LocalPath), 0755); err != nil {
		return "", failf(model.ErrorKindIO, "failed to create %s: %v", filepath.Dir(task.LocalPath), err)
	}

	wctx, wd := s.watchCtx(ctx)
	defer wd.stop()

	progress := req.DownloadProgress(func(current, total int64) {
		wd.touch()
		s.store.UpdateProgress(task.TaskId, current, total)
	})

	resp, err := s.client.Get(task.RemoteUrl, wctx, s.header(), progress)
	if err != nil {
		return "", wrapTransport(ctx, err)
	}

	code := resp.Response().StatusCode
	if code < 200 || code > 299 {
		// Bytes drains and closes the error body, releasing the connection.
		body := resp.Bytes()
		msg := gjson.GetBytes(body, "message").String()
		if msg == "" {
			return "", failf(model.ErrorKindProtocol, "server returned HTTP %d", code)
		}
		return "", failf(model.ErrorKindProtocol, "server returned HTTP %d: %s", code, msg)
	}

	if err := resp.ToFile(task.LocalPath); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		var pathErr *os.PathError
		if errors.As(err, &pathErr) {
			return "", failf(model.ErrorKindIO, "failed to write %s: %v", task.LocalPath, err)
		}
		return "", failf(model.ErrorKindNetwork, "download interrupted: %v", err)
	}

	return task.LocalPath, nil
}

package model

import "time"

// ResumeState is the journal record persisted for a chunked upload so the
// task can resume at chunk granularity after an interruption or a process
// restart. It is written after every acknowledged chunk and deleted when the
// task reaches Completed or Cancelled.
type ResumeState struct {
	TaskId            string    `json:"task_id"`
	UploadId          string    `json:"upload_id"`
	LocalPath         string    `json:"local_path"`
	RemoteUrl         string    `json:"remote_url"`
	FileSize          int64     `json:"file_size"`
	ChunkSize         int64     `json:"chunk_size"`
	TotalChunks       int       `json:"total_chunks"`
	CommittedChunkIds []string  `json:"committed_chunk_ids"`
	ReceiverId        int64     `json:"receiver_id"`
	GroupId           int64     `json:"group_id"`
	MessageId         string    `json:"message_id"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// FromTask builds a journal record from the task's current chunk bookkeeping.
func (r *ResumeState) FromTask(t *TransferTask) {
	r.TaskId = t.TaskId
	r.UploadId = t.UploadId
	r.LocalPath = t.LocalPath
	r.RemoteUrl = t.RemoteUrl
	r.FileSize = t.FileSize
	r.ChunkSize = t.ChunkSize
	r.TotalChunks = t.TotalChunks
	r.CommittedChunkIds = append([]string(nil), t.CommittedChunkIds...)
	r.ReceiverId = t.ReceiverId
	r.GroupId = t.GroupId
	r.MessageId = t.MessageId
	r.UpdatedAt = time.Now()
}

package model

import "time"

// TaskKind distinguishes the two transfer directions.
type TaskKind string

const (
	TaskKindUpload   TaskKind = "upload"
	TaskKindDownload TaskKind = "download"
)

// TaskStatus is the lifecycle state of a transfer task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"   // Waiting in the admission queue
	TaskStatusRunning   TaskStatus = "running"   // Occupying an active slot
	TaskStatusPaused    TaskStatus = "paused"    // Suspended by the user
	TaskStatusCompleted TaskStatus = "completed" // Finished, result URL available
	TaskStatusFailed    TaskStatus = "failed"    // Finished with a typed error
	TaskStatusCancelled TaskStatus = "cancelled" // Aborted by the user
)

// Terminal reports whether no further progress events follow this status.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// ErrorKind classifies a task failure independently of transport codes.
type ErrorKind string

const (
	ErrorKindInvalidInput ErrorKind = "invalid_input" // missing file, too large, unreadable path
	ErrorKindIO           ErrorKind = "io_error"      // local open/read/write failure
	ErrorKindNetwork      ErrorKind = "network"       // connect, timeout, TLS, transport-level
	ErrorKindProtocol     ErrorKind = "protocol"      // non-2xx, malformed JSON, success:false
	ErrorKindCancelled    ErrorKind = "cancelled"     // user-initiated
)

// legalTransitions is the status transition table. Failed may re-enter
// Pending via retry; Completed and Cancelled are absorbing.
var legalTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusPending: {TaskStatusRunning, TaskStatusCancelled},
	TaskStatusRunning: {TaskStatusPaused, TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled},
	TaskStatusPaused:  {TaskStatusPending, TaskStatusCancelled},
	TaskStatusFailed:  {TaskStatusPending},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to TaskStatus) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransferTask represents one submitted upload or download.
type TransferTask struct {
	TaskId string     `json:"task_id"`
	Kind   TaskKind   `json:"kind"`
	Status TaskStatus `json:"status"`

	// File info
	LocalPath string `json:"local_path"` // source for upload, destination for download
	RemoteUrl string `json:"remote_url"` // upload endpoint or download source
	FileName  string `json:"file_name"`  // basename of the local path

	// Progress
	FileSize    int64 `json:"file_size"`
	Transferred int64 `json:"transferred"`
	Progress    int   `json:"progress"` // percent, 0..100

	// Routing hints, forwarded verbatim as form fields. Zero means omit.
	ReceiverId int64  `json:"receiver_id"`
	GroupId    int64  `json:"group_id"`
	MessageId  string `json:"message_id"`

	// Chunked upload bookkeeping
	UploadId          string   `json:"upload_id"`
	ChunkSize         int64    `json:"chunk_size"`
	TotalChunks       int      `json:"total_chunks"`
	CommittedChunkIds []string `json:"committed_chunk_ids"`

	// Result info
	ResultUrl    string    `json:"result_url"`
	ErrorKind    ErrorKind `json:"error_kind,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`

	// Timestamps
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at"`
}

// UploadedChunkCount returns the number of server-acknowledged chunks.
func (t *TransferTask) UploadedChunkCount() int {
	return len(t.CommittedChunkIds)
}

// Chunked reports whether this upload takes the chunked path.
func (t *TransferTask) Chunked() bool {
	return t.Kind == TaskKindUpload && t.ChunkSize > 0 && t.FileSize > 2*t.ChunkSize
}

// Clone returns a deep copy safe to hand outside the store.
func (t *TransferTask) Clone() *TransferTask {
	c := *t
	if t.CommittedChunkIds != nil {
		c.CommittedChunkIds = append([]string(nil), t.CommittedChunkIds...)
	}
	if t.StartedAt != nil {
		started := *t.StartedAt
		c.StartedAt = &started
	}
	if t.FinishedAt != nil {
		finished := *t.FinishedAt
		c.FinishedAt = &finished
	}
	return &c
}

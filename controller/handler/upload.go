package handler

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
	"sync"

	"qkchat-transfer/controller/respond"
	"qkchat-transfer/database"
	"qkchat-transfer/storage"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// avatarMessageId is the messageId value designating an avatar upload.
const avatarMessageId = "avatar"

// multipartSession tracks one client chunked upload between its first chunk
// and the merge request.
type multipartSession struct {
	key         string // storage key of the final object
	backendId   string // backend multipart uploadId
	totalChunks int
}

// UploadHandler serves the sink endpoints: single-shot upload, chunk upload,
// merge, and file retrieval.
type UploadHandler struct {
	stor    storage.Storage
	baseUrl string

	mu       sync.Mutex
	sessions map[string]*multipartSession // client uploadId -> session
}

// NewUploadHandler creates an upload handler. baseUrl prefixes result URLs;
// when empty the returned URLs are host-relative.
func NewUploadHandler(stor storage.Storage, baseUrl string) *UploadHandler {
	return &UploadHandler{
		stor:     stor,
		baseUrl:  strings.TrimSuffix(baseUrl, "/"),
		sessions: make(map[string]*multipartSession),
	}
}

func (h *UploadHandler) fileUrl(key string) string {
	return h.baseUrl + "/files/" + key
}

// keyFor derives the storage key from the routing hints and content hash.
// Avatars get their own prefix so the client can address them directly.
func keyFor(messageId, fileHash, fileName string) string {
	prefix := "msg"
	if messageId == avatarMessageId {
		prefix = "avatar"
	}
	return fmt.Sprintf("%s/%s_%s", prefix, fileHash[:16], path.Base(fileName))
}

// Upload handles the single-shot multipart upload.
//
// POST /api/upload, fields: file (required), receiverId, groupId, messageId.
func (h *UploadHandler) Upload(c *gin.Context) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		respond.UploadFail(c, 400, "file is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		respond.UploadFail(c, 400, "failed to read file")
		return
	}

	messageId := c.PostForm("messageId")
	sum := sha256.Sum256(data)
	fileHash := hex.EncodeToString(sum[:])

	// Identical content already stored: hand back the cached URL.
	if cached := database.LookupResultUrl(fileHash); cached != "" {
		respond.UploadOk(c, cached)
		return
	}

	key := keyFor(messageId, fileHash, header.Filename)
	if err := h.stor.Save(key, data); err != nil {
		logrus.WithFields(logrus.Fields{
			"key":   key,
			"error": err.Error(),
		}).Error("Failed to store uploaded file")
		respond.UploadFail(c, 500, "failed to store file")
		return
	}

	url := h.fileUrl(key)
	database.CacheResultUrl(fileHash, url)

	logrus.WithFields(logrus.Fields{
		"key":         key,
		"size":        len(data),
		"receiver_id": c.PostForm("receiverId"),
		"group_id":    c.PostForm("groupId"),
		"message_id":  messageId,
	}).Info("File uploaded")

	respond.UploadOk(c, url)
}

// UploadChunk handles one chunk of a chunked upload.
//
// POST /api/upload/chunk, fields: uploadId, chunkIndex, totalChunks, sha256,
// file. Responds with the chunk id the merge request must name.
func (h *UploadHandler) UploadChunk(c *gin.Context) {
	uploadId := c.PostForm("uploadId")
	if uploadId == "" {
		respond.UploadFail(c, 400, "uploadId is required")
		return
	}

	chunkIndex, err := strconv.Atoi(c.PostForm("chunkIndex"))
	if err != nil || chunkIndex < 0 {
		respond.UploadFail(c, 400, "invalid chunkIndex")
		return
	}
	totalChunks, err := strconv.Atoi(c.PostForm("totalChunks"))
	if err != nil || totalChunks <= 0 || chunkIndex >= totalChunks {
		respond.UploadFail(c, 400, "invalid totalChunks")
		return
	}

	file, header, err := c.Request.FormFile("file")
	if err != nil {
		respond.UploadFail(c, 400, "file is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		respond.UploadFail(c, 400, "failed to read chunk")
		return
	}

	sum := sha256.Sum256(data)
	if !strings.EqualFold(hex.EncodeToString(sum[:]), c.PostForm("sha256")) {
		respond.UploadFail(c, 400, "chunk hash mismatch")
		return
	}

	session, err := h.session(uploadId, header.Filename, totalChunks)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"upload_id": uploadId,
			"error":     err.Error(),
		}).Error("Failed to open multipart session")
		respond.UploadFail(c, 500, "failed to initiate upload")
		return
	}

	// Parts are 1-based in the storage backends.
	etag, err := h.stor.UploadPart(session.key, session.backendId, chunkIndex+1, data)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"upload_id":   uploadId,
			"chunk_index": chunkIndex,
			"error":       err.Error(),
		}).Error("Failed to store chunk")
		respond.UploadFail(c, 500, "failed to store chunk")
		return
	}

	c.JSON(200, respond.ChunkResponse{ChunkId: etag})
}

// session returns the multipart session for a client uploadId, creating it
// and the backend upload on first use.
func (h *UploadHandler) session(uploadId, fileName string, totalChunks int) (*multipartSession, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if session, ok := h.sessions[uploadId]; ok {
		return session, nil
	}

	key := fmt.Sprintf("msg/%s_%s", uploadId, path.Base(fileName))
	backendId, err := h.stor.InitiateMultipartUpload(key)
	if err != nil {
		return nil, err
	}

	session := &multipartSession{key: key, backendId: backendId, totalChunks: totalChunks}
	h.sessions[uploadId] = session
	return session, nil
}

// MergeRequest is the JSON body of the merge endpoint.
type MergeRequest struct {
	UploadId   string   `json:"uploadId" binding:"required"`
	ChunkIds   []string `json:"chunkIds" binding:"required"`
	ReceiverId int64    `json:"receiverId"`
	GroupId    int64    `json:"groupId"`
	MessageId  string   `json:"messageId"`
}

// MergeChunks assembles the committed chunks into the final object.
//
// POST /api/upload/merge. ChunkIds must be in chunk-index order.
func (h *UploadHandler) MergeChunks(c *gin.Context) {
	var body MergeRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		respond.UploadFail(c, 400, "invalid merge request")
		return
	}

	h.mu.Lock()
	session, ok := h.sessions[body.UploadId]
	h.mu.Unlock()
	if !ok {
		respond.UploadFail(c, 404, "unknown uploadId")
		return
	}
	if len(body.ChunkIds) != session.totalChunks {
		respond.UploadFail(c, 400, "chunk count mismatch")
		return
	}

	parts := make([]storage.PartInfo, 0, len(body.ChunkIds))
	for i, chunkId := range body.ChunkIds {
		parts = append(parts, storage.PartInfo{PartNumber: i + 1, ETag: chunkId})
	}

	if err := h.stor.CompleteMultipartUpload(session.key, session.backendId, parts); err != nil {
		logrus.WithFields(logrus.Fields{
			"upload_id": body.UploadId,
			"key":       session.key,
			"error":     err.Error(),
		}).Error("Failed to merge chunks")
		respond.UploadFail(c, 500, "failed to merge chunks")
		return
	}

	h.mu.Lock()
	delete(h.sessions, body.UploadId)
	h.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"upload_id": body.UploadId,
		"key":       session.key,
		"chunks":    len(body.ChunkIds),
	}).Info("Chunked upload merged")

	respond.UploadOk(c, h.fileUrl(session.key))
}

// GetFile serves a stored object.
//
// GET /files/*key
func (h *UploadHandler) GetFile(c *gin.Context) {
	key := strings.TrimPrefix(c.Param("key"), "/")

	data, err := h.stor.Get(key)
	if err != nil {
		if err == storage.ErrNotFound {
			respond.UploadFail(c, 404, "file not found")
			return
		}
		respond.UploadFail(c, 500, "failed to read file")
		return
	}

	c.Data(200, "application/octet-stream", data)
}

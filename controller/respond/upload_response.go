package respond

import "github.com/gin-gonic/gin"

// UploadResponse is the wire response of the upload and merge endpoints.
type UploadResponse struct {
	Success bool   `json:"success"`
	Url     string `json:"url"`
	Message string `json:"message,omitempty"`
}

// ChunkResponse acknowledges one uploaded chunk.
type ChunkResponse struct {
	ChunkId string `json:"chunkId"`
}

// UploadOk writes a successful upload response with the stored URL.
func UploadOk(c *gin.Context, url string) {
	c.JSON(200, UploadResponse{Success: true, Url: url})
}

// UploadFail writes a failed upload response with the given HTTP status.
func UploadFail(c *gin.Context, status int, message string) {
	c.JSON(status, UploadResponse{Success: false, Message: message})
}

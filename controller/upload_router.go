package controller

import (
	"qkchat-transfer/controller/handler"
	"qkchat-transfer/storage"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// SetupUploadRouter builds the sink server router: the upload endpoints the
// transfer engine talks to plus file retrieval.
func SetupUploadRouter(stor storage.Storage, publicBaseUrl string) *gin.Engine {
	r := gin.Default()

	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Content-Length", "Accept-Encoding", "Authorization", "Accept", "Cache-Control"},
		ExposeHeaders:    []string{"Content-Length", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * 3600,
	}))

	uploadHandler := handler.NewUploadHandler(stor, publicBaseUrl)

	api := r.Group("/api")
	{
		api.POST("/upload", uploadHandler.Upload)
		api.POST("/upload/chunk", uploadHandler.UploadChunk)
		api.POST("/upload/merge", uploadHandler.MergeChunks)
	}

	r.GET("/files/*key", uploadHandler.GetFile)

	return r
}

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"qkchat-transfer/conf"
	"qkchat-transfer/controller"
	"qkchat-transfer/database"
	"qkchat-transfer/storage"
)

var ENV string

func init() {
	flag.StringVar(&ENV, "env", "loc", "Environment: loc/dev/prod")
}

func main() {
	srv, cleanup := initAll()
	defer cleanup()

	go startServer(srv)
	log.Println("File sink service started successfully")

	waitForShutdown()

	log.Println("Shutting down file sink service...")
	shutdownServer(srv)
	log.Println("Server exited")
}

// initEnv set environment
func initEnv() {
	if ENV == "loc" {
		conf.SystemEnvironmentEnum = conf.LocalEnvironmentEnum
	} else if ENV == "dev" {
		conf.SystemEnvironmentEnum = conf.DevEnvironmentEnum
	} else if ENV == "prod" {
		conf.SystemEnvironmentEnum = conf.ProdEnvironmentEnum
	}
	fmt.Printf("Environment: %s\n", ENV)
}

// initAll initialize all components
func initAll() (*http.Server, func()) {
	flag.Parse()
	initEnv()

	if err := conf.InitConfig(); err != nil {
		log.Fatalf("Failed to initialize config: %v", err)
	}
	log.Printf("Configuration loaded: env=%s, port=%s", ENV, conf.Cfg.Server.Port)

	// Redis is optional, a failed init just disables the dedupe cache
	if err := database.InitRedis(); err != nil {
		log.Printf("Redis initialization failed (dedupe cache disabled): %v", err)
	}

	stor, err := storage.NewStorage()
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}
	log.Printf("Storage initialized: type=%s", conf.Cfg.Server.Storage.Type)

	router := controller.SetupUploadRouter(stor, conf.Cfg.Server.PublicBaseUrl)

	srv := &http.Server{
		Addr:    ":" + conf.Cfg.Server.Port,
		Handler: router,
	}

	cleanup := func() {
		if err := database.CloseRedis(); err != nil {
			log.Printf("Failed to close Redis: %v", err)
		}
	}

	return srv, cleanup
}

// startServer start HTTP server
func startServer(srv *http.Server) {
	log.Printf("File sink service starting on port %s...", conf.Cfg.Server.Port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// waitForShutdown wait for shutdown signal
func waitForShutdown() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
}

// shutdownServer gracefully shutdown server
func shutdownServer(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}
}

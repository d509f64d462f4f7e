package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"

	"qkchat-transfer/conf"
	"qkchat-transfer/database"
	"qkchat-transfer/model"
	"qkchat-transfer/service/transfer_service"
)

var (
	ENV        string
	uploadPath string
	downloadTo string
	receiverId int64
	groupId    int64
	messageId  string
)

func init() {
	flag.StringVar(&ENV, "env", "loc", "Environment: loc/dev/prod")
	flag.StringVar(&uploadPath, "upload", "", "Local file to upload (repeatable via comma)")
	flag.StringVar(&downloadTo, "download", "", "Remote URL to download")
	flag.Int64Var(&receiverId, "receiver", 0, "Receiver id forwarded with the upload")
	flag.Int64Var(&groupId, "group", 0, "Group id forwarded with the upload")
	flag.StringVar(&messageId, "message", "", "Message id forwarded with the upload (\"avatar\" marks an avatar)")
}

func main() {
	flag.Parse()
	initEnv()

	if err := conf.InitConfig(); err != nil {
		log.Fatalf("Failed to initialize config: %v", err)
	}

	if uploadPath == "" && downloadTo == "" {
		fmt.Println("Nothing to do: pass -upload <file> or -download <url>")
		flag.Usage()
		os.Exit(2)
	}

	var resume database.ResumeStore
	if conf.Cfg.Transfer.DataDir != "" {
		store, err := database.NewPebbleResumeStore(conf.Cfg.Transfer.DataDir)
		if err != nil {
			log.Fatalf("Failed to open resume journal: %v", err)
		}
		defer store.Close()
		resume = store
	}

	engine := transfer_service.NewTransferService(conf.Cfg.Transfer, resume)
	engine.Start()
	defer engine.Stop()

	events, unsubscribe := engine.Subscribe()
	defer unsubscribe()

	pending := make(map[string]bool)

	if uploadPath != "" {
		taskId, err := engine.SubmitUpload(uploadPath, transfer_service.UploadOptions{
			ReceiverId: receiverId,
			GroupId:    groupId,
			MessageId:  messageId,
		})
		if err != nil {
			log.Fatalf("Upload rejected: %v", err)
		}
		pending[taskId] = true
	}

	if downloadTo != "" {
		taskId, err := engine.SubmitDownload(downloadTo, "")
		if err != nil {
			log.Fatalf("Download rejected: %v", err)
		}
		pending[taskId] = true
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	watchTransfers(engine, events, pending, sigChan)
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
}

// watchTransfers renders progress until every submitted task settles or
// the user interrupts, which cancels whatever is still in flight.
func watchTransfers(engine *transfer_service.TransferService, events <-chan transfer_service.Event, pending map[string]bool, sigChan <-chan os.Signal) {
	bars := make(map[string]*progressbar.ProgressBar)
	failed := false

	for len(pending) > 0 {
		select {
		case <-sigChan:
			fmt.Println("\nInterrupted, cancelling transfers...")
			for taskId := range pending {
				if err := engine.Cancel(taskId); err != nil {
					log.Printf("Failed to cancel task %s: %v", taskId, err)
				}
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !pending[ev.TaskId] {
				continue
			}

			switch ev.Type {
			case transfer_service.EventStarted:
				bars[ev.TaskId] = newBar(engine, ev.TaskId, ev.Total)
			case transfer_service.EventProgress:
				if bar := bars[ev.TaskId]; bar != nil {
					_ = bar.Set64(ev.Transferred)
				}
			case transfer_service.EventCompleted:
				finishBar(bars, ev.TaskId)
				fmt.Printf("Completed: %s\n", ev.ResultUrl)
				delete(pending, ev.TaskId)
			case transfer_service.EventFailed:
				finishBar(bars, ev.TaskId)
				fmt.Printf("Failed (%s): %s\n", ev.ErrorKind, ev.ErrorMessage)
				failed = true
				delete(pending, ev.TaskId)
			case transfer_service.EventCancelled:
				finishBar(bars, ev.TaskId)
				fmt.Println("Cancelled")
				delete(pending, ev.TaskId)
			}
		}
	}

	if failed {
		os.Exit(1)
	}
}

func newBar(engine *transfer_service.TransferService, taskId string, total int64) *progressbar.ProgressBar {
	description := "Transferring"
	if task, err := engine.Task(taskId); err == nil {
		description = fmt.Sprintf("%s %s", verbFor(task.Kind), task.FileName)
	}

	return progressbar.NewOptions64(
		total,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWidth(50),
		progressbar.OptionShowBytes(true),
		progressbar.OptionShowCount(),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionSetRenderBlankState(true),
	)
}

func verbFor(kind model.TaskKind) string {
	if kind == model.TaskKindDownload {
		return "Downloading"
	}
	return "Uploading"
}

func finishBar(bars map[string]*progressbar.ProgressBar, taskId string) {
	if bar := bars[taskId]; bar != nil {
		_ = bar.Finish()
		fmt.Println()
		delete(bars, taskId)
	}
}

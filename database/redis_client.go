package database

import (
	"context"
	"fmt"
	"time"

	"qkchat-transfer/conf"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

var (
	// RedisClient is nil when the dedupe cache is disabled or unreachable.
	RedisClient *redis.Client
	ctx         = context.Background()
)

// InitRedis initializes the optional content-hash dedupe cache for the sink
// server. A disabled or unreachable redis only disables deduplication.
func InitRedis() error {
	if !conf.Cfg.Server.Redis.Enabled {
		logrus.Debug("Redis dedupe cache is disabled")
		return nil
	}

	RedisClient = redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", conf.Cfg.Server.Redis.Host, conf.Cfg.Server.Redis.Port),
		Password: conf.Cfg.Server.Redis.Password,
		DB:       conf.Cfg.Server.Redis.DB,
	})

	if err := RedisClient.Ping(ctx).Err(); err != nil {
		logrus.WithField("error", err.Error()).Warn("Failed to connect to Redis, dedupe cache disabled")
		RedisClient = nil
		return err
	}

	logrus.WithFields(logrus.Fields{
		"host": conf.Cfg.Server.Redis.Host,
		"port": conf.Cfg.Server.Redis.Port,
		"db":   conf.Cfg.Server.Redis.DB,
	}).Info("Redis dedupe cache connected")
	return nil
}

// CloseRedis closes the redis connection if one was established.
func CloseRedis() error {
	if RedisClient != nil {
		return RedisClient.Close()
	}
	return nil
}

// CacheResultUrl remembers the stored URL for a file content hash.
func CacheResultUrl(fileHash, url string) {
	if RedisClient == nil {
		return
	}

	ttl := 300 * time.Second
	if conf.Cfg != nil {
		ttl = time.Duration(conf.Cfg.Server.Redis.CacheTTL) * time.Second
	}
	if err := RedisClient.Set(ctx, "filehash:"+fileHash, url, ttl).Err(); err != nil {
		logrus.WithFields(logrus.Fields{
			"file_hash": fileHash,
			"error":     err.Error(),
		}).Warn("Failed to cache result URL")
	}
}

// LookupResultUrl returns the cached URL for a content hash, or "" on miss.
func LookupResultUrl(fileHash string) string {
	if RedisClient == nil {
		return ""
	}

	url, err := RedisClient.Get(ctx, "filehash:"+fileHash).Result()
	if err != nil {
		if err != redis.Nil {
			logrus.WithFields(logrus.Fields{
				"file_hash": fileHash,
				"error":     err.Error(),
			}).Warn("Failed to look up result URL")
		}
		return ""
	}

	return url
}

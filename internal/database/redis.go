package database

import (
	"context"
	"log"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/viper"
)

// InitRedis connects the optional redis client backing idempotency records,
// pending recharge charges and the auth token denylist. Returns nil when
// redis is unreachable; callers degrade to in-memory behavior.
func InitRedis() *redis.Client {
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", "6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	addr := viper.GetString("redis.host") + ":" + viper.GetString("redis.port")
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: viper.GetString("redis.password"),
		DB:       viper.GetInt("redis.db"),
	})

	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Printf("[Redis] Connection to %s failed, continuing without Redis: %v", addr, err)
		return nil
	}

	log.Printf("[Redis] Connected to %s", addr)
	return rdb
}

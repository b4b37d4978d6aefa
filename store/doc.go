// Package store groups the task.Store snapshot backends.
//
// The persistence contract itself lives in [task.Store]: SaveTask,
// UpdateTask, DeleteTask, GetTask, LoadTasks, Ping, Close. Persistence
// is a snapshot, not a write-ahead log — the queue calls the hooks on a
// best-effort basis and only named tasks round-trip through a restore.
//
// # Available Backends
//
//   - store/memory — in-memory store for development and testing
//   - store/redis — Redis backend, msgpack-encoded snapshots
//
// # Usage
//
//	import (
//	    goredis "github.com/redis/go-redis/v9"
//	    redisstore "github.com/keelhq/keel/store/redis"
//	)
//
//	client := goredis.NewClient(&goredis.Options{Addr: "localhost:6379"})
//	s := redisstore.New(client)
//
//	q, err := queue.New(keel.DefaultConfig(), queue.WithStore(s))
package store

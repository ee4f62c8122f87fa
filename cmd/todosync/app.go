package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mschirtzinger/todosync/internal/config"
	"github.com/mschirtzinger/todosync/internal/jobs"
	"github.com/mschirtzinger/todosync/internal/model"
	"github.com/mschirtzinger/todosync/internal/remote"
	"github.com/mschirtzinger/todosync/internal/store"
	todosync "github.com/mschirtzinger/todosync/internal/sync"
)

var errNoAccount = errors.New("no sync account configured (run: todosync account set <email>)")

func openStore() (*store.Store, error) {
	return store.Open(cfg.DBPath,
		store.WithPollInterval(cfg.Watch.PollInterval),
		store.WithLogger(logger))
}

// newConnector returns the remote connector selected by the config and a
// function releasing it.
func newConnector(ctx context.Context) (remote.Connector, func(), error) {
	switch cfg.Remote.Backend {
	case config.RemoteMemory:
		return remote.NewMemoryConnector(), func() {}, nil
	case config.RemoteRedis:
		c, err := remote.NewRedisConnector(ctx, cfg.Remote.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return c, func() { _ = c.Close() }, nil
	default:
		return remote.DirConnector{Root: cfg.Remote.Dir}, func() {}, nil
	}
}

func newQueue() (jobs.Queue, error) {
	if cfg.Queue.Backend == config.QueueRabbitMQ {
		q, err := jobs.NewRabbitMQQueue(cfg.Queue.AMQPURL, logger.Named("jobs"))
		if err != nil {
			return nil, err
		}
		return q, nil
	}
	return jobs.NewMemoryQueue(), nil
}

func newOrchestrator(st *store.Store, conn remote.Connector, sched todosync.Scheduler) *todosync.Orchestrator {
	return todosync.New(todosync.Config{
		Prefs:     st,
		Store:     st,
		Connector: conn,
		Scheduler: sched,
		Logger:    logger,
	})
}

func requireAccount(ctx context.Context, st *store.Store) (string, error) {
	account, err := st.SyncAccount(ctx)
	if err != nil {
		return "", err
	}
	if account == "" {
		return "", errNoAccount
	}
	return account, nil
}

// resolveTask finds the active task whose id starts with ref.
func resolveTask(snap model.Snapshot, ref string) (model.Task, error) {
	var found []model.Task
	for _, t := range snap.ActiveTasks() {
		if t.ID == ref {
			return t, nil
		}
		if strings.HasPrefix(t.ID, ref) {
			found = append(found, t)
		}
	}
	switch len(found) {
	case 0:
		return model.Task{}, fmt.Errorf("no task matches %q", ref)
	case 1:
		return found[0], nil
	default:
		return model.Task{}, fmt.Errorf("%q matches %d tasks, use a longer id", ref, len(found))
	}
}

// resolveTag finds the active tag whose id starts with ref or whose name is
// ref.
func resolveTag(snap model.Snapshot, ref string) (model.Tag, error) {
	var found []model.Tag
	for _, t := range snap.ActiveTags() {
		if t.ID == ref || t.Name == ref {
			return t, nil
		}
		if strings.HasPrefix(t.ID, ref) {
			found = append(found, t)
		}
	}
	switch len(found) {
	case 0:
		return model.Tag{}, fmt.Errorf("no tag matches %q", ref)
	case 1:
		return found[0], nil
	default:
		return model.Tag{}, fmt.Errorf("%q matches %d tags, use a longer id", ref, len(found))
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

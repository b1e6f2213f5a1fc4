package main

import (
	"context"
	"errors"
	"fmt"

	"capsched/internal/calendar"
	"capsched/internal/config"
	"capsched/internal/ics"
	appLog "capsched/internal/log"
	"capsched/internal/notify"
	"capsched/internal/scheduler"
	"capsched/internal/store"
)

// app bundles the scheduling service with the resources it was built from.
type app struct {
	cfg      *config.Config
	svc      *scheduler.Service
	store    store.EventStore
	notifier notify.Notifier
	redis    *calendar.RedisBackend
}

// openApp wires store, calendar cache, notifier and service from cfg.
func openApp(ctx context.Context, cfg *config.Config) (*app, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg}

	switch cfg.Store.Driver {
	case config.DriverMemory:
		a.store = store.NewMemoryStore()
	case config.DriverSQLite, config.DriverPostgres:
		s, err := store.Open(cfg.Store.Driver, cfg.Store.DSN, store.SQLConfig{
			BusyTimeout:  cfg.Store.BusyTimeout,
			MaxOpenConns: cfg.Store.MaxOpenConns,
		})
		if err != nil {
			return nil, err
		}
		a.store = s
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Store.Driver)
	}

	var backend calendar.Backend
	if cfg.Cache.Backend == config.CacheRedis {
		rb, err := calendar.NewRedisBackend(ctx, calendar.RedisConfig{
			Addr:     cfg.Cache.Redis.Addr,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
			Prefix:   cfg.Cache.Redis.Prefix,
			TTL:      cfg.Cache.CalendarTTL,
		})
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.redis = rb
		backend = rb
	}

	a.notifier = notify.Nop{}
	if m := cfg.Notify.MQTT; m != nil && m.Broker != "" {
		n, err := notify.NewMQTTNotifier(notify.MQTTConfig{
			Broker:      m.Broker,
			ClientID:    m.ClientID,
			TopicPrefix: m.TopicPrefix,
			QoS:         byte(m.QoS),
		})
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.notifier = n
	}

	a.svc, err = scheduler.New(scheduler.Options{
		Store:     a.store,
		Calendars: calendar.New(backend, nil),
		Notifier:  a.notifier,
		Expand: ics.ExpandConfig{
			Location:       loc,
			MaxOccurrences: cfg.Recurrence.MaxOccurrences,
			MatchTolerance: cfg.Recurrence.MatchTolerance,
		},
		IDRetries: cfg.IDs.MaxRetries,
		EventsTTL: cfg.Cache.EventsTTL,
		ProductID: cfg.ProductID,
	})
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	appLog.Info("scheduler ready",
		"store", cfg.Store.Driver,
		"cache", cfg.Cache.Backend,
		"timezone", loc.String(),
		"mqtt", cfg.Notify.MQTT != nil && cfg.Notify.MQTT.Broker != "",
	)
	return a, nil
}

// Close releases every resource that was opened.
func (a *app) Close() error {
	var errs []error
	if a.notifier != nil {
		errs = append(errs, a.notifier.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}

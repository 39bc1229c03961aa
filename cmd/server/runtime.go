package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/kisaan/fulfillment-engine/catalog"
	"github.com/kisaan/fulfillment-engine/config"
	"github.com/kisaan/fulfillment-engine/engine"
	"github.com/kisaan/fulfillment-engine/factory"
	"github.com/kisaan/fulfillment-engine/fulfillment"
	"github.com/kisaan/fulfillment-engine/generic"
	"github.com/kisaan/fulfillment-engine/market"
	"github.com/kisaan/fulfillment-engine/notify"
	"github.com/kisaan/fulfillment-engine/restock"
	"github.com/kisaan/fulfillment-engine/store/memory"
	ledgerredis "github.com/kisaan/fulfillment-engine/store/redis"
	"github.com/kisaan/fulfillment-engine/store/sqlite"
	"github.com/redis/go-redis/v9"
)

// eventHistory is how many events GET /api/events can show.
const eventHistory = 500

// runtime is everything a subcommand needs, built from config.
type runtime struct {
	cfg      config.Config
	catalog  *market.Catalog
	engine   *engine.Engine
	bus      *notify.Bus
	recorder *notify.Recorder

	resets  []func(ctx context.Context) error
	closers []func() error
}

type records struct {
	offers   fulfillment.Repository
	orders   catalog.Repository
	restocks restock.Repository
}

func newRuntime(ctx context.Context, cfg config.Config) (_ *runtime, err error) {
	rt := &runtime{cfg: cfg, catalog: market.NewCatalog()}
	defer func() {
		if err != nil {
			rt.Close()
		}
	}()

	if cfg.CatalogSeed != "" {
		n, err := factory.LoadFile(rt.catalog, cfg.CatalogSeed)
		if err != nil {
			return nil, err
		}
		log.Printf("Loaded %d catalog records from %s", n, cfg.CatalogSeed)
	}

	var store *sqlite.Store
	if cfg.LedgerBackend == config.BackendSQLite || cfg.RecordBackend == config.BackendSQLite {
		if store, err = openSQLite(cfg.DBPath); err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, store.Close)
		rt.resets = append(rt.resets, store.Reset)
	}

	ledger, err := rt.ledgerStore(ctx, store)
	if err != nil {
		return nil, err
	}
	recs := rt.recordStores(store)

	rt.bus = notify.NewBus(cfg.Notify.Buffer)
	rt.closers = append(rt.closers, func() error { rt.bus.Close(); return nil })
	if rt.recorder, err = notify.Record(rt.bus, "recorder", eventHistory); err != nil {
		return nil, err
	}

	rt.engine = engine.New(engine.Deps{
		Ledger:        ledger,
		Offers:        recs.offers,
		CatalogOrders: recs.orders,
		RestockOrders: recs.restocks,
		Listings:      rt.catalog,
		Products:      rt.catalog,
		Events:        rt.bus,
		Retry: generic.RetryPolicy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay,
			MaxDelay:    cfg.Retry.MaxDelay,
		},
		OrphanGrace: cfg.Auditor.OrphanGrace,
	})
	return rt, nil
}

func openSQLite(path string) (*sqlite.Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}
	store, err := sqlite.New(path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return store, nil
}

func (rt *runtime) ledgerStore(ctx context.Context, store *sqlite.Store) (generic.LedgerStore, error) {
	switch rt.cfg.LedgerBackend {
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     rt.cfg.Redis.Addr,
			Password: rt.cfg.Redis.Password,
			DB:       rt.cfg.Redis.DB,
		})
		rt.closers = append(rt.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connecting to redis at %s: %w", rt.cfg.Redis.Addr, err)
		}
		l := ledgerredis.NewLedger(client, ledgerredis.DefaultPrefix)
		rt.resets = append(rt.resets, l.Reset)
		return l, nil
	case config.BackendMemory:
		l := memory.NewLedger()
		rt.resets = append(rt.resets, func(context.Context) error { l.Reset(); return nil })
		return l, nil
	}
	return store.Ledger(), nil
}

func (rt *runtime) recordStores(store *sqlite.Store) records {
	if rt.cfg.RecordBackend == config.BackendMemory {
		offers, orders, restocks := memory.NewOffers(), memory.NewCatalogOrders(), memory.NewRestockOrders()
		rt.resets = append(rt.resets, func(context.Context) error {
			offers.Reset()
			orders.Reset()
			restocks.Reset()
			return nil
		})
		return records{offers: offers, orders: orders, restocks: restocks}
	}
	return records{offers: store.Offers(), orders: store.CatalogOrders(), restocks: store.RestockOrders()}
}

// Reset wipes ledger and records in every backend in use.
func (rt *runtime) Reset(ctx context.Context) error {
	var errs []error
	for _, reset := range rt.resets {
		errs = append(errs, reset(ctx))
	}
	return errors.Join(errs...)
}

// Close releases backends in reverse order of opening.
func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			log.Printf("Warning: close: %v", err)
		}
	}
	rt.closers = nil
}

package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"mirror-core/internal/accounts"
	"mirror-core/internal/api"
	"mirror-core/internal/dispatch"
	"mirror-core/internal/events"
	"mirror-core/internal/exitwatch"
	"mirror-core/internal/lifecycle"
	"mirror-core/internal/notify"
	"mirror-core/internal/session"
	"mirror-core/pkg/broker"
	"mirror-core/pkg/broker/shoonya"
	"mirror-core/pkg/config"
	"mirror-core/pkg/db"
)

// orderStore adapts the SQLite layer to the tracker's Store interface.
type orderStore struct {
	db *db.Database
}

func (s *orderStore) RecordOrder(ctx context.Context, rec lifecycle.Record) error {
	err := s.db.UpsertOrderRecord(ctx, db.OrderRecord{
		BrokerOrderID:  rec.BrokerOrderID,
		AccountIndex:   rec.AccountIndex,
		Symbol:         rec.Symbol,
		Segment:        string(rec.Segment),
		Side:           string(rec.Side),
		RequestedPrice: rec.Price,
		RequestedQty:   rec.Qty,
		Status:         string(rec.Status),
		LastReportType: string(rec.LastReportType),
		RejectReason:   rec.RejectReason,
		FillPrice:      rec.FillPrice,
	})
	if err != nil {
		return err
	}
	if rec.Status == broker.StatusComplete && rec.LastReportType == broker.ReportFill && rec.FilledQty > 0 {
		return s.db.CreateFill(ctx, db.Fill{
			ID:            uuid.NewString(),
			BrokerOrderID: rec.BrokerOrderID,
			AccountIndex:  rec.AccountIndex,
			Symbol:        rec.Symbol,
			Side:          string(rec.Side),
			Price:         rec.FillPrice,
			Qty:           rec.FilledQty,
		})
	}
	return nil
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("main: load config: %v", err)
	}

	accountCfgs, err := config.LoadAccounts(cfg.AccountsFile)
	if err != nil {
		log.Fatalf("main: load accounts: %v", err)
	}
	log.Printf("main: loaded %d account credential sets", len(accountCfgs))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewBus()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("main: open database: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("main: apply migrations: %v", err)
	}

	// Alerts: Telegram when configured, process log otherwise.
	var notifier lifecycle.Notifier = notify.LogSink{}
	if cfg.TelegramToken != "" && cfg.TelegramChatID != 0 {
		tg, err := notify.NewTelegram(cfg.TelegramToken, cfg.TelegramChatID)
		if err != nil {
			log.Printf("main: telegram disabled: %v", err)
		} else {
			notifier = tg
		}
	}

	// One gateway per account; index 1 is the master.
	brokerCfg := shoonya.Config{BaseURL: cfg.BrokerBaseURL, StreamURL: cfg.BrokerStreamURL}
	accs := make([]*accounts.Account, 0, len(accountCfgs))
	for _, ac := range accountCfgs {
		accs = append(accs, &accounts.Account{
			Index:       ac.Index,
			DisplayName: ac.DisplayName,
			Gateway:     shoonya.New(brokerCfg, ac.Credentials),
			Credentials: ac.Credentials,
		})
	}
	registry := accounts.NewRegistry(accs)

	cycle := lifecycle.NewCycle()
	tracker := lifecycle.NewTracker(cycle, bus, &orderStore{db: database}, notifier)
	dispatcher := dispatch.NewDispatcher(registry, tracker, bus,
		time.Duration(cfg.CallTimeoutSec)*time.Second)
	monitor := exitwatch.NewMonitor(bus)
	sess := session.New(registry, dispatcher, tracker, cycle, monitor, bus)

	tracker.OnBuyComplete = func() {
		snap := sess.State()
		notifier.Notify(fmt.Sprintf("buy leg complete on all accounts for %s", snap.Symbol))
	}
	tracker.OnRoundReset = func() {
		monitor.Disarm()
		notifier.Notify("round complete, all positions closed")
	}

	// Forward bus notices (margin shortfalls, breach exits) to the alert sink.
	noticeCh, unsubNotice := events.Listen[string](bus, events.TopicNotice, 64)
	defer unsubNotice()
	go func() {
		for msg := range noticeCh {
			notifier.Notify(msg)
		}
	}()

	// Feed the exit monitor with the round instrument's touchline while a
	// round is live. Quotes come from the master account's stream.
	go runQuoteFeed(ctx, bus, registry, sess, monitor)

	server := api.NewServer(sess, registry, tracker, database, bus, cfg.JWTSecret, operatorHash(cfg))
	server.ActivateAccount = func(ctx context.Context, index int) error {
		identity, err := registry.Activate(ctx, index)
		if err != nil {
			return err
		}
		gw, err := registry.Handle(index)
		if err != nil {
			return err
		}
		// Order reports ride the account's own websocket into the tracker.
		if err := gw.SubscribeOrders(ctx, func(ev broker.OrderEvent) {
			tracker.Ingest(index, ev)
		}); err != nil {
			return fmt.Errorf("subscribe order stream: %w", err)
		}
		log.Printf("main: account %d logged in as %s", index, identity.ClientName)
		return nil
	}

	go func() {
		log.Printf("main: control surface listening on :%s", cfg.Port)
		if err := server.Start(":" + cfg.Port); err != nil {
			log.Fatalf("main: http server: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Println("main: shutting down")
	cancel()
}

// runQuoteFeed subscribes the master account's touchline for the round
// instrument whenever a buy leg opens, and unsubscribes when the round
// returns to idle.
func runQuoteFeed(ctx context.Context, bus *events.Bus, registry *accounts.Registry,
	sess *session.Session, monitor *exitwatch.Monitor) {
	changes, unsub := events.Listen[events.CycleChange](bus, events.TopicCycleChange, 64)
	defer unsub()

	var subscribedScrip string
	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-changes:
			if !ok {
				return
			}
			gw, err := registry.Master()
			if err != nil {
				log.Printf("main: price monitoring unavailable: %v", err)
				continue
			}

			switch change.To {
			case string(lifecycle.CycleBuyPlaced):
				snap := sess.State()
				scrip := string(snap.Segment) + "|" + snap.Symbol
				if scrip == subscribedScrip {
					continue
				}
				err := gw.SubscribeQuotes(ctx, scrip, func(tick broker.Tick) {
					monitor.OnTick(tick)
					bus.Publish(events.TopicPriceTick, tick)
				})
				if err != nil {
					log.Printf("main: quote subscribe %s: %v", scrip, err)
					continue
				}
				subscribedScrip = scrip
			case string(lifecycle.CycleIdle):
				if subscribedScrip == "" {
					continue
				}
				if err := gw.UnsubscribeQuotes(subscribedScrip); err != nil {
					log.Printf("main: quote unsubscribe %s: %v", subscribedScrip, err)
				}
				subscribedScrip = ""
			}
		}
	}
}

// operatorHash returns the configured bcrypt hash, or a hash of a random
// throwaway password so the API stays locked when none is configured.
func operatorHash(cfg *config.Config) string {
	if cfg.OperatorPassHash != "" {
		return cfg.OperatorPassHash
	}
	log.Println("main: OPERATOR_PASS_HASH not set, operator login disabled")
	hash, err := bcrypt.GenerateFromPassword([]byte(uuid.NewString()), bcrypt.DefaultCost)
	if err != nil {
		log.Fatalf("main: generate placeholder hash: %v", err)
	}
	return string(hash)
}

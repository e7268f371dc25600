package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/deemkeen/fedipress/activitypub"
	"github.com/deemkeen/fedipress/db"
	"github.com/deemkeen/fedipress/domain"
	"github.com/deemkeen/fedipress/util"
	"github.com/deemkeen/fedipress/web"
	"github.com/google/uuid"
)

// instanceActorName is the dedicated machine-to-machine actor used to sign
// resolver fetches.
const instanceActorName = "fedipress.instance"

// App wires the federation core together: database, resolver, dispatcher,
// inbox, background jobs and the HTTP server. Host applications construct
// one and feed it ObjectEvents.
type App struct {
	config     *util.AppConfig
	database   *db.DB
	keys       *activitypub.KeyStore
	resolver   *activitypub.Resolver
	outbox     *activitypub.Outbox
	inbox      *activitypub.Inbox
	dispatcher *activitypub.Dispatcher
	hooks      *activitypub.Hooks
	scheduler  *activitypub.Scheduler
	worker     *activitypub.DeliveryWorker
	httpServer *http.Server

	cancelJobs context.CancelFunc
	done       chan os.Signal
}

// New creates a new App instance with the given configuration
func New(conf *util.AppConfig) (*App, error) {
	return &App{
		config: conf,
		done:   make(chan os.Signal, 1),
	}, nil
}

// Initialize opens the database, builds all components and prepares the
// HTTP server.
func (a *App) Initialize() error {
	database, err := db.Open(a.config.Conf.DbPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	a.database = database

	if err := a.ensureInstanceAccount(); err != nil {
		return fmt.Errorf("failed to create instance account: %w", err)
	}

	a.hooks = activitypub.NewHooks()
	a.keys = activitypub.NewKeyStore(database, a.config.Conf.SslDomain)

	httpClient := activitypub.NewDefaultHTTPClient()
	client := activitypub.NewClient(httpClient, database, a.config.Conf.HomeURL)

	a.resolver = activitypub.NewResolver(database, client, a.keys)
	a.outbox = activitypub.NewOutbox(database, client, a.keys, a.config)
	a.inbox = activitypub.NewInbox(database, a.resolver, a.keys, a.outbox)
	a.dispatcher = activitypub.NewDispatcher(database, client, a.resolver, a.keys, a.hooks, a.config)
	a.scheduler = activitypub.NewScheduler(database, a.resolver, a.config)
	a.worker = activitypub.NewDeliveryWorker(database, client, a.keys)

	server := web.NewServer(database, a.config, a.inbox, a.keys, a.hooks)
	router, err := server.Router()
	if err != nil {
		return fmt.Errorf("failed to initialize HTTP router: %w", err)
	}

	a.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", a.config.Conf.HttpPort),
		Handler: router,
	}

	return nil
}

// ensureInstanceAccount creates the instance actor on first start.
func (a *App) ensureInstanceAccount() error {
	if err, _ := a.database.ReadInstanceAccount(); err == nil {
		return nil
	}

	account := &domain.Account{
		Id:          uuid.New(),
		Username:    instanceActorName,
		DisplayName: util.GetNameAndVersion(),
		IsInstance:  true,
		CreatedAt:   time.Now(),
	}
	if err := a.database.CreateAccount(account); err != nil {
		return err
	}
	log.Printf("App: Created instance account %s", instanceActorName)
	return nil
}

// Start starts all servers and background jobs and blocks until a
// shutdown signal is received.
func (a *App) Start() error {
	signal.Notify(a.done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	jobCtx, cancel := context.WithCancel(context.Background())
	a.cancelJobs = cancel
	go a.scheduler.Start(jobCtx)
	go a.worker.Start(jobCtx)

	log.Printf("Starting HTTP server on %s:%d", a.config.Conf.Host, a.config.Conf.HttpPort)
	go func() {
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	<-a.done
	log.Println("Shutdown signal received")

	return a.Shutdown()
}

// Shutdown gracefully stops all servers with a 30 second timeout
func (a *App) Shutdown() error {
	log.Println("Initiating graceful shutdown...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error

	// Stop accepting new requests first
	log.Println("Stopping HTTP server...")
	if err := a.httpServer.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		shutdownErr = err
	} else {
		log.Println("HTTP server stopped gracefully")
	}

	log.Println("Stopping background jobs...")
	a.cancelJobs()

	log.Println("Closing database...")
	if err := a.database.Close(); err != nil {
		log.Printf("Database close error: %v", err)
		if shutdownErr == nil {
			shutdownErr = err
		}
	}

	log.Println("All servers stopped")
	return shutdownErr
}

// Hooks exposes the extension registry so host applications can install
// filters before Start.
func (a *App) Hooks() *activitypub.Hooks {
	return a.hooks
}

// DB exposes the database handle for host-side account management.
func (a *App) DB() *db.DB {
	return a.database
}

// Resolver exposes the remote actor resolver.
func (a *App) Resolver() *activitypub.Resolver {
	return a.resolver
}

// Outbox exposes the protocol outbox (follow/unfollow of remote actors).
func (a *App) Outbox() *activitypub.Outbox {
	return a.outbox
}

// HandleObjectEvent is the boundary the host application calls when one of
// its objects changes. The object is the already-rendered ActivityStreams
// representation; the state transition picks the activity type. Delivery
// failure of single inboxes never bubbles up.
func (a *App) HandleObjectEvent(username string, event domain.ObjectEvent, object map[string]any) error {
	err, account := a.database.ReadAccByUsername(username)
	if err != nil {
		return fmt.Errorf("unknown account %q: %w", username, err)
	}

	objectURI, _ := object["id"].(string)
	if objectURI == "" {
		return fmt.Errorf("object for event %s/%s has no id", event.Kind, event.ID)
	}

	activityType := activityTypeFor(event)
	if activityType == "" {
		log.Printf("App: Ignoring event %s -> %s for %s", event.OldState, event.NewState, objectURI)
		return nil
	}

	if err := a.database.UpsertFederatedObject(&domain.FederatedObject{
		Id:        uuid.New(),
		ObjectURI: objectURI,
		Kind:      event.Kind,
		State:     domain.StateScheduled,
		UpdatedAt: time.Now(),
	}); err != nil {
		return fmt.Errorf("failed to record federation state: %w", err)
	}

	actorURI := fmt.Sprintf("https://%s/users/%s", a.config.Conf.SslDomain, account.Username)
	activity := &domain.Activity{
		ID:        fmt.Sprintf("https://%s/activities/%s", a.config.Conf.SslDomain, uuid.New().String()),
		Type:      activityType,
		Actor:     actorURI,
		Published: time.Now().UTC().Format(time.RFC3339),
		To:        []string{domain.PublicURI},
		CC:        []string{actorURI + "/followers"},
		Object:    object,
	}

	if cc, ok := object["cc"].([]string); ok {
		activity.CC = append(activity.CC, cc...)
	}
	if inReplyTo, ok := object["inReplyTo"].(string); ok && inReplyTo != "" {
		activity.InReplyTo = []string{inReplyTo}
	}

	// Delete activities carry a tombstone, not the full object
	if activityType == "Delete" {
		activity.Object = map[string]any{
			"id":   objectURI,
			"type": "Tombstone",
		}
	}

	return a.dispatcher.Dispatch(activity, account.Id, objectURI)
}

// activityTypeFor maps a state transition to the activity announcing it.
func activityTypeFor(event domain.ObjectEvent) string {
	switch {
	case event.NewState == "deleted":
		return "Delete"
	case event.OldState == domain.StateFederated || event.OldState == "published":
		return "Update"
	case event.NewState == "published" || event.NewState == domain.StateScheduled:
		return "Create"
	default:
		return ""
	}
}

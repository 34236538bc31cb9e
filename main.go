package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/mammutfed/mammut/activitypub"
	"github.com/mammutfed/mammut/blobstore"
	"github.com/mammutfed/mammut/db"
	"github.com/mammutfed/mammut/pruner"
	"github.com/mammutfed/mammut/util"
	"github.com/mammutfed/mammut/web"
)

func main() {
	conf, err := util.ReadConf()
	if err != nil {
		log.Fatal("failed to read configuration", "err", err)
	}

	fmt.Println("Configuration: ")
	fmt.Println(util.PrettyPrint(conf))

	configDir, err := util.GetConfigDir()
	if err != nil {
		log.Fatal("failed to resolve config dir", "err", err)
	}

	database, err := db.Open(filepath.Join(configDir, "mammut.db"))
	if err != nil {
		log.Fatal("failed to open database", "err", err)
	}
	defer database.Close()

	log.Info("running database migrations")
	if err := database.CreateDB(); err != nil {
		log.Fatal("failed to create base tables", "err", err)
	}
	if err := database.RunMigrations(); err != nil {
		log.Fatal("failed to run migrations", "err", err)
	}

	if err := bootstrapAccount(database, conf); err != nil {
		log.Fatal("failed to bootstrap local account", "err", err)
	}

	blobs, err := blobstore.NewStore(database, conf.Conf.MediaDir)
	if err != nil {
		log.Fatal("failed to open blob store", "err", err)
	}

	resolver := activitypub.NewResolver(database)
	dispatcher := activitypub.NewDispatcher(database, resolver, conf)
	processor := activitypub.NewProcessor(database, resolver, dispatcher, conf)
	worker := activitypub.NewDeliveryWorker(database, conf)
	retention := pruner.NewPruner(database, blobs, conf)
	server := web.NewServer(database, processor, blobs, conf)

	if len(os.Args) > 1 && os.Args[1] == "--self-destruct" {
		selfDestruct(dispatcher, worker)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	workerDone := make(chan struct{})
	go func() {
		worker.Run(ctx)
		close(workerDone)
	}()
	go retention.Run(ctx)

	go func() {
		if err := server.Run(); err != nil {
			log.Fatal("web server failed", "err", err)
		}
	}()

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-done

	log.Info("shutting down")
	cancel()

	// Wait for in-flight deliveries to settle before exit. Anything
	// still pending is reclaimed from the queue on next start.
	select {
	case <-workerDone:
	case <-time.After(10 * time.Second):
		log.Warn("delivery worker did not stop in time")
	}
}

// selfDestruct announces the actor's deletion to all followers and
// drains the resulting deliveries before exiting. The database is left
// in place for the operator to remove.
func selfDestruct(dispatcher *activitypub.Dispatcher, worker *activitypub.DeliveryWorker) {
	log.Warn("self-destruct requested, sending farewell Delete")
	if err := dispatcher.SendFarewellDelete(); err != nil {
		log.Fatal("failed to enqueue farewell", "err", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	worker.Drain(ctx)
	log.Info("farewell deliveries drained, goodbye")
}

// bootstrapAccount creates the single local account with a fresh RSA
// keypair on first start.
func bootstrapAccount(database *db.DB, conf *util.AppConfig) error {
	if err, acc := database.ReadLocalAccount(); err == nil && acc != nil {
		log.Info("local account present", "username", acc.Username)
		return nil
	}

	log.Info("creating local account", "username", conf.Conf.Username)
	keypair := util.GeneratePemKeypair()
	if keypair == nil {
		return fmt.Errorf("keypair generation failed")
	}
	return database.CreateAccount(conf.Conf.Username, keypair)
}

package pruner

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/mammutfed/mammut/blobstore"
	"github.com/mammutfed/mammut/db"
	"github.com/mammutfed/mammut/util"
)

const runInterval = 6 * time.Hour

// Report summarizes one pruning run.
type Report struct {
	ActivitiesPruned int64
	TasksPruned      int64
	BlobsRemoved     int
	Window           time.Duration
	RanAt            time.Time
}

// Pruner removes remote activities older than the retention window.
// Local activities, bookmarked entries, objects the local account
// interacted with and anything referencing local content are kept
// regardless of age.
type Pruner struct {
	DB    *db.DB
	Conf  *util.AppConfig
	Blobs *blobstore.Store

	log *log.Logger
}

func NewPruner(database *db.DB, blobs *blobstore.Store, conf *util.AppConfig) *Pruner {
	return &Pruner{
		DB:    database,
		Conf:  conf,
		Blobs: blobs,
		log:   log.WithPrefix("pruner"),
	}
}

// Window returns the configured retention window.
func (p *Pruner) Window() time.Duration {
	days := p.Conf.Conf.RetentionDays
	if days <= 0 {
		days = 30
	}
	return time.Duration(days) * 24 * time.Hour
}

// Prune runs one retention pass. Running it twice in a row is safe:
// the second pass finds nothing left to remove.
func (p *Pruner) Prune() (*Report, error) {
	window := p.Window()
	cutoff := time.Now().Add(-window)
	localPrefix := fmt.Sprintf("https://%s/", p.Conf.Conf.SslDomain)

	activities, err := p.DB.PruneRemoteActivities(cutoff, localPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to prune activities: %w", err)
	}

	tasks, err := p.DB.PruneDeliveredTasks(cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to prune delivered tasks: %w", err)
	}

	blobs := 0
	if p.Blobs != nil {
		blobs, err = p.Blobs.GC()
		if err != nil {
			return nil, fmt.Errorf("failed to collect blobs: %w", err)
		}
	}

	report := &Report{
		ActivitiesPruned: activities,
		TasksPruned:      tasks,
		BlobsRemoved:     blobs,
		Window:           window,
		RanAt:            time.Now(),
	}
	p.log.Info("retention pass complete",
		"activities", report.ActivitiesPruned,
		"tasks", report.TasksPruned,
		"blobs", report.BlobsRemoved,
		"window", window)
	return report, nil
}

// Run prunes on a fixed interval until the context is cancelled.
func (p *Pruner) Run(ctx context.Context) {
	ticker := time.NewTicker(runInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.Prune(); err != nil {
				p.log.Error("retention pass failed", "err", err)
			}
		}
	}
}

package pricing

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
)

// Refresher keeps the price cache warm on a cron schedule so calls on the
// hot path rarely wait on the live source.
type Refresher struct {
	service  *Service
	chainIDs []int64
	cron     *cron.Cron
}

func NewRefresher(service *Service, chainIDs []int64) *Refresher {
	return &Refresher{
		service:  service,
		chainIDs: chainIDs,
		cron:     cron.New(),
	}
}

// Start schedules cache refreshes. The schedule uses cron syntax,
// e.g. "@every 4m".
func (r *Refresher) Start(schedule string) error {
	if _, err := r.cron.AddFunc(schedule, r.refresh); err != nil {
		return err
	}
	r.cron.Start()
	return nil
}

// Stop halts the schedule and waits for a running refresh to finish.
func (r *Refresher) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
}

func (r *Refresher) refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, chainID := range r.chainIDs {
		r.service.refreshChain(ctx, chainID)
	}
}

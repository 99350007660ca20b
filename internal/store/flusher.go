package store

import (
	"context"
	"fmt"
	"time"

	"github.com/Japgutter/keywarden/internal/keypool"
	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
)

// defaultFlushTimeout bounds one full flush pass.
const defaultFlushTimeout = 30 * time.Second

// FlushTarget pairs a vendor store with the export hook of its pool.
type FlushTarget struct {
	Vendor keypool.Vendor
	Store  Store
	Export func() []keypool.Key
}

// Flusher periodically persists every pool's full record set.
type Flusher struct {
	c       *cron.Cron
	targets []FlushTarget
	timeout time.Duration
}

// NewFlusher constructs a flusher running every interval.
func NewFlusher(interval time.Duration, targets []FlushTarget) (*Flusher, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("store: non-positive flush interval")
	}

	f := &Flusher{
		c:       cron.New(),
		targets: targets,
		timeout: defaultFlushTimeout,
	}
	if _, errAdd := f.c.AddFunc("@every "+interval.String(), f.flushAll); errAdd != nil {
		return nil, fmt.Errorf("store: schedule flush: %w", errAdd)
	}
	return f, nil
}

// Start begins the periodic flush schedule.
func (f *Flusher) Start() {
	f.c.Start()
}

// Stop halts the schedule and runs one final flush.
func (f *Flusher) Stop() {
	ctx := f.c.Stop()
	<-ctx.Done()
	f.flushAll()
}

func (f *Flusher) flushAll() {
	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()

	for _, target := range f.targets {
		records := target.Export()
		if errFlush := target.Store.Flush(ctx, records); errFlush != nil {
			log.WithError(errFlush).Warnf("store: flush %s keys failed", target.Vendor)
			continue
		}
		log.Debugf("store: flushed %d %s keys", len(records), target.Vendor)
	}
}

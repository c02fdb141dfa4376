package jobs

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"geoanchor/internal/ollama"
)

const checkTimeout = 10 * time.Second

type ModelLister interface {
	Tags(ctx context.Context) (ollama.TagsResponse, error)
}

// CheckStatus is the outcome of the last inference-service check.
type CheckStatus struct {
	Reachable bool      `json:"reachable"`
	Models    int       `json:"models"`
	CheckedAt time.Time `json:"checkedAt"`
	Error     string    `json:"error,omitempty"`
}

type Scheduler struct {
	cron     *cron.Cron
	ollama   ModelLister
	schedule string
	status   atomic.Pointer[CheckStatus]
	log      zerolog.Logger
}

func NewScheduler(client ModelLister, schedule string, log zerolog.Logger) *Scheduler {
	c := cron.New(
		cron.WithSeconds(),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	return &Scheduler{
		cron:     c,
		ollama:   client,
		schedule: schedule,
		log:      log,
	}
}

// Start registers the check and runs it once in the background so the health
// endpoint has a result before the first tick.
func (s *Scheduler) Start() error {
	if s.schedule == "" {
		return nil
	}

	if _, err := s.cron.AddFunc(s.schedule, func() {
		s.Check(context.Background())
	}); err != nil {
		return err
	}

	s.cron.Start()
	go s.Check(context.Background())
	return nil
}

// Stop returns a context that is done once a running check has finished.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Scheduler) Status() (CheckStatus, bool) {
	status := s.status.Load()
	if status == nil {
		return CheckStatus{}, false
	}
	return *status, true
}

func (s *Scheduler) Check(ctx context.Context) CheckStatus {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	status := CheckStatus{CheckedAt: time.Now().UTC()}
	tags, err := s.ollama.Tags(ctx)
	if err != nil {
		status.Error = err.Error()
		s.log.Warn().Err(err).Msg("ollama check failed")
	} else {
		status.Reachable = true
		status.Models = len(tags.Models)
		s.log.Debug().Int("models", status.Models).Msg("ollama check ok")
	}

	s.status.Store(&status)
	return status
}

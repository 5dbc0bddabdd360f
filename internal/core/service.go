package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Options tunes the engine. Zero values fall back to the defaults below.
type Options struct {
	MaxConcurrentJobs int
	Workers           int
	ProgressInterval  int
	PreviewSampleRows int
	ImportTimeout     time.Duration
	RollbackTimeout   time.Duration
	ExportTimeout     time.Duration
	TempDir           string
	// Location is the time zone cron schedules are evaluated in.
	Location *time.Location
	Now      func() time.Time
}

func (o Options) withDefaults() Options {
	if o.MaxConcurrentJobs <= 0 {
		o.MaxConcurrentJobs = DefaultMaxConcurrentJobs
	}
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.ProgressInterval <= 0 {
		o.ProgressInterval = 100
	}
	if o.PreviewSampleRows <= 0 {
		o.PreviewSampleRows = 5
	}
	if o.ImportTimeout <= 0 {
		o.ImportTimeout = 30 * time.Minute
	}
	if o.RollbackTimeout <= 0 {
		o.RollbackTimeout = 10 * time.Minute
	}
	if o.ExportTimeout <= 0 {
		o.ExportTimeout = 15 * time.Minute
	}
	if o.Location == nil {
		o.Location = time.UTC
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Service runs import, rollback and export jobs against registered modules.
//
// Job records live in the Store; the Service only keeps in-memory state for
// jobs executing in this process, so that polling sees live counters and
// subscribers get pushed updates.
type Service struct {
	store     Store
	registry  *Registry
	artifacts ArtifactStore
	opts      Options

	limiter *JobLimiter
	baseCtx context.Context
	stop    context.CancelFunc
	closing atomic.Bool
	wg      sync.WaitGroup

	mu        sync.RWMutex
	imports   map[string]*activeImport
	rollbacks keyedMutex
}

// NewService creates a Service. Call Shutdown to stop background jobs.
func NewService(store Store, registry *Registry, artifacts ArtifactStore, opts Options) *Service {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		store:     store,
		registry:  registry,
		artifacts: artifacts,
		opts:      opts,
		limiter:   NewJobLimiter(opts.MaxConcurrentJobs),
		baseCtx:   ctx,
		stop:      cancel,
		imports:   make(map[string]*activeImport),
		rollbacks: keyedMutex{held: make(map[string]struct{})},
	}
}

// Registry returns the module registry.
func (s *Service) Registry() *Registry {
	return s.registry
}

// Store returns the persistence port.
func (s *Service) Store() Store {
	return s.store
}

// LimiterStatus reports job slot usage.
func (s *Service) LimiterStatus() LimiterStatus {
	return s.limiter.Status()
}

// Location returns the zone schedules are evaluated in.
func (s *Service) Location() *time.Location {
	return s.opts.Location
}

func (s *Service) now() time.Time {
	return s.opts.Now().UTC()
}

// Shutdown stops accepting jobs, asks running jobs to stop between rows and
// waits for them until ctx is done.
func (s *Service) Shutdown(ctx context.Context) error {
	s.closing.Store(true)
	s.stop()

	if active := s.limiter.ActiveCount(); active > 0 {
		slog.Info("waiting for jobs to stop", "active", active)
	}
	if err := s.limiter.WaitForDrain(ctx); err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until every job started by this Service has finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

// RecoverInterrupted fails jobs a previous process left unfinished.
// It must run before new jobs are started.
func (s *Service) RecoverInterrupted(ctx context.Context) (int, error) {
	jobs, err := s.store.ListImportJobs(ctx, ImportFilter{
		Statuses: []ImportStatus{ImportPending, ImportValidating, ImportProcessing},
	})
	if err != nil {
		return 0, fmt.Errorf("list unfinished imports: %w", err)
	}

	recovered := 0
	for i := range jobs {
		job := &jobs[i]
		if s.activeImport(job.ID) != nil {
			continue
		}
		job.Status = ImportFailed
		job.LastError = "interrupted by server restart"
		job.UpdatedAt = s.now()
		if err := s.store.UpdateImportJob(ctx, job); err != nil {
			return recovered, fmt.Errorf("fail import %s: %w", job.ID, err)
		}
		recovered++
	}

	exports, err := s.store.ListExportJobs(ctx, ExportPending, ExportProcessing)
	if err != nil {
		return recovered, fmt.Errorf("list unfinished exports: %w", err)
	}
	for i := range exports {
		job := &exports[i]
		job.Status = ExportFailed
		job.LastError = "interrupted by server restart"
		job.UpdatedAt = s.now()
		if err := s.store.UpdateExportJob(ctx, job); err != nil {
			return recovered, fmt.Errorf("fail export %s: %w", job.ID, err)
		}
		recovered++
	}

	if recovered > 0 {
		slog.Warn("marked interrupted jobs as failed", "count", recovered)
	}
	return recovered, nil
}

// activeImport tracks an import executing in this process.
type activeImport struct {
	mu        sync.Mutex
	job       ImportJob
	listeners []chan ImportJob

	cancelled atomic.Bool
	stopWait  context.CancelFunc
	done      chan struct{}
}

func (a *activeImport) snapshot() ImportJob {
	a.mu.Lock()
	defer a.mu.Unlock()
	return cloneImportJob(a.job)
}

// update mutates the job under lock and pushes the result to subscribers.
func (a *activeImport) update(fn func(*ImportJob)) ImportJob {
	a.mu.Lock()
	fn(&a.job)
	snap := cloneImportJob(a.job)
	for _, ch := range a.listeners {
		select {
		case ch <- snap:
		default:
		}
	}
	a.mu.Unlock()
	return snap
}

// requestCancel sets the cooperative cancel flag.
func (a *activeImport) requestCancel() {
	a.cancelled.Store(true)
	if a.stopWait != nil {
		a.stopWait()
	}
}

// close marks the import done, delivers the final snapshot and closes every
// subscriber.
func (a *activeImport) close() {
	a.mu.Lock()
	defer a.mu.Unlock()

	close(a.done)

	final := cloneImportJob(a.job)
	for _, ch := range a.listeners {
		select {
		case ch <- final:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- final:
			default:
			}
		}
		close(ch)
	}
	a.listeners = nil
}

func (s *Service) activeImport(id string) *activeImport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.imports[id]
}

// SubscribeImport returns a channel receiving job snapshots while the import
// runs. The current snapshot is sent first and the channel is closed after
// the final one. The returned func unsubscribes.
func (s *Service) SubscribeImport(id string) (<-chan ImportJob, func(), error) {
	a := s.activeImport(id)
	if a == nil {
		return nil, nil, ErrJobNotActive
	}

	ch := make(chan ImportJob, 16)

	a.mu.Lock()
	select {
	case <-a.done:
		a.mu.Unlock()
		return nil, nil, ErrJobNotActive
	default:
	}
	a.listeners = append(a.listeners, ch)
	ch <- cloneImportJob(a.job)
	a.mu.Unlock()

	unsubscribe := func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		for i, l := range a.listeners {
			if l == ch {
				a.listeners = append(a.listeners[:i], a.listeners[i+1:]...)
				break
			}
		}
	}
	return ch, unsubscribe, nil
}

// keyedMutex is a non-blocking set of held keys.
type keyedMutex struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func (k *keyedMutex) TryLock(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.held[key]; ok {
		return false
	}
	k.held[key] = struct{}{}
	return true
}

func (k *keyedMutex) Unlock(key string) {
	k.mu.Lock()
	delete(k.held, key)
	k.mu.Unlock()
}

func cloneImportJob(j ImportJob) ImportJob {
	j.ColumnMapping = append([]ColumnMapping(nil), j.ColumnMapping...)
	if j.Params != nil {
		p := make(Params, len(j.Params))
		for k, v := range j.Params {
			p[k] = v
		}
		j.Params = p
	}
	if j.RolledBackAt != nil {
		t := *j.RolledBackAt
		j.RolledBackAt = &t
	}
	return j
}

// persistCtx returns a context for bookkeeping writes that must survive
// job cancellation and shutdown.
func (s *Service) persistCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(s.baseCtx), 10*time.Second)
}

// Package coordinator supervises concurrent deck generation jobs. It is the
// single registry of in-flight sessions and the admission gate in front of
// them: duplicate starts, cooldown violations, and the concurrency cap are
// all rejected before any connection is opened.
package coordinator

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"server/internal/domain"
	"server/internal/generation"
	"server/internal/progress"
	"server/internal/stream"
)

const (
	defaultMaxConcurrent    = 3
	defaultStartCooldown    = time.Second
	defaultGenerateCooldown = 5 * time.Second

	archiveTimeout = 5 * time.Second
)

// Options configures a Coordinator. Zero values fall back to the defaults
// above. Archive may be nil to disable persistence.
type Options struct {
	Client           *generation.Client
	Archive          domain.JobArchive
	Logger           zerolog.Logger
	MaxConcurrent    int
	StartCooldown    time.Duration
	GenerateCooldown time.Duration
}

// Coordinator is constructed once at the composition root and injected
// wherever jobs are started or observed.
type Coordinator struct {
	client           *generation.Client
	archive          domain.JobArchive
	logger           zerolog.Logger
	bus              *Bus
	maxConcurrent    int
	startCooldown    time.Duration
	generateCooldown time.Duration

	// now is swappable so cooldown behavior is testable.
	now func() time.Time

	// mu guards the registry and every counter below as one unit: the
	// admission check and the registration it allows are a single
	// critical section.
	mu           sync.Mutex
	sessions     map[domain.JobID]*session
	lastStart    map[domain.JobID]time.Time
	lastGenerate time.Time
}

// New builds a Coordinator.
func New(opts Options) *Coordinator {
	c := &Coordinator{
		client:           opts.Client,
		archive:          opts.Archive,
		logger:           opts.Logger,
		bus:              NewBus(),
		maxConcurrent:    opts.MaxConcurrent,
		startCooldown:    opts.StartCooldown,
		generateCooldown: opts.GenerateCooldown,
		now:              time.Now,
		sessions:         make(map[domain.JobID]*session),
		lastStart:        make(map[domain.JobID]time.Time),
	}
	if c.maxConcurrent <= 0 {
		c.maxConcurrent = defaultMaxConcurrent
	}
	if c.startCooldown <= 0 {
		c.startCooldown = defaultStartCooldown
	}
	if c.generateCooldown <= 0 {
		c.generateCooldown = defaultGenerateCooldown
	}
	return c
}

// Subscribe attaches a listener to the coordinator-wide event bus.
func (c *Coordinator) Subscribe(buffer int) (<-chan Event, func()) {
	return c.bus.Subscribe(buffer)
}

// Start attaches to the progress stream of the given job after passing
// admission control. Registration happens atomically with the admission
// check, so two concurrent calls for one job yield exactly one session.
func (c *Coordinator) Start(id domain.JobID, req domain.JobRequest, cb Callbacks) error {
	s, err := c.admit(id, req, cb)
	if err != nil {
		return err
	}

	c.bus.Publish(Event{Type: EventStarted, JobID: id, Snapshot: ptr(s.snapshot())})
	c.archiveStart(s)
	c.logger.Info().Str("job_id", string(id)).Msg("coordinator: session started")

	go c.run(s, func(ctx context.Context) (io.ReadCloser, error) {
		return c.client.OpenProgressStream(ctx, id)
	})
	return nil
}

func (c *Coordinator) admit(id domain.JobID, req domain.JobRequest, cb Callbacks) (*session, error) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.sessions[id]; exists {
		return nil, &domain.AdmissionError{JobID: id, Reason: domain.AdmissionAlreadyRunning}
	}
	if last, ok := c.lastStart[id]; ok && now.Sub(last) < c.startCooldown {
		return nil, &domain.AdmissionError{JobID: id, Reason: domain.AdmissionTooSoon}
	}
	if len(c.sessions) >= c.maxConcurrent {
		return nil, &domain.AdmissionError{JobID: id, Reason: domain.AdmissionMaxConcurrent}
	}

	ctx, cancel := context.WithCancel(context.Background())
	machine := progress.NewMachine(id, req.Language)
	s := &session{
		id:         id,
		deckID:     req.DeckID,
		requestID:  uuid.NewString(),
		startedAt:  now,
		ctx:        ctx,
		cancel:     cancel,
		machine:    machine,
		callbacks:  cb,
		last:       machine.LastSnapshot(),
		registered: true,
	}
	c.sessions[id] = s
	c.lastStart[id] = now
	return s, nil
}

// Stop cancels the job's connection cooperatively, deregisters it
// immediately, and emits exactly one cancelled broadcast. Calling it again,
// or for an unknown job, is a no-op.
func (c *Coordinator) Stop(id domain.JobID) {
	c.mu.Lock()
	s, ok := c.sessions[id]
	if ok {
		delete(c.sessions, id)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	s.cancel()
	c.bus.Publish(Event{Type: EventCancelled, JobID: id})
	c.archiveFinish(s, domain.JobStatusCancelled, "")
	c.logger.Info().Str("job_id", string(id)).Msg("coordinator: session cancelled")
}

// GenerateHandle tracks one bulk-initiated generation. Done resolves with
// nil on the terminal complete event or with the fatal error.
type GenerateHandle struct {
	RequestID string
	Done      <-chan error
	Cancel    func()
}

// Generate submits a new generation request. No JobID exists before the
// first event, so a coarser global cooldown applies; once the stream reveals
// the id, the session is registered under it idempotently — this also
// re-attaches jobs the caller never started, which the backend would
// otherwise reclaim as unattended.
func (c *Coordinator) Generate(ctx context.Context, req domain.JobRequest, cb Callbacks) (*GenerateHandle, error) {
	now := c.now()
	c.mu.Lock()
	if !c.lastGenerate.IsZero() && now.Sub(c.lastGenerate) < c.generateCooldown {
		c.mu.Unlock()
		return nil, &domain.AdmissionError{Reason: domain.AdmissionTooSoon}
	}
	c.lastGenerate = now
	c.mu.Unlock()

	// The stream must outlive the caller, so the read loop runs on its own
	// context; ctx is honored only while the initial connect is in flight.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	detach := context.AfterFunc(ctx, cancel)
	body, err := c.client.StartGeneration(runCtx, req)
	detach()
	if err != nil {
		cancel()
		return nil, err
	}

	machine := progress.NewMachine("", req.Language)
	s := &session{
		deckID:    req.DeckID,
		requestID: uuid.NewString(),
		startedAt: now,
		ctx:       runCtx,
		cancel:    cancel,
		machine:   machine,
		callbacks: cb,
		last:      machine.LastSnapshot(),
	}

	done := make(chan error, 1)
	go func() {
		done <- c.consume(s, stream.NewReader(body, c.logger), body)
	}()

	return &GenerateHandle{
		RequestID: s.requestID,
		Done:      done,
		Cancel:    func() { c.cancelAdopted(s) },
	}, nil
}

// GenerateAndWait is Generate for callers that want promise semantics: it
// blocks until the terminal event or ctx cancellation.
func (c *Coordinator) GenerateAndWait(ctx context.Context, req domain.JobRequest, cb Callbacks) error {
	handle, err := c.Generate(ctx, req, cb)
	if err != nil {
		return err
	}
	select {
	case err := <-handle.Done:
		return err
	case <-ctx.Done():
		handle.Cancel()
		return ctx.Err()
	}
}

// JobInfo describes one active session for listings.
type JobInfo struct {
	JobID     domain.JobID    `json:"jobId"`
	DeckID    string          `json:"deckId,omitempty"`
	StartedAt time.Time       `json:"startedAt"`
	Snapshot  domain.Snapshot `json:"snapshot"`
}

// Active lists the currently registered sessions.
func (c *Coordinator) Active() []JobInfo {
	c.mu.Lock()
	sessions := make([]*session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	out := make([]JobInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, JobInfo{
			JobID:     s.id,
			DeckID:    s.deckID,
			StartedAt: s.startedAt,
			Snapshot:  s.snapshot(),
		})
	}
	return out
}

// Shutdown cancels every active session and clears all bookkeeping.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	sessions := make([]*session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.sessions = make(map[domain.JobID]*session)
	c.lastStart = make(map[domain.JobID]time.Time)
	c.mu.Unlock()

	for _, s := range sessions {
		s.cancel()
		c.bus.Publish(Event{Type: EventCancelled, JobID: s.id})
		c.archiveFinish(s, domain.JobStatusCancelled, "")
	}
	if len(sessions) > 0 {
		c.logger.Info().Int("sessions", len(sessions)).Msg("coordinator: shut down active sessions")
	}
}

// run drives a registered session: open the stream (under the auth retry
// policy inside the client), then consume it to the terminal event.
func (c *Coordinator) run(s *session, open func(context.Context) (io.ReadCloser, error)) {
	body, err := open(s.ctx)
	if err != nil {
		if s.ctx.Err() != nil {
			return
		}
		c.finishError(s, err)
		return
	}
	_ = c.consume(s, stream.NewReader(body, c.logger), body)
}

// consume processes events strictly in arrival order and returns the
// terminal outcome: nil on completion, the fatal error otherwise.
// Cancellation returns s.ctx.Err() without broadcasting — Stop already did.
func (c *Coordinator) consume(s *session, r *stream.Reader, body io.Closer) error {
	defer func() {
		_ = body.Close()
	}()

	for {
		raw, err := r.Next(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				c.finishCancelled(s)
				return s.ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				err = domain.ErrStreamEnded
			}
			c.finishError(s, err)
			return err
		}

		snap := s.machine.ProcessEvent(raw)
		s.setSnapshot(snap)
		c.maybeAdopt(s)

		if s.ctx.Err() == nil {
			if s.isRegistered() {
				c.bus.Publish(Event{Type: EventProgress, JobID: s.id, Snapshot: &snap})
			}
			s.notifyProgress(snap)
		}

		if ferr := s.machine.Failure(); ferr != nil {
			c.finishError(s, ferr)
			return ferr
		}
		if snap.IsComplete {
			c.finishComplete(s)
			return nil
		}
	}
}

// maybeAdopt registers a bulk-initiated session once the stream has
// revealed its job id. If a session for that id already exists the stream
// keeps feeding the caller's callbacks but stays off the registry and bus.
func (c *Coordinator) maybeAdopt(s *session) {
	id := s.machine.JobID()
	if id == "" || s.id != "" {
		return
	}
	s.id = id

	adopted := false
	c.mu.Lock()
	// A session cancelled before this point stays off the registry: it
	// never broadcast a start, so it owes no terminal event either.
	if _, exists := c.sessions[id]; !exists && s.ctx.Err() == nil {
		c.sessions[id] = s
		c.lastStart[id] = c.now()
		s.setRegistered()
		adopted = true
	}
	c.mu.Unlock()

	if adopted {
		c.bus.Publish(Event{Type: EventStarted, JobID: id, Snapshot: ptr(s.snapshot())})
		c.archiveStart(s)
		c.logger.Info().Str("job_id", string(id)).Msg("coordinator: adopted session from generate stream")
	}
}

// deregister removes s from the registry if it is still the owner. The
// winner of this race is the only broadcaster of the terminal event.
func (c *Coordinator) deregister(s *session) bool {
	if !s.isRegistered() {
		// Watcher sessions (duplicate generate streams) finish locally;
		// there is nothing to remove.
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.sessions[s.id]; ok && cur == s {
		delete(c.sessions, s.id)
		return true
	}
	return false
}

func (c *Coordinator) finishComplete(s *session) {
	if !c.deregister(s) {
		return
	}
	// Unregistered watchers duplicate a live registered session; only the
	// owner broadcasts and writes the archive row.
	if s.isRegistered() {
		snap := s.snapshot()
		c.bus.Publish(Event{Type: EventCompleted, JobID: s.id, Snapshot: &snap})
		c.archiveFinish(s, domain.JobStatusSucceeded, "")
	}
	s.notifyComplete()
	c.logger.Info().Str("job_id", string(s.id)).Msg("coordinator: job completed")
}

func (c *Coordinator) finishError(s *session, err error) {
	if !c.deregister(s) {
		return
	}
	if s.isRegistered() {
		snap := s.snapshot()
		c.bus.Publish(Event{Type: EventFailed, JobID: s.id, Snapshot: &snap, Error: err.Error()})
		c.archiveFinish(s, domain.JobStatusFailed, err.Error())
	}
	s.notifyError(err)
	c.logger.Warn().Err(err).Str("job_id", string(s.id)).Msg("coordinator: job failed")
}

// finishCancelled clears a session that observed its own cancellation. Stop
// and Shutdown deregister before cancelling, so this usually finds nothing;
// it catches a generate session adopted in the window around its Cancel.
func (c *Coordinator) finishCancelled(s *session) {
	if !s.isRegistered() {
		return
	}
	c.mu.Lock()
	cur, ok := c.sessions[s.id]
	owner := ok && cur == s
	if owner {
		delete(c.sessions, s.id)
	}
	c.mu.Unlock()
	if owner {
		c.bus.Publish(Event{Type: EventCancelled, JobID: s.id})
		c.archiveFinish(s, domain.JobStatusCancelled, "")
		c.logger.Info().Str("job_id", string(s.id)).Msg("coordinator: session cancelled")
	}
}

func (c *Coordinator) cancelAdopted(s *session) {
	s.cancel()
	c.finishCancelled(s)
}

func (c *Coordinator) archiveStart(s *session) {
	if c.archive == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()
	err := c.archive.RecordStart(ctx, &domain.JobRecord{
		ID:        s.id,
		DeckID:    s.deckID,
		Status:    domain.JobStatusStreaming,
		StartedAt: s.startedAt,
	})
	if err != nil {
		c.logger.Warn().Err(err).Str("job_id", string(s.id)).Msg("coordinator: archive start failed")
	}
}

func (c *Coordinator) archiveFinish(s *session, status domain.JobStatus, errMsg string) {
	if c.archive == nil {
		return
	}
	snap := s.snapshot()
	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()
	err := c.archive.RecordFinish(ctx, &domain.JobRecord{
		ID:           s.id,
		DeckID:       s.deckID,
		Status:       status,
		Phase:        snap.PhaseName,
		Progress:     snap.Progress,
		ErrorMessage: errMsg,
		StartedAt:    s.startedAt,
		FinishedAt:   c.now(),
	})
	if err != nil {
		c.logger.Warn().Err(err).Str("job_id", string(s.id)).Msg("coordinator: archive finish failed")
	}
}

func ptr(snap domain.Snapshot) *domain.Snapshot { return &snap }

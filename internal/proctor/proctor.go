package proctor

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/skillscreen/proctoring-service/internal/engine"
	"github.com/skillscreen/proctoring-service/internal/models"
	"github.com/skillscreen/proctoring-service/internal/utils"
)

const (
	DefaultDetectionInterval = 3 * time.Second
	DefaultSnapshotInterval  = 30 * time.Second
	DefaultAutoSubmitGrace   = 2 * time.Second

	// endTimeout bounds the best-effort end-of-session notification that
	// runs after the parent context is already cancelled.
	endTimeout = 5 * time.Second
)

// ReportAck carries the server's authoritative post-write values.
type ReportAck struct {
	IntegrityScore int  `json:"integrity_score"`
	StrikeCount    int  `json:"strike_count"`
	AutoSubmit     bool `json:"auto_submit"`
}

// Ledger is the client's view of the server-side session ledger.
type Ledger interface {
	Init(ctx context.Context, attemptID string, webcamEnabled bool) error
	ReportViolation(ctx context.Context, attemptID string, vtype models.ViolationType, details string, duration float64) (ReportAck, error)
	SaveSnapshot(ctx context.Context, attemptID, image string) error
	End(ctx context.Context, attemptID string) error
}

// Emitter pushes fire-and-forget events toward the live monitoring channel.
// Delivery is best-effort; the ledger compensates for anything dropped.
type Emitter interface {
	ViolationOccurred(attemptID, jobID string, v models.Violation, score, strikes int)
	SnapshotCaptured(attemptID, jobID, image string)
}

// Warning is surfaced to the candidate UI on strike-worthy violations.
type Warning struct {
	Type    models.ViolationType
	Details string
	Strikes int

	// Terminal warnings accompany the third strike and are not
	// dismissible.
	Terminal bool
}

// Config wires one proctoring run.
type Config struct {
	AttemptID string
	JobID     string

	Camera   Camera   // nil when webcam access was denied
	Detector Detector // nil when the model failed to load
	Signals  SignalSource
	Ledger   Ledger
	Emitter  Emitter // optional
	Logger   utils.Logger

	DetectionInterval time.Duration
	SnapshotInterval  time.Duration
	AwayThreshold     time.Duration
	AutoSubmitGrace   time.Duration

	// OnWarning and OnAutoSubmit drive the UI. OnAutoSubmit fires at most
	// once, after the grace delay, and only on server confirmation.
	OnWarning    func(Warning)
	OnAutoSubmit func(reason string)

	// OnDegraded reports that camera-based detection is unavailable; the
	// session continues on tamper signals alone and the UI must visibly
	// indicate the reduced coverage.
	OnDegraded func(reason string)
}

// Proctor runs one client-side proctoring session.
type Proctor struct {
	cfg    Config
	engine *engine.Engine
	away   *engine.AwayTracker
	logger utils.Logger

	now func() time.Time

	mu       sync.Mutex
	pending  []Candidate // violations whose ledger write failed; retried before the next write
	degraded bool

	submitOnce sync.Once
	endOnce    sync.Once
}

func New(cfg Config) *Proctor {
	if cfg.DetectionInterval <= 0 {
		cfg.DetectionInterval = DefaultDetectionInterval
	}
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = DefaultSnapshotInterval
	}
	if cfg.AutoSubmitGrace <= 0 {
		cfg.AutoSubmitGrace = DefaultAutoSubmitGrace
	}
	if cfg.Logger == nil {
		cfg.Logger = utils.NewDefaultLogger()
	}
	return &Proctor{
		cfg:    cfg,
		engine: engine.New(),
		away:   engine.NewAwayTracker(cfg.AwayThreshold),
		logger: cfg.Logger.With("attempt_id", cfg.AttemptID),
		now:    time.Now,
	}
}

// State returns the local mirror state. Display only; the server's values
// are authoritative for anything disciplinary.
func (p *Proctor) State() engine.State {
	return p.engine.State()
}

// Degraded reports whether camera-based detection is unavailable.
func (p *Proctor) Degraded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.degraded
}

// Run drives the session until ctx is cancelled. Detection and snapshot
// capture run on independent timers; tamper signals are handled as they
// arrive. On every exit path the camera is released and the ledger is told
// the session ended (best-effort).
func (p *Proctor) Run(ctx context.Context) error {
	defer p.teardown()

	webcam := p.cfg.Camera != nil && p.cfg.Detector != nil
	if !webcam {
		p.markDegraded("camera or detection model unavailable")
	}

	if err := p.cfg.Ledger.Init(ctx, p.cfg.AttemptID, webcam); err != nil {
		// The session stays usable for tamper signals even when init
		// failed; violation reports will surface the missing session.
		p.logger.Error("proctoring init failed", "error", err)
	}

	detectTicker := time.NewTicker(p.cfg.DetectionInterval)
	defer detectTicker.Stop()
	snapshotTicker := time.NewTicker(p.cfg.SnapshotInterval)
	defer snapshotTicker.Stop()

	var signals <-chan Signal
	if p.cfg.Signals != nil {
		signals = p.cfg.Signals.Signals()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-detectTicker.C:
			if webcam {
				p.detectTick(ctx)
			}
		case <-snapshotTicker.C:
			if webcam {
				p.snapshotTick(ctx)
			}
		case sig, ok := <-signals:
			if !ok {
				signals = nil
				continue
			}
			if cand, report := CandidateFor(sig); report {
				p.report(ctx, cand)
			}
		}
	}
}

// detectTick runs one detection pass. Detector failures skip the tick
// silently; they are not violations and must not end the session.
func (p *Proctor) detectTick(ctx context.Context) {
	frame, err := p.cfg.Camera.Capture(ctx)
	if err != nil {
		return
	}
	detections, err := p.cfg.Detector.Detect(ctx, frame)
	if err != nil {
		return
	}

	now := p.now()
	cls := Classify(detections)

	if cls.FaceCount > 1 {
		p.report(ctx, Candidate{
			Type:    models.ViolationMultipleFaces,
			Details: fmt.Sprintf("%d people detected in frame", cls.FaceCount),
			At:      now,
		})
	}

	if away, fire := p.away.Observe(cls.FaceCount, now); fire {
		p.report(ctx, Candidate{
			Type:     models.ViolationLookingAway,
			Details:  fmt.Sprintf("Looking away for %.0f seconds", away),
			Duration: away,
			At:       now,
		})
	}

	if cls.PhoneDetected {
		p.report(ctx, Candidate{
			Type:    models.ViolationPhoneDetected,
			Details: "Mobile phone/device detected in frame",
			At:      now,
		})
	}
}

func (p *Proctor) snapshotTick(ctx context.Context) {
	frame, err := p.cfg.Camera.Capture(ctx)
	if err != nil {
		return
	}
	image := base64.StdEncoding.EncodeToString(frame)

	if err := p.cfg.Ledger.SaveSnapshot(ctx, p.cfg.AttemptID, image); err != nil {
		// Snapshots are evidence, not state; a missed one is tolerable.
		p.logger.Warn("snapshot save failed", "error", err)
	}
	if p.cfg.Emitter != nil {
		p.cfg.Emitter.SnapshotCaptured(p.cfg.AttemptID, p.cfg.JobID, image)
	}
}

// report runs the local transition, surfaces the warning, and mirrors the
// violation to the ledger. The engine serializes transitions, so concurrent
// detection and signal events cannot interleave a half-applied update.
func (p *Proctor) report(ctx context.Context, cand Candidate) {
	state, eff, err := p.engine.Apply(cand.Type)
	if err != nil {
		p.logger.Error("violation rejected", "type", cand.Type, "error", err)
		return
	}

	if eff.Warn && p.cfg.OnWarning != nil {
		p.cfg.OnWarning(Warning{
			Type:     cand.Type,
			Details:  cand.Details,
			Strikes:  state.Strikes,
			Terminal: eff.Terminal,
		})
	}

	p.flushPending(ctx)

	ack, err := p.cfg.Ledger.ReportViolation(ctx, p.cfg.AttemptID, cand.Type, cand.Details, cand.Duration)
	if err != nil {
		// Losing a persisted violation would desync score and strikes;
		// queue it for retry before the next write.
		p.logger.Warn("violation report failed, queued", "type", cand.Type, "error", err)
		p.mu.Lock()
		p.pending = append(p.pending, cand)
		p.mu.Unlock()
		return
	}

	p.engine.Reconcile(ack.IntegrityScore, ack.StrikeCount, ack.AutoSubmit)

	if p.cfg.Emitter != nil {
		p.cfg.Emitter.ViolationOccurred(p.cfg.AttemptID, p.cfg.JobID, models.Violation{
			AttemptID: p.cfg.AttemptID,
			Type:      cand.Type,
			Details:   cand.Details,
			Duration:  cand.Duration,
			Penalty:   eff.Penalty,
			Timestamp: cand.At,
		}, ack.IntegrityScore, ack.StrikeCount)
	}

	// Terminate only on the server's say-so; the local mirror is allowed
	// to warn optimistically but never to end the attempt by itself.
	if ack.AutoSubmit {
		p.scheduleAutoSubmit()
	}
}

func (p *Proctor) flushPending(ctx context.Context) {
	p.mu.Lock()
	queued := p.pending
	p.pending = nil
	p.mu.Unlock()

	for i, cand := range queued {
		ack, err := p.cfg.Ledger.ReportViolation(ctx, p.cfg.AttemptID, cand.Type, cand.Details, cand.Duration)
		if err != nil {
			p.mu.Lock()
			p.pending = append(queued[i:], p.pending...)
			p.mu.Unlock()
			return
		}
		p.engine.Reconcile(ack.IntegrityScore, ack.StrikeCount, ack.AutoSubmit)
		if ack.AutoSubmit {
			p.scheduleAutoSubmit()
		}
	}
}

// scheduleAutoSubmit fires the auto-submit callback exactly once, after a
// short grace delay that lets the terminal warning render.
func (p *Proctor) scheduleAutoSubmit() {
	p.submitOnce.Do(func() {
		time.AfterFunc(p.cfg.AutoSubmitGrace, func() {
			if p.cfg.OnAutoSubmit != nil {
				p.cfg.OnAutoSubmit(engine.AutoSubmitReason)
			}
		})
	})
}

func (p *Proctor) markDegraded(reason string) {
	p.mu.Lock()
	already := p.degraded
	p.degraded = true
	p.mu.Unlock()

	if !already {
		p.logger.Warn("proctoring degraded", "reason", reason)
		if p.cfg.OnDegraded != nil {
			p.cfg.OnDegraded(reason)
		}
	}
}

// teardown releases the camera and notifies the ledger, exactly once, on
// every exit path. The end notification runs on its own deadline because the
// run context is typically already cancelled by the time we get here.
func (p *Proctor) teardown() {
	p.endOnce.Do(func() {
		if p.cfg.Camera != nil {
			if err := p.cfg.Camera.Close(); err != nil {
				p.logger.Warn("camera release failed", "error", err)
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), endTimeout)
		defer cancel()
		if err := p.cfg.Ledger.End(ctx, p.cfg.AttemptID); err != nil {
			p.logger.Warn("session end notification failed", "error", err)
		}
	})
}

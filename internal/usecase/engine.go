package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"clinic-assistant/internal/dialog"
	"clinic-assistant/internal/domain"
	"clinic-assistant/internal/generation"
	"clinic-assistant/internal/intent"
	"clinic-assistant/internal/repository"
	"clinic-assistant/internal/takeover"
	"clinic-assistant/internal/tenant"
	"clinic-assistant/internal/urgency"
)

const (
	defaultMaxMessageRunes  = 4096
	defaultCacheSweep       = time.Minute
	defaultPatientName      = "Paciente"
	reasonOperatorBusy      = "patient_message_while_human_active"
	reasonEmergency         = "emergency"
	transferReasonKey       = "reason"
	transferUrgencyLevelKey = "urgencyLevel"
)

// SessionStore persists sessions and their messages.
type SessionStore interface {
	GetOrCreateSession(ctx context.Context, tenantID, address string) (domain.Session, error)
	GetSession(ctx context.Context, sessionID string) (domain.Session, error)
	SaveMessage(ctx context.Context, msg domain.Message) (domain.Message, error)
	UpdateSessionState(ctx context.Context, sessionID string, flow domain.FlowState) error
	UpdateSessionStatus(ctx context.Context, sessionID string, status domain.SessionStatus, at time.Time) error
	RecentMessages(ctx context.Context, sessionID string, limit int) ([]domain.Message, error)
}

// Directory reads the clinic's patient, procedure and appointment records.
type Directory interface {
	FindPartyByAddress(ctx context.Context, tenantID, address string) (domain.Party, bool, error)
	ListProcedures(ctx context.Context, tenantID string) ([]domain.Procedure, error)
	LatestAppointment(ctx context.Context, tenantID, partyID string) (domain.Appointment, bool, error)
}

type TenantLoader interface {
	Load(ctx context.Context, tenantID string) (tenant.Config, error)
}

// Dependencies are shared by every tenant engine. Cache is optional; each
// engine gets its own in-memory cache when it is nil.
type Dependencies struct {
	Store     SessionStore
	Directory Directory
	Tenants   TenantLoader
	Cache     generation.Cache
}

func (d Dependencies) validate() error {
	if d.Store == nil {
		return errors.New("usecase: session store must not be nil")
	}
	if d.Directory == nil {
		return errors.New("usecase: directory must not be nil")
	}
	if d.Tenants == nil {
		return errors.New("usecase: tenant loader must not be nil")
	}
	return nil
}

type options struct {
	logger         *slog.Logger
	now            func() time.Time
	providers      ProviderFactory
	healthInterval time.Duration
	probeTimeout   time.Duration
	callTimeout    time.Duration
	takeoverWindow time.Duration
	cacheSweep     time.Duration
	maxMessage     int
}

type Option func(*options)

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithProviderFactory replaces HTTPProviders(nil).
func WithProviderFactory(f ProviderFactory) Option {
	return func(o *options) {
		if f != nil {
			o.providers = f
		}
	}
}

func WithHealthInterval(d time.Duration) Option {
	return func(o *options) { o.healthInterval = d }
}

func WithProbeTimeout(d time.Duration) Option {
	return func(o *options) { o.probeTimeout = d }
}

func WithCallTimeout(d time.Duration) Option {
	return func(o *options) { o.callTimeout = d }
}

func WithTakeoverWindow(d time.Duration) Option {
	return func(o *options) { o.takeoverWindow = d }
}

func WithMaxMessageLength(runes int) Option {
	return func(o *options) {
		if runes > 0 {
			o.maxMessage = runes
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		logger:     slog.Default(),
		now:        time.Now,
		providers:  HTTPProviders(nil),
		cacheSweep: defaultCacheSweep,
		maxMessage: defaultMaxMessageRunes,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Inbound is one message received on the channel. FromOperator marks a
// message a clinic operator sent from the clinic's own account.
type Inbound struct {
	ChannelAddress string
	Text           string
	MessageRef     string
	FromOperator   bool
}

// ProcessedMessage is the engine's decision for one inbound message. The
// caller delivers ReplyText unless SuppressReply is set and executes Actions.
type ProcessedMessage struct {
	SessionID             string
	ChannelAddress        string
	Intent                string
	Confidence            float64
	ReplyText             string
	ProducedBy            domain.ProducedBy
	TokenCost             int
	BackendID             string
	NextState             domain.DialogState
	StateData             domain.FlowState
	RequiresHumanTransfer bool
	Urgency               urgency.Level
	Actions               []domain.Action
	SuppressReply         bool
}

// TakeoverState describes a session after a takeover change.
type TakeoverState struct {
	SessionID string
	Status    domain.SessionStatus
	ExpiresAt time.Time
}

// Engine handles the conversations of one tenant.
type Engine struct {
	tenantID   string
	config     tenant.Config
	store      SessionStore
	directory  Directory
	classifier *intent.Classifier
	machine    *dialog.Machine
	takeover   *takeover.Coordinator
	gateway    *generation.Gateway
	replies    *replyBook
	locks      *sessionLocks
	logger     *slog.Logger
	now        func() time.Time
	maxMessage int

	closed   atomic.Bool
	stopOnce sync.Once
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// Initialize loads the tenant's configuration, builds its generation
// backends, probes them once and starts the background health monitor.
func Initialize(ctx context.Context, tenantID string, deps Dependencies, opts ...Option) (*Engine, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, newError(ErrorInvalidInput, "empty_tenant_id", nil)
	}
	o := buildOptions(opts)
	logger := o.logger.With("tenant", tenantID)

	cfg, err := deps.Tenants.Load(ctx, tenantID)
	if errors.Is(err, tenant.ErrNotFound) {
		return nil, newError(ErrorNotFound, "tenant_not_found", err)
	}
	if err != nil {
		return nil, newError(ErrorInternal, "tenant_load_error", err)
	}

	localNow := o.now
	if cfg.Location != nil {
		localNow = func() time.Time { return o.now().In(cfg.Location) }
	}

	hours := cfg.BusinessHours
	if hours == (dialog.BusinessHours{}) {
		hours = dialog.DefaultBusinessHours
	}
	classifier := intent.NewClassifier(cfg.Patterns, logger)
	machine, err := dialog.New(classifier, cfg.Profile,
		dialog.WithBusinessHours(hours),
		dialog.WithClock(localNow),
	)
	if err != nil {
		return nil, newError(ErrorInternal, "dialog_init_error", err)
	}
	coordinator, err := takeover.New(deps.Store, takeover.WithWindow(o.takeoverWindow), takeover.WithClock(o.now))
	if err != nil {
		return nil, newError(ErrorInternal, "takeover_init_error", err)
	}

	backends := make([]*generation.Backend, 0, len(cfg.Backends))
	for _, desc := range cfg.Backends {
		provider, err := o.providers(desc)
		if err != nil {
			logger.Warn("backend skipped", "backend", desc.ID, "err", err)
			continue
		}
		backends = append(backends, generation.NewBackend(desc, provider))
	}

	cache := deps.Cache
	var memory *generation.MemoryCache
	if cache == nil {
		memory = generation.NewMemoryCache(generation.WithCacheClock(o.now))
		cache = memory
	}
	gateway := generation.NewGateway(tenantID, backends,
		generation.WithCache(cache),
		generation.WithCallTimeout(o.callTimeout),
		generation.WithVariables(sessionVariables(cfg.Profile)),
		generation.WithLogger(logger),
		generation.WithClock(o.now),
	)
	monitor := generation.NewMonitor(gateway.Backends(),
		generation.WithInterval(o.healthInterval),
		generation.WithProbeTimeout(o.probeTimeout),
		generation.WithMonitorLogger(logger),
		generation.WithMonitorClock(o.now),
	)
	monitor.Sweep(ctx)

	e := &Engine{
		tenantID:   tenantID,
		config:     cfg,
		store:      deps.Store,
		directory:  deps.Directory,
		classifier: classifier,
		machine:    machine,
		takeover:   coordinator,
		gateway:    gateway,
		replies:    newReplyBook(cfg.Profile, cfg.Responses),
		locks:      newSessionLocks(),
		logger:     logger,
		now:        o.now,
		maxMessage: o.maxMessage,
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		monitor.Run(runCtx)
	}()
	if memory != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			memory.Run(runCtx, o.cacheSweep)
		}()
	}

	logger.Info("engine initialized", "backends", len(gateway.Backends()), "intents", len(classifier.Intents()))
	return e, nil
}

func (e *Engine) TenantID() string { return e.tenantID }

// BackendStatuses reports the tenant's backends without their API keys.
func (e *Engine) BackendStatuses() []generation.BackendStatus {
	return e.gateway.Statuses()
}

// Shutdown stops intake and the background loops. In-flight calls finish
// normally.
func (e *Engine) Shutdown() {
	e.stopOnce.Do(func() {
		e.closed.Store(true)
		e.cancel()
		e.wg.Wait()
		e.logger.Info("engine shut down")
	})
}

func (e *Engine) ProcessMessage(ctx context.Context, in Inbound) (ProcessedMessage, error) {
	if e.closed.Load() {
		return ProcessedMessage{}, newError(ErrorUnavailable, "engine_shut_down", nil)
	}
	address := domain.NormalizeAddress(in.ChannelAddress)
	if address == "" {
		return ProcessedMessage{}, newError(ErrorInvalidInput, "invalid_channel_address", nil)
	}
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return ProcessedMessage{}, newError(ErrorInvalidInput, "empty_message", nil)
	}
	if utf8.RuneCountInString(text) > e.maxMessage {
		return ProcessedMessage{}, newError(ErrorInvalidInput, "message_too_long", nil)
	}

	unlock := e.locks.lock(domain.SessionID(e.tenantID, address))
	defer unlock()

	session, err := e.store.GetOrCreateSession(ctx, e.tenantID, address)
	if err != nil {
		return ProcessedMessage{}, newError(ErrorInternal, "session_load_error", err)
	}

	if in.FromOperator {
		return e.operatorReply(ctx, &session, text, in.MessageRef)
	}

	active, err := e.takeover.IsActive(ctx, &session)
	if err != nil {
		return ProcessedMessage{}, newError(ErrorInternal, "takeover_check_error", err)
	}

	userMsg, err := e.save(ctx, session.ID, domain.RoleUser, text, "", "", 0, in.MessageRef)
	if err != nil {
		return ProcessedMessage{}, err
	}

	if active {
		return ProcessedMessage{
			SessionID:      session.ID,
			ChannelAddress: address,
			Intent:         domain.IntentWaitingHuman,
			Confidence:     1,
			ProducedBy:     domain.ProducedByHuman,
			SuppressReply:  true,
			Actions: []domain.Action{{
				Type: domain.ActionNotifyOperator,
				Data: map[string]any{
					transferReasonKey: reasonOperatorBusy,
					"sessionId":       session.ID,
					"address":         address,
					"message":         text,
				},
			}},
		}, nil
	}

	if session.DroppedFlow != "" {
		if err := e.clearFlow(ctx, &session); err != nil {
			return ProcessedMessage{}, err
		}
	}

	if session.Flow != nil {
		out, handled, err := e.advanceFlow(ctx, &session, text)
		if err != nil || handled {
			return out, err
		}
	}

	return e.respond(ctx, session, text, userMsg.ID)
}

// operatorReply records a message an operator sent and silences automation.
func (e *Engine) operatorReply(ctx context.Context, session *domain.Session, text, ref string) (ProcessedMessage, error) {
	if err := e.takeover.Set(ctx, session); err != nil {
		return ProcessedMessage{}, newError(ErrorInternal, "takeover_set_error", err)
	}
	if _, err := e.save(ctx, session.ID, domain.RoleAssistant, text, domain.IntentHumanResponse, domain.ProducedByHuman, 0, ref); err != nil {
		return ProcessedMessage{}, err
	}
	e.logger.Info("operator took over conversation", "session", session.ID, "until", e.takeover.ExpiresAt(*session))
	return ProcessedMessage{
		SessionID:      session.ID,
		ChannelAddress: session.ChannelAddress,
		Intent:         domain.IntentHumanResponse,
		Confidence:     1,
		ReplyText:      text,
		ProducedBy:     domain.ProducedByHuman,
		SuppressReply:  true,
	}, nil
}

// advanceFlow feeds text to the open flow. handled is false when the stored
// flow is not one the machine runs; the flow is then cleared.
func (e *Engine) advanceFlow(ctx context.Context, session *domain.Session, text string) (ProcessedMessage, bool, error) {
	step, ok := e.machine.Advance(*session, text)
	if !ok {
		e.logger.Warn("dropping unsupported flow", "session", session.ID, "state", session.Flow.State())
		return ProcessedMessage{}, false, e.clearFlow(ctx, session)
	}
	if step.Changed {
		if err := e.store.UpdateSessionState(ctx, session.ID, step.Flow); err != nil {
			return ProcessedMessage{}, true, newError(ErrorInternal, "session_state_error", err)
		}
	}
	out := ProcessedMessage{
		SessionID:      session.ID,
		ChannelAddress: session.ChannelAddress,
		Intent:         step.Intent,
		Confidence:     1,
		ReplyText:      step.Reply,
		ProducedBy:     domain.ProducedByStateMachine,
		NextState:      step.NextState(),
		StateData:      step.Flow,
		Actions:        step.Actions,
	}
	for _, a := range step.Actions {
		if a.Type == domain.ActionTransferToHuman {
			out.RequiresHumanTransfer = true
		}
	}
	if _, err := e.save(ctx, session.ID, domain.RoleAssistant, out.ReplyText, out.Intent, out.ProducedBy, 0, ""); err != nil {
		return ProcessedMessage{}, true, err
	}
	return out, true, nil
}

func (e *Engine) clearFlow(ctx context.Context, session *domain.Session) error {
	if err := e.store.UpdateSessionState(ctx, session.ID, nil); err != nil {
		return newError(ErrorInternal, "session_state_error", err)
	}
	session.Flow = nil
	session.DroppedFlow = ""
	return nil
}

// respond runs the intent pipeline for a session with no open flow.
func (e *Engine) respond(ctx context.Context, session domain.Session, text, userMsgID string) (ProcessedMessage, error) {
	name, confidence := e.classifier.Classify(text)
	out := ProcessedMessage{
		SessionID:      session.ID,
		ChannelAddress: session.ChannelAddress,
		Intent:         name,
		Confidence:     confidence,
	}

	switch name {
	case domain.IntentEmergency:
		level := urgency.Detect(text)
		out.Urgency = level
		out.ReplyText = e.replies.emergency(level)
		out.ProducedBy = domain.ProducedByPattern
		out.RequiresHumanTransfer = true
		out.Actions = append(out.Actions,
			domain.Action{Type: domain.ActionNotifyDoctorUrgency, Data: map[string]any{
				"address":               session.ChannelAddress,
				"message":               text,
				transferUrgencyLevelKey: string(level),
				"patientName":           e.patientName(ctx, session),
				"sessionId":             session.ID,
			}},
			domain.Action{Type: domain.ActionTransferToHuman, Data: map[string]any{
				transferReasonKey:       reasonEmergency,
				transferUrgencyLevelKey: string(level),
			}},
		)
	case domain.IntentTalkToHuman:
		out.ReplyText, out.ProducedBy = e.replies.resolve(name)
		out.RequiresHumanTransfer = true
		out.Actions = append(out.Actions, domain.Action{
			Type: domain.ActionTransferToHuman,
			Data: map[string]any{transferReasonKey: name},
		})
	default:
		out.ReplyText, out.ProducedBy = e.replies.resolve(name)
		if name == domain.IntentUnknown && out.ProducedBy == domain.ProducedByFallback {
			e.generate(ctx, session, text, userMsgID, &out)
		}
	}

	start, started := e.startFlow(ctx, session, name)
	if started {
		if start.Changed {
			if err := e.store.UpdateSessionState(ctx, session.ID, start.Flow); err != nil {
				return ProcessedMessage{}, newError(ErrorInternal, "session_state_error", err)
			}
		}
		out.ReplyText = start.Reply
		out.ProducedBy = domain.ProducedByStateMachine
		out.NextState = start.NextState()
		out.StateData = start.Flow
	}

	if _, err := e.save(ctx, session.ID, domain.RoleAssistant, out.ReplyText, out.Intent, out.ProducedBy, out.TokenCost, ""); err != nil {
		return ProcessedMessage{}, err
	}
	return out, nil
}

// startFlow opens the flow an intent asks for. When a prerequisite is
// missing the outcome carries only the contact reply.
func (e *Engine) startFlow(ctx context.Context, session domain.Session, name string) (dialog.Outcome, bool) {
	switch name {
	case domain.IntentSchedule:
		procedures, err := e.directory.ListProcedures(ctx, e.tenantID)
		if err != nil {
			e.logger.Warn("list procedures failed", "session", session.ID, "err", err)
		}
		if len(procedures) == 0 {
			return dialog.Outcome{Intent: name, Reply: e.machine.ContactReply(name)}, true
		}
		return e.machine.StartScheduling(procedures), true

	case domain.IntentReschedule:
		partyID := session.PartyID
		if partyID == "" {
			party, found, err := e.directory.FindPartyByAddress(ctx, e.tenantID, session.ChannelAddress)
			if err != nil {
				e.logger.Warn("party lookup failed", "session", session.ID, "err", err)
			}
			if found {
				partyID = party.ID
			}
		}
		if partyID != "" {
			appt, found, err := e.directory.LatestAppointment(ctx, e.tenantID, partyID)
			if err != nil {
				e.logger.Warn("appointment lookup failed", "session", session.ID, "err", err)
			}
			if found {
				return e.machine.StartRescheduling(appt), true
			}
		}
		return dialog.Outcome{Intent: name, Reply: e.machine.ContactReply(name)}, true
	}
	return dialog.Outcome{}, false
}

// generate replaces out's fallback reply with a generated one when a backend
// answers. Failures keep the fallback.
func (e *Engine) generate(ctx context.Context, session domain.Session, text, userMsgID string, out *ProcessedMessage) {
	history, err := e.store.RecentMessages(ctx, session.ID, historyTurns+1)
	if err != nil {
		e.logger.Warn("history unavailable for generation", "session", session.ID, "err", err)
	}
	earlier := make([]domain.Message, 0, len(history))
	for _, m := range history {
		if m.ID != userMsgID {
			earlier = append(earlier, m)
		}
	}

	res, err := e.gateway.Complete(ctx, buildPromptMessages(e.config.SystemPrompt, text, earlier))
	if err != nil {
		if errors.Is(err, generation.ErrAllBackendsExhausted) {
			e.logger.Warn("generation exhausted, using fallback reply", "session", session.ID, "err", err)
		} else {
			e.logger.Error("generation failed", "session", session.ID, "err", err)
		}
		return
	}
	out.ReplyText = res.Text
	out.ProducedBy = domain.ProducedByGeneration
	out.TokenCost = res.TokenCost
	out.BackendID = res.BackendID
}

func (e *Engine) patientName(ctx context.Context, session domain.Session) string {
	party, found, err := e.directory.FindPartyByAddress(ctx, e.tenantID, session.ChannelAddress)
	if err != nil {
		e.logger.Warn("party lookup failed", "session", session.ID, "err", err)
		return defaultPatientName
	}
	if !found || strings.TrimSpace(party.Name) == "" {
		return defaultPatientName
	}
	return party.Name
}

func (e *Engine) save(ctx context.Context, sessionID, role, text, intentName string, by domain.ProducedBy, cost int, ref string) (domain.Message, error) {
	msg, err := e.store.SaveMessage(ctx, domain.Message{
		SessionID:  sessionID,
		Role:       role,
		Content:    text,
		Intent:     intentName,
		ProducedBy: by,
		TokenCost:  cost,
		MessageRef: ref,
		CreatedAt:  e.now(),
	})
	if err != nil {
		return domain.Message{}, newError(ErrorInternal, "message_write_error", fmt.Errorf("save %s message: %w", role, err))
	}
	return msg, nil
}

// SetTakeover silences automation on a session for the takeover window.
func (e *Engine) SetTakeover(ctx context.Context, sessionID string) (TakeoverState, error) {
	return e.changeTakeover(ctx, sessionID, e.takeover.Set)
}

// ReleaseTakeover hands a session back to automation immediately.
func (e *Engine) ReleaseTakeover(ctx context.Context, sessionID string) (TakeoverState, error) {
	return e.changeTakeover(ctx, sessionID, e.takeover.Release)
}

func (e *Engine) changeTakeover(ctx context.Context, sessionID string, change func(context.Context, *domain.Session) error) (TakeoverState, error) {
	if e.closed.Load() {
		return TakeoverState{}, newError(ErrorUnavailable, "engine_shut_down", nil)
	}
	if !strings.HasPrefix(sessionID, e.tenantID+"#") || len(sessionID) == len(e.tenantID)+1 {
		return TakeoverState{}, newError(ErrorInvalidInput, "invalid_session_id", nil)
	}

	unlock := e.locks.lock(sessionID)
	defer unlock()

	session, err := e.store.GetSession(ctx, sessionID)
	if errors.Is(err, repository.ErrNotFound) {
		return TakeoverState{}, newError(ErrorNotFound, "session_not_found", err)
	}
	if err != nil {
		return TakeoverState{}, newError(ErrorInternal, "session_load_error", err)
	}
	if err := change(ctx, &session); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return TakeoverState{}, newError(ErrorNotFound, "session_not_found", err)
		}
		return TakeoverState{}, newError(ErrorInternal, "takeover_update_error", err)
	}
	return TakeoverState{
		SessionID: session.ID,
		Status:    session.Status,
		ExpiresAt: e.takeover.ExpiresAt(session),
	}, nil
}

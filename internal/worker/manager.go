package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"polychat/internal/apperr"
	"polychat/internal/models"
	"polychat/internal/redis"
	"polychat/internal/resumable"
	"polychat/internal/service/ai"
	"polychat/internal/service/assistant"
	"polychat/internal/sse"
)

const (
	defaultQueueSize         = 64
	defaultGenerationTimeout = 10 * time.Minute
)

// ErrDispatcherBusy is returned by Submit when the job queue is full.
var ErrDispatcherBusy = errors.New("worker: dispatcher queue is full")

type JobType int

const (
	Generate JobType = iota
	Stop
)

func (t JobType) String() string {
	switch t {
	case Generate:
		return "generate"
	case Stop:
		return "stop"
	default:
		return fmt.Sprintf("job(%d)", int(t))
	}
}

type Job struct {
	Type JobType
	Task *GenerateTask
}

// GenerateTask asks for an assistant reply to a user message that is
// already persisted. Output goes to Producer, which the worker closes.
type GenerateTask struct {
	UserID   int64
	ChatID   string
	ModelID  string
	Message  *models.Message
	Producer *resumable.Producer

	epoch epoch
}

// ChatStore is the persistence the worker needs.
type ChatStore interface {
	GetMessages(ctx context.Context, chatID string) ([]*models.Message, error)
	SaveMessages(ctx context.Context, messages ...*models.Message) error
	UpdateChatTitle(ctx context.Context, id, title string) error
	GetTemperatureUnit(ctx context.Context, userID int64) (models.TemperatureUnit, error)
}

type AICalling interface {
	StreamChat(ctx context.Context, req ai.ChatRequest, emit ai.Emitter) (*models.Message, error)
}

type AsCalling interface {
	GenerateTitle(ctx context.Context, message *models.Message) (string, error)
}

var aiFactory = func(svc *ai.Service) (AICalling, error) {
	if svc == nil {
		return nil, errors.New("ai service unavailable")
	}
	return svc, nil
}

var titleFactory = func(ctx context.Context, svc *ai.Service, userID int64) (AsCalling, error) {
	if svc == nil {
		return nil, errors.New("title generator unavailable")
	}
	m, err := svc.TitleModel(ctx, userID)
	if err != nil {
		return nil, err
	}
	return assistant.NewTitleGenerator(m), nil
}

type DispatcherConfig struct {
	MinWorkers  int
	MaxWorkers  int
	QueueSize   int
	IdleTimeout time.Duration
	// GenerationTimeout bounds a single job.
	GenerationTimeout time.Duration
}

type Manager struct {
	store      ChatStore
	ai         *ai.Service
	dispatcher *Dispatcher
	running    *runningSet
	epochs     *cancelEpochs
	bus        *cancelBus
	timeout    time.Duration
	stopBus    context.CancelFunc
}

// NewManager starts the worker pool. cache is optional; with it,
// cancellations reach generations running on other instances.
func NewManager(store ChatStore, aiSvc *ai.Service, cache *redis.Client, cfg DispatcherConfig) *Manager {
	if cfg.GenerationTimeout <= 0 {
		cfg.GenerationTimeout = defaultGenerationTimeout
	}
	m := &Manager{
		store:   store,
		ai:      aiSvc,
		running: newRunningSet(),
		epochs:  newCancelEpochs(),
		bus:     newCancelBus(cache),
		timeout: cfg.GenerationTimeout,
	}
	m.dispatcher = NewDispatcher(cfg.MinWorkers, cfg.MaxWorkers, cfg.QueueSize, m, cfg.IdleTimeout)

	busCtx, cancel := context.WithCancel(context.Background())
	m.stopBus = cancel
	if err := m.bus.startListener(busCtx, m.applyCancel); err != nil {
		log.Printf("worker: cancel listener disabled: %v", err)
	}
	return m
}

// Submit queues a generation without blocking.
func (m *Manager) Submit(task *GenerateTask) error {
	if task == nil || task.Producer == nil || task.Message == nil {
		return errors.New("worker: incomplete generate task")
	}
	task.epoch = m.epochs.current(task.UserID, task.ChatID)
	select {
	case m.dispatcher.JobQueue <- Job{Type: Generate, Task: task}:
		return nil
	default:
		return ErrDispatcherBusy
	}
}

// CancelUser drops a user's queued jobs and cancels their running ones,
// here and on other instances.
func (m *Manager) CancelUser(userID int64) {
	m.cancelUserLocal(userID)
	m.bus.publish(cancelMessage{UserID: userID, Scope: scopeUser})
}

// CancelChat stops the generation of one chat.
func (m *Manager) CancelChat(userID int64, chatID string) {
	m.cancelChatLocal(userID, chatID)
	m.bus.publish(cancelMessage{UserID: userID, ChatID: chatID, Scope: scopeChat})
}

func (m *Manager) applyCancel(msg cancelMessage) {
	switch msg.Scope {
	case scopeUser:
		m.cancelUserLocal(msg.UserID)
	case scopeChat:
		m.cancelChatLocal(msg.UserID, msg.ChatID)
	}
}

func (m *Manager) cancelUserLocal(userID int64) {
	m.epochs.bumpUser(userID)
	for _, job := range m.dispatcher.CancelUser(userID) {
		m.abandon(job.Task, "generation cancelled")
	}
	if n := m.running.cancelUser(userID); n > 0 {
		debugLog("[manager] cancelled %d running jobs of user %d", n, userID)
	}
}

func (m *Manager) cancelChatLocal(userID int64, chatID string) {
	m.epochs.bumpChat(chatID)
	m.dispatcher.mu.Lock()
	var dropped []*GenerateTask
	if q := m.dispatcher.queues[userID]; q != nil {
		kept := q.jobs[:0]
		for _, job := range q.jobs {
			if job.Task != nil && job.Task.ChatID == chatID {
				dropped = append(dropped, job.Task)
				continue
			}
			kept = append(kept, job)
		}
		q.jobs = kept
		if len(kept) == 0 {
			delete(m.dispatcher.queues, userID)
			if elem, ok := m.dispatcher.positions[userID]; ok {
				m.dispatcher.ready.Remove(elem)
				delete(m.dispatcher.positions, userID)
			}
		}
	}
	m.dispatcher.mu.Unlock()
	for _, task := range dropped {
		m.abandon(task, "generation cancelled")
	}
	if n := m.running.cancelChat(chatID); n > 0 {
		debugLog("[manager] cancelled %d running jobs of chat %s", n, chatID)
	}
}

// Running reports whether a generation for chatID runs on this instance.
func (m *Manager) Running(chatID string) bool {
	return m.running.isRunning(chatID)
}

func (m *Manager) Close() {
	m.stopBus()
	close(m.dispatcher.pool.done)
}

// abandon closes the stream of a task that will never run.
func (m *Manager) abandon(task *GenerateTask, reason string) {
	if task == nil || task.Producer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	em := &emitter{ctx: ctx, producer: task.Producer}
	_ = em.emit(sse.EventError, apperr.New(apperr.Offline, apperr.SurfaceChat, reason).ToBody())
	_ = em.emit(sse.EventFinish, map[string]any{})
	_ = task.Producer.Close(ctx)
}

type emitter struct {
	ctx      context.Context
	producer *resumable.Producer
}

func (e *emitter) emit(event string, payload any) error {
	frame, err := sse.Encode(event, payload)
	if err != nil {
		return err
	}
	return e.producer.Write(e.ctx, frame)
}

func (m *Manager) handleGenerate(task *GenerateTask) {
	if task == nil {
		return
	}
	if m.epochs.stale(task.UserID, task.ChatID, task.epoch) {
		m.abandon(task, "generation cancelled")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	m.running.add(task, cancel)
	defer func() {
		m.running.remove(task)
		cancel()
	}()

	// writes use a separate context so the closing frames survive cancellation
	writeCtx, writeCancel := context.WithTimeout(context.Background(), m.timeout+time.Minute)
	defer writeCancel()
	em := &emitter{ctx: writeCtx, producer: task.Producer}
	defer func() {
		if r := recover(); r != nil {
			log.Printf("worker: generation for chat %s panicked: %v", task.ChatID, r)
			_ = em.emit(sse.EventError, internalErrorBody(fmt.Errorf("%v", r)))
			_ = em.emit(sse.EventFinish, map[string]any{})
		}
		if err := task.Producer.Close(writeCtx); err != nil {
			log.Printf("worker: close stream %s: %v", task.Producer.ID(), err)
		}
	}()

	_ = em.emit(sse.EventStart, map[string]string{"chatId": task.ChatID, "messageId": task.Message.ID})

	msg, err := m.generate(ctx, task, em)
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			err = apperr.New(apperr.Offline, apperr.SurfaceChat, "generation cancelled")
		}
		log.Printf("worker: generation for chat %s failed: %v", task.ChatID, err)
		_ = em.emit(sse.EventError, internalErrorBody(err))
		_ = em.emit(sse.EventFinish, map[string]any{})
		return
	}
	_ = em.emit(sse.EventFinish, map[string]string{"messageId": msg.ID})
}

func (m *Manager) generate(ctx context.Context, task *GenerateTask, em *emitter) (*models.Message, error) {
	history, err := m.store.GetMessages(ctx, task.ChatID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	if !containsMessage(history, task.Message.ID) {
		history = append(history, task.Message)
	}
	if len(history) == 1 {
		m.generateTitle(ctx, task, em)
	}

	unit, err := m.store.GetTemperatureUnit(ctx, task.UserID)
	if err != nil {
		unit = models.Celsius
	}

	aiSvc, err := aiFactory(m.ai)
	if err != nil {
		return nil, err
	}
	msg, err := aiSvc.StreamChat(ctx, ai.ChatRequest{
		UserID:  task.UserID,
		ChatID:  task.ChatID,
		ModelID: task.ModelID,
		Unit:    unit,
		History: history,
	}, em.emit)
	if err != nil {
		return nil, err
	}
	msg.ChatID = task.ChatID
	if msg.ModelID == "" {
		msg.ModelID = task.ModelID
	}
	if err := m.store.SaveMessages(writeContext(ctx), msg); err != nil {
		return nil, fmt.Errorf("save assistant message: %w", err)
	}
	return msg, nil
}

// generateTitle names a new chat; failures keep the default title.
func (m *Manager) generateTitle(ctx context.Context, task *GenerateTask, em *emitter) {
	gen, err := titleFactory(ctx, m.ai, task.UserID)
	if err != nil {
		log.Printf("worker: title generator unavailable: %v", err)
		return
	}
	title, err := gen.GenerateTitle(ctx, task.Message)
	if err != nil {
		log.Printf("worker: generate title for chat %s: %v", task.ChatID, err)
		return
	}
	title = strings.TrimSpace(title)
	if title == "" || title == models.DefaultChatTitle {
		return
	}
	if err := m.store.UpdateChatTitle(ctx, task.ChatID, title); err != nil {
		log.Printf("worker: update title for chat %s: %v", task.ChatID, err)
		return
	}
	_ = em.emit(sse.EventTitle, title)
}

// writeContext keeps the final save alive when the generation deadline
// hits right after the model finished.
func writeContext(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

func containsMessage(history []*models.Message, id string) bool {
	for _, msg := range history {
		if msg != nil && msg.ID == id {
			return true
		}
	}
	return false
}

func internalErrorBody(err error) any {
	if ae, ok := apperr.As(err); ok {
		return ae.ToBody()
	}
	return apperr.Body{Code: "offline:chat", Message: "The model failed to respond. Please try again.", Cause: err.Error()}
}

package worker

import (
	"container/list"
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"polychat/internal/models"
	"polychat/internal/resumable"
	"polychat/internal/service/ai"
	"polychat/internal/sse"

	"github.com/google/uuid"
)

func newStreams(t *testing.T) *resumable.Context {
	t.Helper()
	store, err := resumable.OpenBolt(filepath.Join(t.TempDir(), "streams.bolt"))
	if err != nil {
		t.Fatalf("OpenBolt: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return resumable.New(store, time.Hour)
}

func useFactories(t *testing.T, aiSvc AICalling, title AsCalling) {
	t.Helper()
	origAI, origTitle := aiFactory, titleFactory
	t.Cleanup(func() {
		aiFactory = origAI
		titleFactory = origTitle
	})
	aiFactory = func(*ai.Service) (AICalling, error) { return aiSvc, nil }
	titleFactory = func(context.Context, *ai.Service, int64) (AsCalling, error) { return title, nil }
}

func newTask(t *testing.T, streams *resumable.Context, store *mockStore, userID int64, chatID, text string) *GenerateTask {
	t.Helper()
	msg := &models.Message{
		ID:        uuid.NewString(),
		ChatID:    chatID,
		Role:      models.RoleUser,
		Parts:     []models.Part{{Type: models.PartText, Text: text}},
		CreatedAt: time.Now().UTC(),
	}
	if err := store.SaveMessages(context.Background(), msg); err != nil {
		t.Fatalf("SaveMessages: %v", err)
	}
	producer, err := streams.Produce(context.Background(), uuid.NewString())
	if err != nil {
		t.Fatalf("Produce: %v", err)
	}
	return &GenerateTask{UserID: userID, ChatID: chatID, ModelID: "openai/gpt-4o-mini", Message: msg, Producer: producer}
}

func readFrames(t *testing.T, streams *resumable.Context, id string) []sse.Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r, err := streams.Follow(ctx, id)
	if err != nil {
		t.Fatalf("Follow: %v", err)
	}
	defer r.Close()
	var b strings.Builder
	for {
		chunk, err := r.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		b.Write(chunk)
	}
	return sse.Parse(b.String())
}

func eventNames(frames []sse.Frame) string {
	names := make([]string, 0, len(frames))
	for _, f := range frames {
		names = append(names, f.Event)
	}
	return strings.Join(names, ",")
}

func TestManagerGenerateStreamsAndPersists(t *testing.T) {
	store := newMockStore()
	streams := newStreams(t)
	useFactories(t, &fakeAI{}, &fakeAS{})
	manager := NewManager(store, nil, nil, DispatcherConfig{MinWorkers: 2, MaxWorkers: 2, QueueSize: 10})
	defer manager.Close()

	task := newTask(t, streams, store, 1, "chat-1", "hello")
	if err := manager.Submit(task); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	frames := readFrames(t, streams, task.Producer.ID())
	if got := eventNames(frames); got != "start,title,text,finish" {
		t.Fatalf("unexpected events %s", got)
	}
	if frames[1].Data != "fake-title" || frames[2].Data != "ai: hello" {
		t.Fatalf("unexpected payloads %+v", frames)
	}
	if store.title("chat-1") != "fake-title" {
		t.Fatalf("title not persisted")
	}
	msgs, _ := store.GetMessages(context.Background(), "chat-1")
	if len(msgs) != 2 || msgs[1].Role != models.RoleAssistant || msgs[1].Text() != "ai: hello" {
		t.Fatalf("assistant message not persisted: %+v", msgs)
	}

	// a second turn keeps the title
	task = newTask(t, streams, store, 1, "chat-1", "again")
	if err := manager.Submit(task); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if got := eventNames(readFrames(t, streams, task.Producer.ID())); got != "start,text,finish" {
		t.Fatalf("unexpected events on second turn %s", got)
	}
}

func TestManagerReportsGenerationErrors(t *testing.T) {
	store := newMockStore()
	streams := newStreams(t)
	useFactories(t, &failingAI{}, &fakeAS{})
	manager := NewManager(store, nil, nil, DispatcherConfig{MinWorkers: 1, MaxWorkers: 1, QueueSize: 10})
	defer manager.Close()

	task := newTask(t, streams, store, 1, "chat-err", "hello")
	if err := manager.Submit(task); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	frames := readFrames(t, streams, task.Producer.ID())
	if got := eventNames(frames); got != "start,title,error,finish" {
		t.Fatalf("unexpected events %s", got)
	}
	if !strings.Contains(frames[2].Data, "offline:chat") {
		t.Fatalf("unexpected error payload %s", frames[2].Data)
	}
	msgs, _ := store.GetMessages(context.Background(), "chat-err")
	if len(msgs) != 1 {
		t.Fatalf("no assistant message expected, got %d messages", len(msgs))
	}
}

func TestDispatcherJobOrder(t *testing.T) {
	store := newMockStore()
	streams := newStreams(t)
	var mu sync.Mutex
	order := make([]string, 0, 2)
	useFactories(t, &labeledAI{onRun: func(label string) {
		mu.Lock()
		order = append(order, label)
		mu.Unlock()
	}}, &fakeAS{})
	manager := NewManager(store, nil, nil, DispatcherConfig{MinWorkers: 2, MaxWorkers: 2, QueueSize: 10})
	defer manager.Close()

	first := newTask(t, streams, store, 11, "chat-order", "first")
	if err := manager.Submit(first); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	readFrames(t, streams, first.Producer.ID())
	second := newTask(t, streams, store, 11, "chat-order", "second")
	if err := manager.Submit(second); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	readFrames(t, streams, second.Producer.ID())

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("expected execution order [first second], got %v", order)
	}
}

func TestManagerHighLoadAllowsOtherUsers(t *testing.T) {
	store := newMockStore()
	streams := newStreams(t)
	block := make(chan struct{})
	started := make(chan struct{})
	useFactories(t, &routingAI{
		slow: &fakeBlockingAI{block: block, started: started},
		fast: &fakeAI{},
	}, &fakeAS{})
	manager := NewManager(store, nil, nil, DispatcherConfig{MinWorkers: 1, MaxWorkers: 3, QueueSize: 10})
	defer manager.Close()

	slow := newTask(t, streams, store, 1, "slow", "slow")
	if err := manager.Submit(slow); err != nil {
		t.Fatalf("Submit slow: %v", err)
	}
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatalf("slow task did not start")
	}

	fast := newTask(t, streams, store, 2, "fast", "fast")
	if err := manager.Submit(fast); err != nil {
		t.Fatalf("Submit fast: %v", err)
	}
	if got := eventNames(readFrames(t, streams, fast.Producer.ID())); !strings.HasSuffix(got, "finish") {
		t.Fatalf("fast stream did not finish: %s", got)
	}
	close(block)
	readFrames(t, streams, slow.Producer.ID())

	tasks := make([]*GenerateTask, 0, 13)
	for uid := int64(3); uid <= 15; uid++ {
		task := newTask(t, streams, store, uid, uuid.NewString(), "multi")
		if err := manager.Submit(task); err != nil {
			t.Fatalf("submit user %d: %v", uid, err)
		}
		tasks = append(tasks, task)
	}
	for _, task := range tasks {
		if got := eventNames(readFrames(t, streams, task.Producer.ID())); got != "start,title,text,finish" {
			t.Fatalf("user %d: unexpected events %s", task.UserID, got)
		}
	}
}

func TestCancelUserStopsRunningAndQueuedJobs(t *testing.T) {
	store := newMockStore()
	streams := newStreams(t)
	started := make(chan struct{})
	useFactories(t, &fakeBlockingAI{block: make(chan struct{}), started: started}, &fakeAS{})
	manager := NewManager(store, nil, nil, DispatcherConfig{MinWorkers: 1, MaxWorkers: 1, QueueSize: 10})
	defer manager.Close()

	running := newTask(t, streams, store, 5, "chat-a", "one")
	queued := newTask(t, streams, store, 5, "chat-b", "two")
	if err := manager.Submit(running); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatalf("first job did not start")
	}
	if err := manager.Submit(queued); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !manager.Running("chat-a") {
		t.Fatalf("chat-a must be running")
	}
	// the dispatcher holds this one while it waits for the busy worker
	waitFor(t, func() bool { return len(manager.dispatcher.JobQueue) == 0 })

	manager.CancelUser(5)
	for _, task := range []*GenerateTask{running, queued} {
		frames := readFrames(t, streams, task.Producer.ID())
		if got := eventNames(frames); !strings.HasSuffix(got, "error,finish") {
			t.Fatalf("expected cancelled stream, got %s", got)
		}
	}
	waitFor(t, func() bool { return !manager.Running("chat-a") })
}

func TestCancelChatReachesEveryGenerationOfTheChat(t *testing.T) {
	store := newMockStore()
	streams := newStreams(t)
	gated := newGatedAI(2)
	useFactories(t, gated, &fakeAS{})
	manager := NewManager(store, nil, nil, DispatcherConfig{MinWorkers: 2, MaxWorkers: 2, QueueSize: 10})
	defer manager.Close()

	first := newTask(t, streams, store, 1, "chat-x", "one")
	if err := manager.Submit(first); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	gated.waitStarted(t, 0)
	second := newTask(t, streams, store, 1, "chat-x", "two")
	if err := manager.Submit(second); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	gated.waitStarted(t, 1)

	// the first generation finishing must not forget the second one
	close(gated.release[0])
	if got := eventNames(readFrames(t, streams, first.Producer.ID())); !strings.HasSuffix(got, "finish") || strings.Contains(got, "error") {
		t.Fatalf("first generation should complete, got %s", got)
	}
	waitFor(t, func() bool { return runningCount(manager, "chat-x") == 1 })

	manager.CancelChat(1, "chat-x")
	frames := readFrames(t, streams, second.Producer.ID())
	if got := eventNames(frames); got != "start,error,finish" {
		t.Fatalf("expected cancelled second generation, got %s", got)
	}
	if !strings.Contains(frames[1].Data, "generation cancelled") {
		t.Fatalf("unexpected error payload %s", frames[1].Data)
	}
	waitFor(t, func() bool { return !manager.Running("chat-x") })
}

func TestRunningSetTracksTasksIndependently(t *testing.T) {
	set := newRunningSet()
	a := &GenerateTask{UserID: 1, ChatID: "chat"}
	b := &GenerateTask{UserID: 1, ChatID: "chat"}
	c := &GenerateTask{UserID: 1, ChatID: "other"}
	var cancelled []string
	set.add(a, func() { cancelled = append(cancelled, "a") })
	set.add(b, func() { cancelled = append(cancelled, "b") })
	set.add(c, func() { cancelled = append(cancelled, "c") })

	set.remove(a)
	if !set.isRunning("chat") {
		t.Fatalf("b still runs on chat")
	}
	if n := set.cancelChat("chat"); n != 1 || len(cancelled) != 1 || cancelled[0] != "b" {
		t.Fatalf("expected only b cancelled, got %d %v", n, cancelled)
	}
	if n := set.cancelUser(1); n != 2 {
		t.Fatalf("expected b and c for the user, got %d", n)
	}
	set.remove(b)
	set.remove(c)
	if set.isRunning("chat") || set.isRunning("other") || len(set.byUser) != 0 {
		t.Fatalf("set must be empty after removals")
	}
}

func TestPoolReapsIdleWorkersDownToMinimum(t *testing.T) {
	pool := newJobChannelPool(1, 3, time.Hour, nil)
	defer close(pool.done)
	for i := 0; i < 3; i++ {
		pool.spawnWorker()
	}
	pool.spawnWorker() // already full
	waitFor(t, func() bool {
		running, idle := pool.stats()
		return running == 3 && idle == 3
	})

	pool.mu.Lock()
	pool.idleTTL = time.Millisecond
	pool.mu.Unlock()
	time.Sleep(5 * time.Millisecond)
	pool.reapIdle()
	waitFor(t, func() bool {
		running, idle := pool.stats()
		return running == 1 && idle == 1
	})
}

func TestDispatcherCancelUserDropsQueue(t *testing.T) {
	d := &Dispatcher{
		queues:    make(map[int64]*userQueue),
		ready:     list.New(),
		positions: make(map[int64]*list.Element),
	}
	for _, uid := range []int64{1, 2, 1} {
		d.enqueueJob(Job{Type: Generate, Task: &GenerateTask{UserID: uid}})
	}
	if d.pending(1) != 2 || d.pending(2) != 1 {
		t.Fatalf("unexpected pending counts %d/%d", d.pending(1), d.pending(2))
	}
	if dropped := d.CancelUser(1); len(dropped) != 2 {
		t.Fatalf("expected 2 dropped jobs, got %d", len(dropped))
	}
	if d.pending(1) != 0 || d.ready.Len() != 1 || d.ready.Front().Value.(int64) != 2 {
		t.Fatalf("user 2 must be the only ready user")
	}
}

func TestSubmitReturnsBusyWhenQueueFull(t *testing.T) {
	store := newMockStore()
	streams := newStreams(t)
	block := make(chan struct{})
	started := make(chan struct{})
	useFactories(t, &fakeBlockingAI{block: block, started: started}, &fakeAS{})
	manager := NewManager(store, nil, nil, DispatcherConfig{MinWorkers: 1, MaxWorkers: 1, QueueSize: 1})
	defer manager.Close()
	defer close(block)

	if err := manager.Submit(newTask(t, streams, store, 1, "c1", "a")); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-started
	// the dispatcher takes this one and waits for a free worker
	if err := manager.Submit(newTask(t, streams, store, 2, "c2", "b")); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitFor(t, func() bool { return len(manager.dispatcher.JobQueue) == 0 })
	if err := manager.Submit(newTask(t, streams, store, 3, "c3", "c")); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := manager.Submit(newTask(t, streams, store, 4, "c4", "d")); !errors.Is(err, ErrDispatcherBusy) {
		t.Fatalf("expected ErrDispatcherBusy, got %v", err)
	}
}

func TestRunningSet(t *testing.T) {
	s := newRunningSet()
	var cancelled []string
	a := &GenerateTask{UserID: 1, ChatID: "a"}
	b := &GenerateTask{UserID: 1, ChatID: "b"}
	c := &GenerateTask{UserID: 2, ChatID: "c"}
	s.add(a, func() { cancelled = append(cancelled, "a") })
	s.add(b, func() { cancelled = append(cancelled, "b") })
	s.add(c, func() { cancelled = append(cancelled, "c") })

	if s.cancelChat("c") == 0 || s.cancelChat("missing") > 0 {
		t.Fatalf("cancelChat must report running chats only")
	}
	if n := s.cancelUser(1); n != 2 {
		t.Fatalf("expected 2 cancellations, got %d", n)
	}
	s.remove(a)
	if s.isRunning("a") || !s.isRunning("b") {
		t.Fatalf("remove must only drop the given chat")
	}
	if len(cancelled) != 3 {
		t.Fatalf("unexpected cancellations %v", cancelled)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

// --- helpers ---

type mockStore struct {
	mu       sync.Mutex
	messages map[string][]*models.Message
	titles   map[string]string
}

func newMockStore() *mockStore {
	return &mockStore{
		messages: make(map[string][]*models.Message),
		titles:   make(map[string]string),
	}
}

func (m *mockStore) GetMessages(ctx context.Context, chatID string) ([]*models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*models.Message(nil), m.messages[chatID]...), nil
}

func (m *mockStore) SaveMessages(ctx context.Context, messages ...*models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range messages {
		m.messages[msg.ChatID] = append(m.messages[msg.ChatID], msg)
	}
	return nil
}

func (m *mockStore) UpdateChatTitle(ctx context.Context, id, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.titles[id] = title
	return nil
}

func (m *mockStore) GetTemperatureUnit(ctx context.Context, userID int64) (models.TemperatureUnit, error) {
	return models.Celsius, nil
}

func (m *mockStore) title(chatID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.titles[chatID]
}

func reply(req ai.ChatRequest, text string) *models.Message {
	return &models.Message{
		ID:        uuid.NewString(),
		ChatID:    req.ChatID,
		Role:      models.RoleAssistant,
		Parts:     []models.Part{{Type: models.PartText, Text: text}},
		CreatedAt: time.Now().UTC(),
	}
}

func lastText(req ai.ChatRequest) string {
	return req.History[len(req.History)-1].Text()
}

type fakeAI struct{}

func (f *fakeAI) StreamChat(ctx context.Context, req ai.ChatRequest, emit ai.Emitter) (*models.Message, error) {
	text := "ai: " + lastText(req)
	if err := emit(sse.EventText, text); err != nil {
		return nil, err
	}
	return reply(req, text), nil
}

type failingAI struct{}

func (f *failingAI) StreamChat(ctx context.Context, req ai.ChatRequest, emit ai.Emitter) (*models.Message, error) {
	return nil, errors.New("upstream exploded")
}

type fakeAS struct{}

func (f *fakeAS) GenerateTitle(ctx context.Context, message *models.Message) (string, error) {
	return "fake-title", nil
}

type fakeBlockingAI struct {
	block   chan struct{}
	started chan struct{}
	once    sync.Once
}

func (f *fakeBlockingAI) StreamChat(ctx context.Context, req ai.ChatRequest, emit ai.Emitter) (*models.Message, error) {
	f.once.Do(func() {
		if f.started != nil {
			close(f.started)
		}
	})
	select {
	case <-f.block:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return reply(req, "ai: "+lastText(req)), nil
}

type labeledAI struct {
	onRun func(label string)
}

func (f *labeledAI) StreamChat(ctx context.Context, req ai.ChatRequest, emit ai.Emitter) (*models.Message, error) {
	if f.onRun != nil {
		f.onRun(lastText(req))
	}
	return reply(req, "ai: "+lastText(req)), nil
}

// routingAI sends the chat named "slow" to a blocking fake.
type routingAI struct {
	slow AICalling
	fast AICalling
}

func (r *routingAI) StreamChat(ctx context.Context, req ai.ChatRequest, emit ai.Emitter) (*models.Message, error) {
	if req.ChatID == "slow" {
		return r.slow.StreamChat(ctx, req, emit)
	}
	return r.fast.StreamChat(ctx, req, emit)
}

func runningCount(m *Manager, chatID string) int {
	m.running.mu.Lock()
	defer m.running.mu.Unlock()
	return len(m.running.byChat[chatID])
}

// gatedAI blocks the n-th call until release[n] is closed.
type gatedAI struct {
	mu      sync.Mutex
	calls   int
	started []chan struct{}
	release []chan struct{}
}

func newGatedAI(n int) *gatedAI {
	g := &gatedAI{}
	for i := 0; i < n; i++ {
		g.started = append(g.started, make(chan struct{}))
		g.release = append(g.release, make(chan struct{}))
	}
	return g
}

func (g *gatedAI) waitStarted(t *testing.T, i int) {
	t.Helper()
	select {
	case <-g.started[i]:
	case <-time.After(2 * time.Second):
		t.Fatalf("call %d did not start", i)
	}
}

func (g *gatedAI) StreamChat(ctx context.Context, req ai.ChatRequest, emit ai.Emitter) (*models.Message, error) {
	g.mu.Lock()
	i := g.calls
	g.calls++
	g.mu.Unlock()
	close(g.started[i])
	select {
	case <-g.release[i]:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return reply(req, "ai: "+lastText(req)), nil
}

package worker

import (
	"context"
	"sync"
)

// runningSet tracks in-flight generations per task so that several
// generations on one chat can be cancelled independently of each other.
type runningSet struct {
	mu     sync.Mutex
	byChat map[string]map[*GenerateTask]context.CancelFunc
	byUser map[int64]map[*GenerateTask]context.CancelFunc
}

func newRunningSet() *runningSet {
	return &runningSet{
		byChat: make(map[string]map[*GenerateTask]context.CancelFunc),
		byUser: make(map[int64]map[*GenerateTask]context.CancelFunc),
	}
}

func (s *runningSet) add(task *GenerateTask, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tasks := s.byChat[task.ChatID]
	if tasks == nil {
		tasks = make(map[*GenerateTask]context.CancelFunc)
		s.byChat[task.ChatID] = tasks
	}
	tasks[task] = cancel
	owned := s.byUser[task.UserID]
	if owned == nil {
		owned = make(map[*GenerateTask]context.CancelFunc)
		s.byUser[task.UserID] = owned
	}
	owned[task] = cancel
}

func (s *runningSet) remove(task *GenerateTask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tasks := s.byChat[task.ChatID]; tasks != nil {
		delete(tasks, task)
		if len(tasks) == 0 {
			delete(s.byChat, task.ChatID)
		}
	}
	if owned := s.byUser[task.UserID]; owned != nil {
		delete(owned, task)
		if len(owned) == 0 {
			delete(s.byUser, task.UserID)
		}
	}
}

func collect(tasks map[*GenerateTask]context.CancelFunc) []context.CancelFunc {
	cancels := make([]context.CancelFunc, 0, len(tasks))
	for _, cancel := range tasks {
		cancels = append(cancels, cancel)
	}
	return cancels
}

// cancelChat cancels every generation of chatID running here and reports how many there were.
func (s *runningSet) cancelChat(chatID string) int {
	s.mu.Lock()
	cancels := collect(s.byChat[chatID])
	s.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	return len(cancels)
}

func (s *runningSet) cancelUser(userID int64) int {
	s.mu.Lock()
	cancels := collect(s.byUser[userID])
	s.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	return len(cancels)
}

func (s *runningSet) isRunning(chatID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byChat[chatID]) > 0
}

// epoch is the cancellation generation a task was submitted under.
type epoch struct {
	user uint64
	chat uint64
}

// cancelEpochs catches jobs that were already handed to the dispatcher
// when their user or chat got cancelled.
type cancelEpochs struct {
	mu    sync.Mutex
	users map[int64]uint64
	chats map[string]uint64
}

func newCancelEpochs() *cancelEpochs {
	return &cancelEpochs{
		users: make(map[int64]uint64),
		chats: make(map[string]uint64),
	}
}

func (e *cancelEpochs) current(userID int64, chatID string) epoch {
	e.mu.Lock()
	defer e.mu.Unlock()
	return epoch{user: e.users[userID], chat: e.chats[chatID]}
}

func (e *cancelEpochs) bumpUser(userID int64) {
	e.mu.Lock()
	e.users[userID]++
	e.mu.Unlock()
}

func (e *cancelEpochs) bumpChat(chatID string) {
	e.mu.Lock()
	e.chats[chatID]++
	e.mu.Unlock()
}

func (e *cancelEpochs) stale(userID int64, chatID string, at epoch) bool {
	return e.current(userID, chatID) != at
}

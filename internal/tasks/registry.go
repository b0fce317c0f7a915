package tasks

import (
	"context"
	"sync"

	"cwcr_console/internal/models"
)

// IntentExpirer sweeps payment dialogs whose gateway window has passed
type IntentExpirer interface {
	ExpireStale(ctx context.Context) (int64, error)
}

// Mailer sends plain-text email
type Mailer interface {
	SendEmail(to []string, subject, body string) error
}

// Messenger sends WhatsApp messages
type Messenger interface {
	SendMessage(ctx context.Context, chatID, text string) error
}

// Env carries the dependencies handed to every task handler
type Env struct {
	Queue        TaskQueue
	Payments     IntentExpirer
	Backend      Backend
	ServiceToken string
	OrgName      string
	Email        Mailer
	Whatsapp     Messenger

	// default report recipients
	ReportEmails   []string
	ReportWhatsapp []string
}

// TaskHandler is the function signature for a task handler.
// It returns a result map stored in the task history.
type TaskHandler func(ctx context.Context, env *Env, task models.ScheduledTask) (map[string]interface{}, error)

// Registry stores the mapping of task names to handlers
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]TaskHandler
}

// GlobalRegistry is the default global registry
var GlobalRegistry = NewRegistry()

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]TaskHandler)}
}

// Register adds a handler for a task name
func (r *Registry) Register(name string, handler TaskHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = handler
}

// Get retrieves a handler for a task name
func (r *Registry) Get(name string) (TaskHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handler, ok := r.handlers[name]
	return handler, ok
}

// RegisterHandler is a helper to register to the global registry
func RegisterHandler(name string, handler TaskHandler) {
	GlobalRegistry.Register(name, handler)
}

// GetHandler is a helper to get from the global registry
func GetHandler(name string) (TaskHandler, bool) {
	return GlobalRegistry.Get(name)
}

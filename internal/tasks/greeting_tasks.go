package tasks

import (
	"context"
	"fmt"
	"log"
	"time"

	"cwcr_console/internal/models"
	"cwcr_console/internal/services"
)

// Backend is the part of the church backend used by worker tasks
type Backend interface {
	RunGreetings(ctx context.Context, token string, kind services.GreetingKind) error
	DailyReport(ctx context.Context, token, date string) (*models.DailyCollectionReport, error)
}

// RunGreetingsArgs selects which greetings jobs to start; empty means all
type RunGreetingsArgs struct {
	Kinds []services.GreetingKind `json:"kinds"`
}

// RunGreetingsTaskDef starts the backend birthday/anniversary greetings jobs
type RunGreetingsTaskDef struct{}

func (t *RunGreetingsTaskDef) TaskID() string {
	return "run_greetings"
}

// CreateTask builds a daily recurring greetings task starting at due
func (t *RunGreetingsTaskDef) CreateTask(args RunGreetingsArgs, due time.Time) (*models.ScheduledTask, error) {
	rule := "FREQ=DAILY"
	return BuildScheduledTask(t.TaskID(), args, due, &rule, models.ScheduledTaskTypeRecurring, 1)
}

func (t *RunGreetingsTaskDef) HandleExecution(ctx context.Context, env *Env, task models.ScheduledTask) (map[string]interface{}, error) {
	if env.Backend == nil || env.ServiceToken == "" {
		return nil, fmt.Errorf("backend service token not configured")
	}
	args, err := decodeArgs[RunGreetingsArgs](task)
	if err != nil {
		return nil, err
	}
	kinds := args.Kinds
	if len(kinds) == 0 {
		kinds = []services.GreetingKind{services.GreetingBirthday, services.GreetingAnniversary}
	}

	started := []string{}
	var failures []string
	for _, kind := range kinds {
		if !kind.Valid() {
			failures = append(failures, fmt.Sprintf("%s: unknown greeting kind", kind))
			continue
		}
		if err := env.Backend.RunGreetings(ctx, env.ServiceToken, kind); err != nil {
			log.Printf("[Task: %s] %s greetings failed: %v", t.TaskID(), kind, err)
			failures = append(failures, fmt.Sprintf("%s: %v", kind, err))
			continue
		}
		started = append(started, string(kind))
	}

	result := map[string]interface{}{
		"started": started,
	}
	if len(failures) > 0 {
		result["errors"] = failures
		return result, fmt.Errorf("%d greetings jobs failed", len(failures))
	}
	return result, nil
}

var RunGreetingsTask = &RunGreetingsTaskDef{}

package tasks

import (
	"context"
	"fmt"
	"log"

	"cwcr_console/internal/models"
)

// ExpireIntentsTaskDef returns gateways left open past their deadline to idle
type ExpireIntentsTaskDef struct{}

func (t *ExpireIntentsTaskDef) TaskID() string {
	return "expire_payment_intents"
}

func (t *ExpireIntentsTaskDef) HandleExecution(ctx context.Context, env *Env, task models.ScheduledTask) (map[string]interface{}, error) {
	if env.Payments == nil {
		return nil, fmt.Errorf("payment service not configured")
	}
	n, err := env.Payments.ExpireStale(ctx)
	if err != nil {
		return nil, fmt.Errorf("expire payment intents: %w", err)
	}
	if n > 0 {
		log.Printf("[Task: %s] Expired %d payment windows", t.TaskID(), n)
	}
	return map[string]interface{}{
		"status":  "success",
		"expired": n,
	}, nil
}

var ExpireIntentsTask = &ExpireIntentsTaskDef{}

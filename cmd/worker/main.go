package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gorm.io/gorm"

	"cwcr_console/internal/config"
	"cwcr_console/internal/models"
	"cwcr_console/internal/services"
	"cwcr_console/internal/tasks"
)

func main() {
	cfg := config.Load()

	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL not set")
	}
	db, err := services.InitDB(cfg.DatabaseURL, cfg.IsProduction())
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	if err := services.AutoMigrate(db); err != nil {
		log.Fatalf("Failed to run database migrations: %v", err)
	}

	backend := services.NewBackendClient(cfg.BackendURL, cfg.BackendTimeout)

	// the worker never takes submit locks; expiry is a single conditional update
	payments := services.NewPaymentService(backend, services.NewGormIntentStore(db), nil, services.PaymentConfig{
		RazorpayKey:    cfg.RazorpayKey,
		OrgName:        cfg.OrgName,
		GatewayTimeout: cfg.GatewayTimeout,
		AllowAdvance:   cfg.AllowAdvancePayment,
		BackendTimeout: cfg.BackendTimeout,
	})

	env := &tasks.Env{
		Queue:          tasks.NewGormTaskQueue(db),
		Payments:       payments,
		Backend:        backend,
		ServiceToken:   cfg.BackendServiceToken,
		OrgName:        cfg.OrgName,
		Email:          services.NewEmailService(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPass, cfg.EmailFrom),
		Whatsapp:       services.NewWahaService(cfg.WahaBaseURL, cfg.WahaAPIKey),
		ReportEmails:   cfg.ReportEmails,
		ReportWhatsapp: cfg.ReportWhatsapp,
	}

	// Initialize Task Registry
	tasks.DefineTasks()

	log.Printf("Worker started. Checking tasks every %s", cfg.WorkerInterval)

	// Create context that cancels on interrupt
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		log.Println("Shutting down worker...")
		cancel()
	}()

	ticker := time.NewTicker(cfg.WorkerInterval)
	defer ticker.Stop()

	processScheduledTasks(ctx, db, env)

	for {
		select {
		case <-ticker.C:
			processScheduledTasks(ctx, db, env)
		case <-ctx.Done():
			return
		}
	}
}

func processScheduledTasks(ctx context.Context, db *gorm.DB, env *tasks.Env) {
	var pendingTasks []models.ScheduledTask
	now := time.Now()
	if err := db.WithContext(ctx).Where("status = ? AND due <= ?", models.ScheduledTaskStatusActive, now).Order("due").Find(&pendingTasks).Error; err != nil {
		log.Printf("Error fetching pending tasks: %v", err)
		return
	}

	if len(pendingTasks) == 0 {
		return
	}

	log.Printf("Found %d pending tasks.", len(pendingTasks))

	for _, task := range pendingTasks {
		if ctx.Err() != nil {
			return
		}
		executeTask(ctx, db, env, task, 1)
	}
}

func executeTask(ctx context.Context, db *gorm.DB, env *tasks.Env, task models.ScheduledTask, curAttempt int) {
	log.Printf("Processing task: %s (ID: %d, attempt %d)", task.TaskName, task.ID, curAttempt)

	if task.Arguments == nil {
		task.Arguments = make(map[string]interface{})
	}

	handler, found := tasks.GetHandler(task.TaskName)
	if !found {
		log.Printf("Task handler not found for: %s. Marking as failure.", task.TaskName)

		now := time.Now()
		db.Model(&task).Updates(map[string]interface{}{
			"status":   models.ScheduledTaskStatusFailure,
			"last_run": &now,
		})

		history := models.ScheduledTaskHistory{
			ScheduledTaskID: task.ID,
			TaskName:        task.TaskName,
			RunAt:           now,
			Status:          "handler_not_found",
			AttemptNumber:   curAttempt,
			Arguments:       task.Arguments,
			Result:          map[string]interface{}{"error": "Handler not found"},
		}
		db.Create(&history)
		return
	}

	startTime := time.Now()
	result, err := handler(ctx, env, task)
	runtimeMs := int(time.Since(startTime).Milliseconds())

	status := "success"
	resultData := result
	if err != nil {
		status = "failure"
		if resultData == nil {
			resultData = map[string]interface{}{}
		}
		resultData["error"] = err.Error()
		log.Printf("Task %s failed: %v", task.TaskName, err)
	} else {
		log.Printf("Task %s completed successfully.", task.TaskName)
	}

	history := models.ScheduledTaskHistory{
		ScheduledTaskID: task.ID,
		TaskName:        task.TaskName,
		RunAt:           startTime,
		Runtime:         runtimeMs,
		Status:          status,
		AttemptNumber:   curAttempt,
		Arguments:       task.Arguments,
		Result:          resultData,
	}
	db.Create(&history)

	taskUpdates := map[string]interface{}{
		"last_run": &startTime,
	}

	if status != "success" {
		if curAttempt < task.MaxAttempt && ctx.Err() == nil {
			executeTask(ctx, db, env, task, curAttempt+1)
			return
		}
		if task.TaskType == models.ScheduledTaskTypeRecurring {
			// a failed occurrence does not stop the schedule
			scheduleNext(task, startTime, taskUpdates)
		} else {
			taskUpdates["status"] = models.ScheduledTaskStatusFailure
		}
	} else {
		switch task.TaskType {
		case models.ScheduledTaskTypeOneTime:
			taskUpdates["status"] = models.ScheduledTaskStatusDone
		case models.ScheduledTaskTypeRecurring:
			scheduleNext(task, startTime, taskUpdates)
		}
	}

	db.Model(&task).Updates(taskUpdates)
}

func scheduleNext(task models.ScheduledTask, ranAt time.Time, updates map[string]interface{}) {
	nextDue := task.NextDue(ranAt)
	// a next due that is not in the future would run the task again on every tick
	if nextDue.After(task.Due) && nextDue.After(ranAt) {
		updates["status"] = models.ScheduledTaskStatusActive
		updates["due"] = nextDue
	} else {
		updates["status"] = models.ScheduledTaskStatusDone
	}
}

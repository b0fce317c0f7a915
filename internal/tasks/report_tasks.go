package tasks

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"cwcr_console/internal/models"
)

const defaultReportTemplate = `$org
Daily collection report for $date
Collected by: $admin

Cash: Rs. $cash
UPI: Rs. $upi
Other: Rs. $other
Total: Rs. $total ($count payments)

$payments`

// CollectionReportArgs defines the arguments of a collection report task
type CollectionReportArgs struct {
	Date         string   `json:"date"`       // YYYY-MM-DD, resolved on first run
	DayOffset    int      `json:"day_offset"` // -1 reports the previous day
	Emails       []string `json:"emails"`
	Whatsapp     []string `json:"whatsapp"`
	Subject      string   `json:"subject"`
	Template     string   `json:"template"`
	AttemptCount int      `json:"attempt_count"`
}

// CollectionReportTaskDef fetches the daily collection report and sends it by email and WhatsApp
type CollectionReportTaskDef struct{}

func (t *CollectionReportTaskDef) TaskID() string {
	return "send_collection_report"
}

// CreateTask builds a one-time report task
func (t *CollectionReportTaskDef) CreateTask(args CollectionReportArgs, due time.Time) (*models.ScheduledTask, error) {
	return BuildScheduledTask(t.TaskID(), args, due, nil, models.ScheduledTaskTypeOneTime, 3)
}

// HandleExecution sends the report to every recipient. Recipients that
// failed are rescheduled in a new task until max_attempt is reached.
func (t *CollectionReportTaskDef) HandleExecution(ctx context.Context, env *Env, task models.ScheduledTask) (map[string]interface{}, error) {
	if env.Backend == nil || env.ServiceToken == "" {
		return nil, fmt.Errorf("backend service token not configured")
	}
	args, err := decodeArgs[CollectionReportArgs](task)
	if err != nil {
		return nil, err
	}
	if args.Date == "" {
		args.Date = time.Now().AddDate(0, 0, args.DayOffset).Format("2006-01-02")
	}
	if len(args.Emails) == 0 && len(args.Whatsapp) == 0 && args.AttemptCount == 0 {
		args.Emails = env.ReportEmails
		args.Whatsapp = env.ReportWhatsapp
	}

	report, err := env.Backend.DailyReport(ctx, env.ServiceToken, args.Date)
	if err != nil {
		return nil, fmt.Errorf("fetch collection report: %w", err)
	}
	if report.Date == "" {
		report.Date = args.Date
	}

	template := args.Template
	if template == "" {
		template = defaultReportTemplate
	}
	subject := args.Subject
	if subject == "" {
		subject = "Daily collection report $date"
	}
	msg := replacePlaceholders(template, env.OrgName, report)
	subject = replacePlaceholders(subject, env.OrgName, report)

	successCount := 0
	var failures []string
	var failedEmails, failedWhatsapp []string

	for _, to := range args.Emails {
		if env.Email == nil {
			failures = append(failures, fmt.Sprintf("%s: email not configured", to))
			continue
		}
		if err := env.Email.SendEmail([]string{to}, subject, msg); err != nil {
			log.Printf("Failed to send collection report to %s: %v", to, err)
			failures = append(failures, fmt.Sprintf("%s: %v", to, err))
			failedEmails = append(failedEmails, to)
			continue
		}
		successCount++
	}
	for _, to := range args.Whatsapp {
		if env.Whatsapp == nil {
			failures = append(failures, fmt.Sprintf("%s: whatsapp not configured", to))
			continue
		}
		if err := env.Whatsapp.SendMessage(ctx, to, msg); err != nil {
			log.Printf("Failed to send collection report to %s via whatsapp: %v", to, err)
			failures = append(failures, fmt.Sprintf("%s: %v", to, err))
			failedWhatsapp = append(failedWhatsapp, to)
			continue
		}
		successCount++
	}

	result := map[string]interface{}{
		"date":    args.Date,
		"total":   len(args.Emails) + len(args.Whatsapp),
		"success": successCount,
		"failure": len(failures),
	}
	if len(failures) == 0 {
		return result, nil
	}
	result["errors"] = failures

	retryable := len(failedEmails) + len(failedWhatsapp)
	if retryable == 0 {
		return result, fmt.Errorf("collection report could not be delivered: %s", strings.Join(failures, "; "))
	}

	attempt := args.AttemptCount
	if attempt+1 >= task.MaxAttempt || env.Queue == nil {
		log.Printf("Max attempts (%d) reached for %d failed recipients.", task.MaxAttempt, retryable)
		return result, fmt.Errorf("max attempts reached, failed to deliver to %d recipients", retryable)
	}

	log.Printf("Partial failure: %d recipients failed. Rescheduling for attempt %d", retryable, attempt+2)
	retryArgs := args
	retryArgs.Emails = failedEmails
	retryArgs.Whatsapp = failedWhatsapp
	retryArgs.AttemptCount = attempt + 1

	// Re-schedule in 5 minutes
	retry, err := BuildScheduledTask(t.TaskID(), retryArgs, time.Now().Add(5*time.Minute), nil, models.ScheduledTaskTypeOneTime, task.MaxAttempt)
	if err != nil {
		return result, fmt.Errorf("failed to build retry task: %w", err)
	}
	if err := env.Queue.Enqueue(ctx, retry); err != nil {
		return result, fmt.Errorf("failed to schedule retry: %w", err)
	}
	result["retry_scheduled"] = true
	return result, nil
}

var CollectionReportTask = &CollectionReportTaskDef{}

func replacePlaceholders(template, org string, report *models.DailyCollectionReport) string {
	var lines []string
	for _, p := range report.Payments {
		line := fmt.Sprintf("- %s (#%d): Rs. %s %s", p.MemberName, p.MemberID, p.Amount.StringFixed(2), strings.ToUpper(p.PaymentMode))
		if p.ReferenceNo != "" {
			line += " ref " + p.ReferenceNo
		}
		lines = append(lines, line)
	}
	payments := strings.Join(lines, "\n")
	if payments == "" {
		payments = "No payments collected."
	}

	r := strings.NewReplacer(
		"$org", org,
		"$date", report.Date,
		"$admin", report.AdminName,
		"$cash", report.ModeTotals.Cash.StringFixed(2),
		"$upi", report.ModeTotals.UPI.StringFixed(2),
		"$other", report.ModeTotals.Other.StringFixed(2),
		"$total", report.TotalAmount.StringFixed(2),
		"$count", fmt.Sprintf("%d", report.TotalTransactions),
		"$payments", payments,
	)
	return r.Replace(template)
}

package main

import (
	"context"
	"flag"
	"log"
	"time"

	"cwcr_console/internal/config"
	"cwcr_console/internal/services"
)

// Sends a test message through the report channels configured for the worker
func main() {
	phone := flag.String("phone", "", "Phone number (e.g. 9876543210 or 919876543210)")
	email := flag.String("email", "", "Also send a test email to this address")
	msg := flag.String("msg", "Test message from the CWCR admin console", "Message body")
	flag.Parse()

	if *phone == "" && *email == "" {
		log.Fatal("Please provide -phone and/or -email")
	}

	cfg := config.Load()

	if *phone != "" {
		waha := services.NewWahaService(cfg.WahaBaseURL, cfg.WahaAPIKey)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		log.Printf("Sending message to %s: %s", services.NormalizeChatID(*phone), *msg)
		if err := waha.SendMessage(ctx, *phone, *msg); err != nil {
			log.Fatalf("Failed to send message: %v", err)
		}
		log.Println("Message sent successfully!")
	}

	if *email != "" {
		mailer := services.NewEmailService(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPass, cfg.EmailFrom)
		if err := mailer.SendEmail([]string{*email}, "Test email", *msg); err != nil {
			log.Fatalf("Failed to send email: %v", err)
		}
		log.Println("Email sent successfully!")
	}
}

package mail

import (
	"fmt"
	"log"
	"net/smtp"

	"github.com/fairwaymentors/clubhouse/internal/pkg/env"
)

// SendMail sends an email via SMTP using the configured server.
func SendMail(to string, subject string, body string) error {
	host := env.GetEnv("SMTP_HOST", "")
	port := env.GetEnv("SMTP_PORT", "")
	username := env.GetEnv("SMTP_USERNAME", "")
	password := env.GetEnv("SMTP_PASSWORD", "")
	sender := env.GetEnv("SMTP_SENDER", "")

	if sender == "" {
		sender = fmt.Sprintf("no-reply@%s", "localhost")
		log.Printf("SMTP_SENDER not set, using default sender: %s", sender)
	}

	var auth smtp.Auth
	if username != "" && password != "" {
		auth = smtp.PlainAuth("", username, password, host)
	}

	addr := fmt.Sprintf("%s:%s", host, port)

	msg := []byte(
		fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n", sender, to, subject) +
			"MIME-Version: 1.0\r\n" +
			"Content-Type: text/html; charset=UTF-8\r\n\r\n" +
			body,
	)

	err := smtp.SendMail(addr, auth, sender, []string{to}, msg)
	if err != nil {
		log.Printf("SMTP send error: %v", err)
		return err
	}

	return nil
}

// SendActivationMail sends the account activation link to a new member.
func SendActivationMail(to string, name string, activationURL string) error {
	subject := "Welcome to Clubhouse - activate your account"
	body := fmt.Sprintf(
		"<p>Hi %s,</p><p>welcome to the Clubhouse golf mentorship community.</p>"+
			"<p>Please activate your account: <a href=\"%s\">%s</a></p>",
		name, activationURL, activationURL,
	)
	return SendMail(to, subject, body)
}

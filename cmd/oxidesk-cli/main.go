package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net"
	"net/smtp"
	"os"
	"os/exec"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/oxidesk/oxidesk/internal/config"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		return
	}
	cmd := os.Args[1]
	cfg, err := config.Load(os.Getenv("OXIDESK_CONFIG"))
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	switch cmd {
	case "up":
		runCompose("up", "-d")
	case "down":
		runCompose("down")
	case "seed":
		seed(cfg)
	case "doctor":
		doctor(cfg)
	case "send-test":
		sendTest(cfg)
	default:
		usage()
	}
}

func runCompose(args ...string) {
	cmd := exec.Command("docker", append([]string{"compose"}, args...)...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		log.Fatalf("docker compose failed: %v", err)
	}
}

// seed delivers a handful of realistic support emails over SMTP so a fresh
// deployment has something for the email ingester to turn into
// conversations. Idempotent per machine via a marker file, same as the
// teacher's seed command.
func seed(cfg config.Config) {
	seedFlag := "/tmp/oxidesk-seed.done"
	if _, err := os.Stat(seedFlag); err == nil {
		fmt.Println("seed already applied; delete /tmp/oxidesk-seed.done to re-run")
		return
	}
	messages := []struct {
		From    string
		Subject string
		Body    string
	}{
		{"alice@example.com", "Printer down", "Our office printer has stopped responding entirely."},
		{"bob@example.com", "Refund request", "I was charged twice for my last order, please refund one."},
		{"carol@example.com", "Invoice request", "Could you send our February invoice again?"},
		{"dave@example.com", "Login trouble", "I can't log into my account since yesterday's update."},
		{"erin@example.com", "General question", "Can you help me change my subscription plan?"},
	}
	for _, msg := range messages {
		sendSMTP(cfg, msg.From, msg.Subject, msg.Body)
	}
	_ = os.WriteFile(seedFlag, []byte(time.Now().Format(time.RFC3339)), 0o644)
	fmt.Println("seeded demo emails")
}

func doctor(cfg config.Config) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	checks := []struct {
		Name string
		Fn   func() error
	}{
		{"smtp", func() error { return pingTCPAddr(cfg.SMTP.Host, cfg.SMTP.Port) }},
		{"database", func() error { return pingDatabase(ctx, cfg.Database.DSN) }},
		{"redis", func() error { return pingTCP(cfg.Redis.URL) }},
		{"email (imap)", func() error { return pingTCPAddr(cfg.Email.Host, cfg.Email.Port) }},
	}
	for _, check := range checks {
		if err := check.Fn(); err != nil {
			fmt.Printf("%s: FAIL (%v)\n", check.Name, err)
			continue
		}
		fmt.Printf("%s: OK\n", check.Name)
	}
}

func sendTest(cfg config.Config) {
	sendSMTP(cfg, "dev@local.oxidesk", "Oxidesk test", "This is a test email from the oxidesk-cli.")
	fmt.Println("sent test email")
}

func sendSMTP(cfg config.Config, from, subject, body string) {
	host := cfg.SMTP.Host
	if host == "" {
		host = "localhost"
	}
	addr := fmt.Sprintf("%s:%d", host, cfg.SMTP.Port)
	to := cfg.SMTP.From
	if to == "" {
		to = "support@local.oxidesk"
	}
	msg := strings.Join([]string{
		"From: " + from,
		"To: " + to,
		"Subject: " + subject,
		"",
		body,
	}, "\r\n")

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		log.Printf("smtp send failed: %v", err)
		return
	}
	defer conn.Close()
	client, err := smtp.NewClient(conn, host)
	if err != nil {
		log.Printf("smtp send failed: %v", err)
		return
	}
	defer client.Quit()
	if err := client.Hello(smtpHeloDomain(from)); err != nil {
		log.Printf("smtp send failed: %v", err)
		return
	}
	if (cfg.SMTP.Username != "" || cfg.SMTP.Password != "") && supportsAuth(client) {
		auth := smtp.PlainAuth("", cfg.SMTP.Username, cfg.SMTP.Password, host)
		if err := client.Auth(auth); err != nil {
			log.Printf("smtp send failed: %v", err)
			return
		}
	}
	if err := client.Mail(from); err != nil {
		log.Printf("smtp send failed: %v", err)
		return
	}
	if err := client.Rcpt(to); err != nil {
		log.Printf("smtp send failed: %v", err)
		return
	}
	writer, err := client.Data()
	if err != nil {
		log.Printf("smtp send failed: %v", err)
		return
	}
	if _, err := writer.Write([]byte(msg)); err != nil {
		_ = writer.Close()
		log.Printf("smtp send failed: %v", err)
		return
	}
	if err := writer.Close(); err != nil {
		log.Printf("smtp send failed: %v", err)
		return
	}
	_ = client.Quit()
}

func smtpHeloDomain(addr string) string {
	parts := strings.Split(addr, "@")
	if len(parts) == 2 && parts[1] != "" {
		return parts[1]
	}
	return "local.oxidesk"
}

func supportsAuth(client *smtp.Client) bool {
	ok, _ := client.Extension("AUTH")
	return ok
}

func pingTCPAddr(host string, port int) error {
	if host == "" {
		return fmt.Errorf("missing host")
	}
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", host, port), 2*time.Second)
	if err != nil {
		return err
	}
	return conn.Close()
}

func pingDatabase(ctx context.Context, dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	return db.PingContext(ctx)
}

func pingTCP(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("missing url")
	}
	host := rawURL
	if strings.Contains(rawURL, "://") {
		parts := strings.Split(rawURL, "://")
		host = parts[len(parts)-1]
	}
	if strings.Contains(host, "/") {
		host = strings.Split(host, "/")[0]
	}
	if !strings.Contains(host, ":") {
		host += ":6379"
	}
	conn, err := net.DialTimeout("tcp", host, 2*time.Second)
	if err != nil {
		return err
	}
	return conn.Close()
}

func usage() {
	fmt.Println("Usage: oxidesk-cli <up|down|seed|doctor|send-test>")
}

package external

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"boommelding/internal/config"
	"boommelding/internal/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func testConfig(enableEmail bool) *config.Config {
	return &config.Config{
		Environment: "local",
		Email: config.EmailConfig{
			FromAddress:     "meldingen@gemeente.example",
			SMTPHost:        "smtp.office365.com",
			SMTPPort:        587,
			SMTPTimeout:     30 * time.Second,
			SendGridBaseURL: "https://api.sendgrid.com",
			APITimeout:      10 * time.Second,
		},
		Feed: config.FeedConfig{
			FetchTimeout:         30 * time.Second,
			MaxRetries:           1,
			BlockPrivateNetworks: true,
			MaxRedirects:         3,
			UserAgent:            "Boommelding/1.0",
		},
		Feature: config.FeatureConfig{EnableEmail: enableEmail},
	}
}

func TestNewClientRegistry_RealClients(t *testing.T) {
	reg, err := NewClientRegistry(testConfig(true), testLogger())
	if err != nil {
		t.Fatalf("NewClientRegistry returned error: %v", err)
	}

	if _, ok := reg.EmailAPI.(*SendGridClient); !ok {
		t.Errorf("EmailAPI is %T, want *SendGridClient", reg.EmailAPI)
	}
	smtpClient, ok := reg.SMTP.(*SMTPClient)
	if !ok {
		t.Fatalf("SMTP is %T, want *SMTPClient", reg.SMTP)
	}
	if smtpClient.cfg.Username != "meldingen@gemeente.example" {
		t.Errorf("SMTP username should be the sender address, got %q", smtpClient.cfg.Username)
	}
	if _, ok := reg.Feed.(*ChangeFeedClient); !ok {
		t.Errorf("Feed is %T, want *ChangeFeedClient", reg.Feed)
	}
}

func TestNewClientRegistry_DisplayNameSenderLogsInWithAddress(t *testing.T) {
	cfg := testConfig(true)
	cfg.Email.FromAddress = "Meldingen <meldingen@gemeente.example>"

	reg, err := NewClientRegistry(cfg, testLogger())
	if err != nil {
		t.Fatalf("NewClientRegistry returned error: %v", err)
	}
	if got := reg.SMTP.(*SMTPClient).cfg.Username; got != "meldingen@gemeente.example" {
		t.Errorf("expected bare address as SMTP username, got %q", got)
	}
}

func TestNewClientRegistry_KillSwitchUsesStubs(t *testing.T) {
	reg, err := NewClientRegistry(testConfig(false), testLogger())
	if err != nil {
		t.Fatalf("NewClientRegistry returned error: %v", err)
	}

	if _, ok := reg.EmailAPI.(*StubEmailProvider); !ok {
		t.Errorf("EmailAPI is %T, want *StubEmailProvider", reg.EmailAPI)
	}
	if _, ok := reg.SMTP.(*StubEmailProvider); !ok {
		t.Errorf("SMTP is %T, want *StubEmailProvider", reg.SMTP)
	}
	if reg.Feed == nil {
		t.Error("Feed should still be constructed")
	}
}

func TestStubEmailProvider_Send(t *testing.T) {
	stub := NewStubEmailProvider("smtp", testLogger())

	msgID, err := stub.Send(context.Background(), types.SendInput{ReferenceID: "ref-9"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(msgID, "msg_stub_") || !strings.HasSuffix(msgID, "ref-9") {
		t.Errorf("unexpected stub message id %q", msgID)
	}
}

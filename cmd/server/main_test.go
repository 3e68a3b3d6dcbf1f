package main

import (
	"testing"

	"kasirinaja/inventory/internal/config"
	"kasirinaja/inventory/internal/notify"
)

func TestValidateSecurityConfigRejectsWeakValues(t *testing.T) {
	err := validateSecurityConfig(config.Config{AuthSecret: "short"})
	if err == nil {
		t.Fatalf("expected weak security config to be rejected")
	}
}

func TestValidateSecurityConfigAcceptsStrongValues(t *testing.T) {
	err := validateSecurityConfig(config.Config{AuthSecret: "0123456789abcdef0123456789abcdef"})
	if err != nil {
		t.Fatalf("expected strong config to pass, got %v", err)
	}
}

func TestNewNotifierSelectsBackend(t *testing.T) {
	n, err := newNotifier(config.Config{NotifyBackend: "none"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := n.(notify.Noop); !ok {
		t.Fatalf("expected noop notifier, got %T", n)
	}

	if _, err := newNotifier(config.Config{NotifyBackend: "kafka"}); err == nil {
		t.Fatalf("expected kafka without brokers to be rejected")
	}

	n, err = newNotifier(config.Config{NotifyBackend: "kafka", KafkaBrokers: "localhost:9092", KafkaTopic: "inventory"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := n.(*notify.KafkaPublisher); !ok {
		t.Fatalf("expected kafka publisher, got %T", n)
	}
	_ = n.Close()
}

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"branchledger/backend/internal/config"
	"branchledger/backend/internal/domain"
	"branchledger/backend/internal/identity"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func testConfig() config.Config {
	return config.Config{
		DefaultBranchID:     "main-branch",
		QuantityPrecision:   6,
		RatePrecision:       6,
		CurrencyPrecision:   2,
		NegativeStockPolicy: "reject",
		LockTTLSeconds:      15,
		IdentitySecret:      testSecret,
		LogLevel:            "info",
	}
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func TestValidateConfig(t *testing.T) {
	if err := validateConfig(testConfig()); err != nil {
		t.Fatalf("expected default config to pass, got %v", err)
	}

	bad := []func(*config.Config){
		func(c *config.Config) { c.NegativeStockPolicy = "sometimes" },
		func(c *config.Config) { c.IdentitySecret = "short" },
		func(c *config.Config) { c.CurrencyPrecision = 8 },
	}
	for i, mutate := range bad {
		cfg := testConfig()
		mutate(&cfg)
		if err := validateConfig(cfg); err == nil {
			t.Fatalf("case %d: expected config to be rejected", i)
		}
	}
}

func TestRunRejectsUnknownCommand(t *testing.T) {
	ctx := context.Background()
	var out bytes.Buffer
	if err := run(ctx, testConfig(), quietLogger(), nil, strings.NewReader(""), &out); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error without command, got %v", err)
	}
	if err := run(ctx, testConfig(), quietLogger(), []string{"serve"}, strings.NewReader(""), &out); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error for unknown command, got %v", err)
	}
}

func TestTokenIsAcceptedByVerifier(t *testing.T) {
	var out bytes.Buffer
	err := run(context.Background(), testConfig(), quietLogger(), []string{"token", "-branch", "branch-7", "-actor", "clerk-1"}, strings.NewReader(""), &out)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	var issued struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(out.Bytes(), &issued); err != nil {
		t.Fatalf("decode token output: %v", err)
	}

	provider, err := identity.NewProvider(testSecret, 0)
	if err != nil {
		t.Fatalf("provider: %v", err)
	}
	t.Setenv("LEDGER_TOKEN", issued.Token)
	actor, err := actorFromEnv(provider)
	if err != nil {
		t.Fatalf("actor from env: %v", err)
	}
	if actor.BranchID != "branch-7" || actor.ActorID != "clerk-1" {
		t.Fatalf("unexpected actor %+v", actor)
	}

	out.Reset()
	err = run(context.Background(), testConfig(), quietLogger(), []string{"token", "-branch", "branch-7"}, strings.NewReader(""), &out)
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error without actor, got %v", err)
	}
}

func TestPostRequiresTokenAndValidJSON(t *testing.T) {
	ctx := context.Background()
	var out bytes.Buffer

	t.Setenv("LEDGER_TOKEN", "")
	err := run(ctx, testConfig(), quietLogger(), []string{"post", "-kind", "purchase"}, strings.NewReader(`{"lines":[]}`), &out)
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error without token, got %v", err)
	}

	provider, _ := identity.NewProvider(testSecret, 0)
	token, _, err := provider.Issue(domain.Actor{BranchID: "main-branch", ActorID: "clerk-1"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	t.Setenv("LEDGER_TOKEN", token)

	err = run(ctx, testConfig(), quietLogger(), []string{"post", "-kind", "purchase"}, strings.NewReader(`{"lines":`), &out)
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error for broken json, got %v", err)
	}
	err = run(ctx, testConfig(), quietLogger(), []string{"post", "-kind", "refund"}, strings.NewReader(`{}`), &out)
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error for unknown kind, got %v", err)
	}
}

func TestReconcileEmptyBranchIsBalanced(t *testing.T) {
	var out bytes.Buffer
	err := run(context.Background(), testConfig(), quietLogger(), []string{"reconcile", "-branch", "main-branch"}, strings.NewReader(""), &out)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if strings.TrimSpace(out.String()) != "[]" {
		t.Fatalf("expected no drifted rows, got %s", out.String())
	}
}

func TestMigrateRequiresDatabase(t *testing.T) {
	err := run(context.Background(), testConfig(), quietLogger(), []string{"migrate"}, strings.NewReader(""), io.Discard)
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error without DATABASE_URL, got %v", err)
	}
}

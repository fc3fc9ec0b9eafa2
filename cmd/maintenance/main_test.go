package main

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

type mockService struct {
	called      []string
	returnCount int64
	returnErr   error
}

func (m *mockService) ReconcileEvents(_ context.Context) (int, error) {
	m.called = append(m.called, "reconcile_events")
	return int(m.returnCount), m.returnErr
}

func (m *mockService) PurgeProvisioningTokens(_ context.Context) (int64, error) {
	m.called = append(m.called, "purge_provisioning_tokens")
	return m.returnCount, m.returnErr
}

func (m *mockService) ExpireSubscriptions(_ context.Context) (int64, error) {
	m.called = append(m.called, "expire_subscriptions")
	return m.returnCount, m.returnErr
}

type mockJobLock struct {
	acquired  bool
	err       error
	lastLock  string
	callCount int
}

func (m *mockJobLock) Acquire(_ context.Context, lockID, _ string, _ time.Duration) (bool, error) {
	m.callCount++
	m.lastLock = lockID
	return m.acquired, m.err
}

func TestHandleRoutesEachTask(t *testing.T) {
	tests := []struct {
		task TaskType
		want string
	}{
		{TaskReconcileEvents, "reconcile_events"},
		{TaskPurgeProvisioningTokens, "purge_provisioning_tokens"},
		{TaskExpireSubscriptions, "expire_subscriptions"},
	}

	for _, tt := range tests {
		t.Run(string(tt.task), func(t *testing.T) {
			svc := &mockService{returnCount: 4}
			h := &Handler{Service: svc, WorkerID: "w-1"}

			result, err := h.Handle(context.Background(), MaintenancePayload{Task: tt.task})
			if err != nil {
				t.Fatalf("Handle: %v", err)
			}
			if len(svc.called) != 1 || svc.called[0] != tt.want {
				t.Errorf("called = %v, want [%s]", svc.called, tt.want)
			}
			if !strings.Contains(result, "4 items processed") {
				t.Errorf("result = %q", result)
			}
		})
	}
}

func TestHandleEmptyTask(t *testing.T) {
	svc := &mockService{}
	h := &Handler{Service: svc}

	if _, err := h.Handle(context.Background(), MaintenancePayload{}); err == nil {
		t.Fatal("expected error for empty task")
	}
	if len(svc.called) != 0 {
		t.Errorf("service should not be called, got %v", svc.called)
	}
}

func TestHandleUnknownTask(t *testing.T) {
	h := &Handler{Service: &mockService{}}

	_, err := h.Handle(context.Background(), MaintenancePayload{Task: "archive_everything"})
	if err == nil || !strings.Contains(err.Error(), "unknown task type") {
		t.Fatalf("expected unknown task error, got %v", err)
	}
}

func TestHandleServiceError(t *testing.T) {
	h := &Handler{Service: &mockService{returnErr: errors.New("db down")}}

	_, err := h.Handle(context.Background(), MaintenancePayload{Task: TaskExpireSubscriptions})
	if err == nil || !strings.Contains(err.Error(), "db down") {
		t.Fatalf("expected wrapped service error, got %v", err)
	}
}

func TestHandleLockUsesReferenceHour(t *testing.T) {
	lock := &mockJobLock{acquired: true}
	h := &Handler{Service: &mockService{}, JobLock: lock, WorkerID: "w-1"}
	ref := time.Date(2026, time.March, 10, 14, 37, 0, 0, time.UTC)

	if _, err := h.Handle(context.Background(), MaintenancePayload{Task: TaskReconcileEvents, ReferenceTime: &ref}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if lock.lastLock != "reconcile_events:2026-03-10T14" {
		t.Errorf("lock id = %q", lock.lastLock)
	}
}

func TestHandleLockHeldSkips(t *testing.T) {
	svc := &mockService{}
	h := &Handler{Service: svc, JobLock: &mockJobLock{acquired: false}}

	result, err := h.Handle(context.Background(), MaintenancePayload{Task: TaskPurgeProvisioningTokens})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !strings.HasPrefix(result, "skipped") {
		t.Errorf("result = %q, want skipped", result)
	}
	if len(svc.called) != 0 {
		t.Errorf("service should not run without the lock")
	}
}

func TestHandleLockError(t *testing.T) {
	svc := &mockService{}
	h := &Handler{Service: svc, JobLock: &mockJobLock{err: errors.New("redis timeout")}}

	if _, err := h.Handle(context.Background(), MaintenancePayload{Task: TaskPurgeProvisioningTokens}); err == nil {
		t.Fatal("expected lock error")
	}
	if len(svc.called) != 0 {
		t.Errorf("service should not run on lock error")
	}
}

func TestLoadLambdaConfig(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/careintake")
	t.Setenv("RECONCILE_AFTER", "30m")
	t.Setenv("AWS_REGION", "eu-west-1")

	cfg, err := loadLambdaConfig()
	if err != nil {
		t.Fatalf("loadLambdaConfig: %v", err)
	}
	if cfg.ReconcileAfter != 30*time.Minute {
		t.Errorf("ReconcileAfter = %v", cfg.ReconcileAfter)
	}
	if cfg.AWS.Region != "eu-west-1" {
		t.Errorf("AWS.Region = %q", cfg.AWS.Region)
	}
	if cfg.Observability.MetricNamespace != "CareIntake" {
		t.Errorf("MetricNamespace = %q, want default", cfg.Observability.MetricNamespace)
	}
}

func TestLoadLambdaConfigRequiresDatabase(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	if _, err := loadLambdaConfig(); err == nil {
		t.Fatal("expected error without DATABASE_URL")
	}
}

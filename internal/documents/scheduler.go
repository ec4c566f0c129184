package documents

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"signdesk/portal-backend/internal/notifications"
)

// IntegrityReport summarizes one integrity sweep.
type IntegrityReport struct {
	Checked    int
	Mismatched int
	Failed     int
	StartedAt  time.Time
	Duration   time.Duration
}

// CheckIntegrity re-hashes the public signed file of every completed document
// and reports the ones whose stored artifact no longer matches its signed hash.
func (s *Service) CheckIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{StartedAt: s.now()}
	docs, err := s.repo.ListCompletedDocuments(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list completed documents: %w", err)
	}

	for i := range docs {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		doc := &docs[i]
		version, err := s.currentVersion(ctx, doc)
		if err != nil || !version.IsSealed() {
			continue
		}

		data, err := s.blobs.Download(ctx, version.StorageRef)
		if err != nil {
			report.Failed++
			s.logger.Warn("Integrity check could not read artifact",
				zap.String("document_id", doc.ID.String()),
				zap.Error(err))
			continue
		}
		report.Checked++

		if HashBytes(data) == *version.SignedHash {
			continue
		}
		report.Mismatched++
		s.logger.Error("Sealed artifact does not match its signed hash",
			zap.String("document_id", doc.ID.String()),
			zap.String("version_id", version.ID.String()))
		s.audit(ActionIntegrityMismatch, nil, doc.ID, "stored artifact does not match signed hash", RequestMeta{},
			map[string]interface{}{"version_id": version.ID.String()})
		s.notify(notifications.EventIntegrityFailure, doc.ID, nil,
			map[string]interface{}{"version_id": version.ID.String()})
	}

	report.Duration = s.now().Sub(report.StartedAt)
	return report, nil
}

// IntegrityMonitor runs CheckIntegrity on a cron schedule.
type IntegrityMonitor struct {
	cron     *cron.Cron
	service  *Service
	schedule string
	timeout  time.Duration
	logger   *zap.Logger
	mu       sync.Mutex
	running  bool
	last     *IntegrityReport
}

// NewIntegrityMonitor creates a monitor for a standard five-field cron schedule.
func NewIntegrityMonitor(service *Service, schedule string, logger *zap.Logger) *IntegrityMonitor {
	return &IntegrityMonitor{
		cron:     cron.New(),
		service:  service,
		schedule: schedule,
		timeout:  time.Hour,
		logger:   logger,
	}
}

// Start registers the sweep and starts the scheduler
func (m *IntegrityMonitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return fmt.Errorf("integrity monitor already running")
	}
	if _, err := m.cron.AddFunc(m.schedule, m.run); err != nil {
		return fmt.Errorf("invalid integrity schedule %q: %w", m.schedule, err)
	}
	m.cron.Start()
	m.running = true
	m.logger.Info("Integrity monitor started", zap.String("schedule", m.schedule))
	return nil
}

// Stop stops the scheduler and waits for a running sweep
func (m *IntegrityMonitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	<-m.cron.Stop().Done()
	m.logger.Info("Integrity monitor stopped")
}

// LastReport returns the result of the most recent sweep
func (m *IntegrityMonitor) LastReport() *IntegrityReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

func (m *IntegrityMonitor) run() {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	report, err := m.service.CheckIntegrity(ctx)
	if err != nil {
		m.logger.Error("Integrity sweep failed", zap.Error(err))
	}
	if report == nil {
		return
	}

	m.mu.Lock()
	m.last = report
	m.mu.Unlock()

	m.logger.Info("Integrity sweep finished",
		zap.Int("checked", report.Checked),
		zap.Int("mismatched", report.Mismatched),
		zap.Int("failed", report.Failed),
		zap.Duration("duration", report.Duration))
}

package migration

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"sync"
)

var ErrAlreadyRunning = errors.New("migration already running")

// Manager runs at most one migration in the background, for the HTTP
// control surface. CLI runs drive the Migrator directly instead.
type Manager struct {
	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	status   Status
	progress *Progress
	sink     Broadcaster
	logOut   io.Writer
}

func NewManager(sink Broadcaster) *Manager {
	return &Manager{sink: sink}
}

// WithLogOutput overrides the run log destination (defaults to a
// migration.log file next to the binary).
func (m *Manager) WithLogOutput(w io.Writer) {
	m.logOut = w
}

func (m *Manager) Start(req Request) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.running = true
	m.mu.Unlock()

	go func() {
		defer func() {
			m.mu.Lock()
			m.running = false
			m.cancel = nil
			if m.progress != nil {
				m.status = m.progress.Snapshot()
			}
			m.mu.Unlock()
		}()

		out := m.logOut
		if out == nil {
			logFile, err := os.OpenFile("migration.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				log.Printf("log file error: %v", err)
				out = os.Stderr
			} else {
				defer logFile.Close()
				out = logFile
			}
		}
		logger := log.New(out, "", log.LstdFlags)

		migrator := NewMigrator(m.sink, logger)
		migrator.WithProgressHook(func(p *Progress) {
			m.AttachProgress(p)
		})
		if _, err := migrator.Run(ctx, req); err != nil {
			if errors.Is(err, context.Canceled) {
				if m.progress != nil {
					m.progress.FinishWithError("canceled")
				}
			}
			logger.Printf("ERROR migration failed: %v", err)
		}
	}()

	return nil
}

func (m *Manager) Cancel() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		if m.progress != nil {
			m.progress.Logf("cancel requested")
		}
		m.cancel()
	}
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.progress != nil {
		m.status = m.progress.Snapshot()
	}
	return m.status
}

func (m *Manager) AttachProgress(p *Progress) {
	m.mu.Lock()
	m.progress = p
	m.status = p.Snapshot()
	m.mu.Unlock()
}

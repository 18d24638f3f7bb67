package migration

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"
)

// Broadcaster receives JSON progress snapshots, typically the websocket hub.
type Broadcaster interface {
	Broadcast([]byte)
}

// Progress tracks the run status for the HTTP API and websocket push, and
// mirrors noteworthy events to the run logger.
type Progress struct {
	mu        sync.Mutex
	startedAt time.Time
	status    Status
	sink      Broadcaster
	logger    *log.Logger
}

type wsMessage struct {
	Type string `json:"type"`
	Data Status `json:"data"`
}

func NewProgress(sink Broadcaster, logger *log.Logger, tables []TableStatus) *Progress {
	return &Progress{
		startedAt: time.Now(),
		status: Status{
			Running:       true,
			CurrentPhase:  "init",
			TableProgress: tables,
		},
		sink:   sink,
		logger: logger,
	}
}

func (p *Progress) Snapshot() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *Progress) SetPhase(phase string) {
	p.mu.Lock()
	p.status.CurrentPhase = phase
	p.touch()
	p.mu.Unlock()
	p.emit()
}

func (p *Progress) Logf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if p.logger != nil {
		p.logger.Printf("INFO %s", msg)
	}
	p.mu.Lock()
	p.status.LogMessage = msg
	p.touch()
	p.mu.Unlock()
	p.emit()
}

func (p *Progress) Warnf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if p.logger != nil {
		p.logger.Printf("WARN %s", msg)
	}
	p.mu.Lock()
	p.status.LogMessage = msg
	p.touch()
	p.mu.Unlock()
	p.emit()
}

func (p *Progress) UpdateTable(schema, name, status string, total, migrated int64) {
	p.mu.Lock()
	for i := range p.status.TableProgress {
		t := &p.status.TableProgress[i]
		if t.Schema == schema && t.Name == name {
			t.Status = status
			t.TotalRows = total
			t.MigratedRows = migrated
			if total > 0 {
				t.Percent = int(float64(migrated) / float64(total) * 100.0)
			} else {
				t.Percent = 0
			}
			break
		}
	}
	p.recalcOverall()
	p.touch()
	p.mu.Unlock()
	p.emit()
}

func (p *Progress) AddFailedTable(schema, name, errMsg string) {
	p.mu.Lock()
	p.status.FailedTables = append(p.status.FailedTables, FailedTable{
		Schema: schema,
		Name:   name,
		Error:  errMsg,
	})
	p.touch()
	p.mu.Unlock()
	p.emit()
}

func (p *Progress) FinishWithError(errMsg string) {
	p.mu.Lock()
	p.status.Running = false
	p.touch()
	p.status.LogMessage = fmt.Sprintf("migration failed: %s (elapsed %ds)", errMsg, p.status.ElapsedSec)
	p.mu.Unlock()
	p.emit()
}

func (p *Progress) Finish() {
	p.mu.Lock()
	p.status.Running = false
	p.status.Overall = 100
	p.touch()
	p.status.LogMessage = fmt.Sprintf("migration completed (elapsed %ds)", p.status.ElapsedSec)
	p.mu.Unlock()
	p.emit()
}

// touch and recalcOverall require p.mu held.
func (p *Progress) touch() {
	p.status.ElapsedSec = int64(time.Since(p.startedAt).Seconds())
}

func (p *Progress) recalcOverall() {
	var total, migrated int64
	for _, t := range p.status.TableProgress {
		total += t.TotalRows
		migrated += t.MigratedRows
	}
	if total > 0 {
		p.status.Overall = int(float64(migrated) / float64(total) * 100.0)
	}
}

func (p *Progress) emit() {
	if p.sink == nil {
		return
	}
	p.mu.Lock()
	status := p.status
	p.mu.Unlock()

	payload, err := json.Marshal(wsMessage{Type: "progress", Data: status})
	if err != nil {
		return
	}
	p.sink.Broadcast(payload)
}

// reportThrottle decides when the copy engine emits a progress line: at
// least every tenth batch or every interval of wall time, whichever comes
// first.
type reportThrottle struct {
	batchSize  int64
	interval   time.Duration
	lastReport time.Time
}

func newReportThrottle(batchSize int, interval time.Duration, now time.Time) *reportThrottle {
	return &reportThrottle{
		batchSize:  int64(batchSize),
		interval:   interval,
		lastReport: now,
	}
}

func (r *reportThrottle) due(processed int64, now time.Time) bool {
	if r.batchSize > 0 && processed%(10*r.batchSize) == 0 {
		r.lastReport = now
		return true
	}
	if now.Sub(r.lastReport) >= r.interval {
		r.lastReport = now
		return true
	}
	return false
}

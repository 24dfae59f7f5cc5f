package scheduler

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"automator/internal/task/queue"
	logx "automator/pkg/logx"
)

// Config controls the scheduler.
type Config struct {
	Timezone string `json:"timezone,omitempty"` // IANA TZ, e.g. "Asia/Jakarta"
}

// Job enqueues TaskID with Options every time Spec fires.
type Job struct {
	Name    string
	Spec    string
	TaskID  string
	Options queue.Options
}

type jobDef struct {
	Job
	spec          string // normalized cron spec or @every
	entryID       cron.EntryID
	startupSpread time.Duration
	fired         atomic.Uint64
}

type Service struct {
	mu sync.Mutex

	log   logx.Logger
	cfg   Config
	loc   *time.Location
	queue *queue.Queue

	parser cron.Parser
	c      *cron.Cron
	defs   []*jobDef

	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

type JobInfo struct {
	Name          string        `json:"name"`
	Spec          string        `json:"spec"`
	TaskID        string        `json:"task_id"`
	StartupSpread time.Duration `json:"startup_spread,omitempty"`
	Fired         uint64        `json:"fired"`
	Next          time.Time     `json:"next,omitempty"`
	Prev          time.Time     `json:"prev,omitempty"`
}

type Snapshot struct {
	Running  bool      `json:"running"`
	Timezone string    `json:"timezone"`
	Jobs     []JobInfo `json:"jobs"`
}

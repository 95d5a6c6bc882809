package bitcoin

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
)

const component = "solo"

// maxTrackedWork bounds how many past jobs accept solutions
const maxTrackedWork = 16

// SoloStats is a snapshot of solo mining progress
type SoloStats struct {
	Active             bool      `json:"active"`
	CurrentHeight      int64     `json:"current_height"`
	Difficulty         float64   `json:"difficulty"`
	NetworkHashrate    float64   `json:"network_hashrate"`
	TemplatesFetched   uint64    `json:"templates_fetched"`
	SolutionsChecked   uint64    `json:"solutions_checked"`
	BlocksSubmitted    uint64    `json:"blocks_submitted"`
	BlocksFound        uint64    `json:"blocks_found"`
	PayoutAddress      string    `json:"payout_address"`
	LastTemplateAt     time.Time `json:"last_template_at"`
	LastBlockFoundHash string    `json:"last_block_found_hash,omitempty"`
}

// SoloMiner turns node templates into jobs and submits solved blocks
type SoloMiner struct {
	node    Node
	builder *JobBuilder
	logger  log.Emitter

	mu       sync.Mutex
	works    map[string]*Work
	order    []string
	prevHash string
	stats    SoloStats
}

// NewSoloMiner creates a solo miner paying to the builder's address
func NewSoloMiner(node Node, builder *JobBuilder, logger log.Emitter) *SoloMiner {
	if logger == nil {
		logger = log.Discard
	}
	return &SoloMiner{
		node:    node,
		builder: builder,
		logger:  logger,
		works:   make(map[string]*Work),
		stats:   SoloStats{PayoutAddress: builder.payout},
	}
}

// Refresh fetches a template and builds a job from it. The job is clean
// when the previous block changed since the last refresh.
func (m *SoloMiner) Refresh(ctx context.Context) (*Work, error) {
	tmpl, err := m.node.GetBlockTemplate(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	clean := tmpl.PreviousHash != m.prevHash
	m.mu.Unlock()

	work, err := m.builder.Build(tmpl, clean)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if clean {
		m.works = make(map[string]*Work)
		m.order = m.order[:0]
	}
	m.prevHash = tmpl.PreviousHash
	m.track(work)
	m.stats.TemplatesFetched++
	m.stats.CurrentHeight = work.Height
	m.stats.Difficulty = work.Difficulty
	m.stats.LastTemplateAt = work.CreatedAt
	m.mu.Unlock()

	m.logger.Emit(component, slog.LevelInfo, "new job",
		"job_id", work.Job.JobID, "height", work.Height, "clean_jobs", clean, "txs", len(work.txs))
	return work, nil
}

func (m *SoloMiner) track(w *Work) {
	m.works[w.Job.JobID] = w
	m.order = append(m.order, w.Job.JobID)
	for len(m.order) > maxTrackedWork {
		delete(m.works, m.order[0])
		m.order = m.order[1:]
	}
}

// Work returns the tracked job with the given id
func (m *SoloMiner) Work(jobID string) (*Work, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.works[jobID]
	if !ok {
		return nil, errors.NotFound("solo_work", jobID)
	}
	return w, nil
}

// SubmitSolution rebuilds the block behind s and submits it when its hash
// meets the network target. It reports whether a block was submitted.
func (m *SoloMiner) SubmitSolution(ctx context.Context, s Solution) (bool, error) {
	w, err := m.Work(s.JobID)
	if err != nil {
		return false, err
	}

	block, err := w.Assemble(s)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrorTypeValidation, "submit_solution", "malformed solution").
			WithContext("job_id", s.JobID)
	}

	m.mu.Lock()
	m.stats.SolutionsChecked++
	m.mu.Unlock()

	hash := block.BlockHash()
	if !HashMeetsTarget(hash, w.Target) {
		return false, nil
	}

	m.logger.Emit(component, slog.LevelInfo, "block candidate", "job_id", s.JobID, "hash", hash.String(), "height", w.Height)

	m.mu.Lock()
	m.stats.BlocksSubmitted++
	m.mu.Unlock()

	if err := m.node.SubmitBlock(ctx, block); err != nil {
		m.logger.Emit(component, slog.LevelError, "block submission failed", "hash", hash.String(), "error", err)
		return true, err
	}

	m.mu.Lock()
	m.stats.BlocksFound++
	m.stats.LastBlockFoundHash = hash.String()
	m.mu.Unlock()

	m.logger.Emit(component, slog.LevelInfo, "block found", "hash", hash.String(), "height", w.Height)
	return true, nil
}

// UpdateNetworkInfo refreshes difficulty and network hashrate from the node
func (m *SoloMiner) UpdateNetworkInfo(ctx context.Context) error {
	info, err := m.node.GetMiningInfo(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.stats.CurrentHeight = info.Blocks
	m.stats.Difficulty = info.Difficulty
	m.stats.NetworkHashrate = info.NetworkHashPS
	m.mu.Unlock()
	return nil
}

// Stats returns a snapshot of solo mining counters
func (m *SoloMiner) Stats() SoloStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Run refreshes work on every interval tick and whenever trigger fires,
// passing each new job to onWork. It returns when ctx is cancelled.
func (m *SoloMiner) Run(ctx context.Context, interval time.Duration, trigger <-chan struct{}, onWork func(*Work)) error {
	m.setActive(true)
	defer m.setActive(false)

	refresh := func(reason string) {
		w, err := m.Refresh(ctx)
		if err != nil {
			if ctx.Err() == nil {
				m.logger.Emit(component, slog.LevelWarn, "template refresh failed", "reason", reason, "error", err)
			}
			return
		}
		if onWork != nil {
			onWork(w)
		}
	}

	refresh("start")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			refresh("interval")
		case <-trigger:
			refresh("block")
		}
	}
}

func (m *SoloMiner) setActive(active bool) {
	m.mu.Lock()
	m.stats.Active = active
	m.mu.Unlock()
}

package telemetry

import (
	"sync"
	"time"

	"github.com/prometheus/procfs"
	"github.com/rs/zerolog/log"
)

// Sampler periodically reads the workload's resident set size and CPU time
// from /proc while it runs. The workload is gone by push time, so the peak
// values recorded here are the only resource profile the pushed metrics
// can carry.
type Sampler struct {
	pid      int
	interval time.Duration
	proc     procfs.Proc
	stopCh   chan struct{}
	wg       sync.WaitGroup
	running  bool

	maxRSS int
}

// NewSampler prepares a sampler for the process with the given pid.
func NewSampler(pid int, interval time.Duration) *Sampler {
	if interval <= 0 {
		interval = time.Second
	}
	return &Sampler{
		pid:      pid,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins periodic sampling. With telemetry disabled, or when the
// process cannot be inspected, the sampler stays idle.
func (s *Sampler) Start() {
	if registry == nil {
		return
	}
	proc, err := procfs.NewProc(s.pid)
	if err != nil {
		log.Debug().Err(err).Int("pid", s.pid).Msg("Workload not sampled")
		return
	}
	s.proc = proc
	s.running = true
	s.wg.Add(1)
	go s.sampleLoop()
}

// Stop halts sampling and takes one final reading. The workload usually
// still exists as a zombie at this point, whose stat line carries the
// definitive CPU totals.
func (s *Sampler) Stop() {
	if !s.running {
		return
	}
	close(s.stopCh)
	s.wg.Wait()
	s.collect()
	s.running = false
}

func (s *Sampler) sampleLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.collect()

	for {
		select {
		case <-ticker.C:
			s.collect()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Sampler) collect() {
	stat, err := s.proc.Stat()
	if err != nil {
		// Already reaped; losing the race with the reaper is expected.
		return
	}

	// A zombie reports zero resident memory, hence the tracked maximum.
	if rss := stat.ResidentMemory(); rss > s.maxRSS {
		s.maxRSS = rss
	}
	WorkloadMaxRSSBytes.Set(float64(s.maxRSS))
	WorkloadCPUSeconds.Set(stat.CPUTime())
}

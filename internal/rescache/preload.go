package rescache

import (
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gluk-w/termdeck/internal/logutil"
	"github.com/gluk-w/termdeck/internal/metrics"
	"github.com/gluk-w/termdeck/internal/remotefs"
)

// PreloadScheduler warms the cache with the first subdirectories of each
// freshly fetched listing. Preloads never overwrite cached listings and never
// go deeper than one level.
type PreloadScheduler struct {
	cache       *Cache
	limit       int
	concurrency int
	log         *zap.Logger

	mu       sync.Mutex
	idle     *sync.Cond
	queue    []Key
	queued   map[Key]struct{}
	draining bool
}

func newPreloadScheduler(c *Cache, limit, concurrency int, log *zap.Logger) *PreloadScheduler {
	s := &PreloadScheduler{
		cache:       c,
		limit:       limit,
		concurrency: concurrency,
		log:         log.Named("preload"),
		queued:      make(map[Key]struct{}),
	}
	s.idle = sync.NewCond(&s.mu)
	return s
}

// ScheduleFrom queues up to limit of the first directories in listing that
// are neither cached nor being fetched, then starts a drain if none is
// running. It returns the number of tasks queued.
func (s *PreloadScheduler) ScheduleFrom(sessionID string, listing []remotefs.Descriptor) int {
	var picked []Key
	for _, d := range listing {
		if len(picked) == s.limit {
			break
		}
		if d.IsDir {
			picked = append(picked, NewKey(sessionID, d.Path))
		}
	}

	var add []Key
	for _, key := range picked {
		if s.cache.cachedOrInFlight(key) {
			metrics.RecordPreloadTask("skipped")
			continue
		}
		add = append(add, key)
	}

	s.mu.Lock()
	n := 0
	for _, key := range add {
		if _, ok := s.queued[key]; ok {
			continue
		}
		s.queued[key] = struct{}{}
		s.queue = append(s.queue, key)
		n++
	}
	start := !s.draining && len(s.queue) > 0
	if start {
		s.draining = true
	}
	s.mu.Unlock()

	for range n {
		metrics.RecordPreloadTask("queued")
	}
	if start {
		go s.drain()
	}
	return n
}

// ProcessQueue drains the queue and returns when it is empty. It returns
// immediately if another drain is running; that drain picks up anything
// queued meanwhile.
func (s *PreloadScheduler) ProcessQueue() {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return
	}
	s.draining = true
	s.mu.Unlock()
	s.drain()
}

// Pending returns the number of queued tasks.
func (s *PreloadScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Idle reports whether no drain is running.
func (s *PreloadScheduler) Idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.draining
}

// Wait blocks until the running drain, if any, finishes.
func (s *PreloadScheduler) Wait() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.draining {
		s.idle.Wait()
	}
}

// drain processes queue snapshots until the queue stays empty. The caller
// must have set s.draining.
func (s *PreloadScheduler) drain() {
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		clear(s.queued)
		if len(batch) == 0 {
			s.draining = false
			s.idle.Broadcast()
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		s.run(batch)
	}
}

// run fetches a batch with bounded concurrency. A failed fetch is logged and
// does not stop its siblings.
func (s *PreloadScheduler) run(batch []Key) {
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for _, key := range batch {
		g.Go(func() error {
			cl, ok := s.cache.startPreload(key)
			if !ok {
				metrics.RecordPreloadTask("skipped")
				return nil
			}
			metrics.RecordPreloadTask("run")
			<-cl.done
			if cl.err != nil {
				s.log.Debug("preload failed",
					zap.String("session", key.SessionID),
					zap.String("path", logutil.SanitizeForLog(key.Path)),
					zap.Error(cl.err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

// drop removes queued tasks of one session, or all tasks for "".
func (s *PreloadScheduler) drop(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.queue[:0]
	for _, key := range s.queue {
		if sessionID == "" || key.SessionID == sessionID {
			delete(s.queued, key)
			continue
		}
		kept = append(kept, key)
	}
	clear(s.queue[len(kept):])
	s.queue = kept
}

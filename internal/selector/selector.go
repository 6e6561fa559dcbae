// Package selector implements the Selector component (spec §4.5): it picks
// one live Instance from a subscribed Service snapshot under a strategy
// flag set, with deterministic tie-breaks between the filters.
package selector

import (
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/zoolink/zoolink/internal/entity"
	"github.com/zoolink/zoolink/internal/subscriber"
	"github.com/zoolink/zoolink/internal/zkpath"
)

// ErrNoCandidates is returned when a pick finds no available instance to
// choose from after the availability filter. A Master pick that cannot
// resolve the lock holder returns a different error.
var ErrNoCandidates = fmt.Errorf("selector: no available instance")

// snapshotSource is the read side of subscriber.Subscriber that Selector
// needs; narrowed to ease testing with a stub.
type snapshotSource interface {
	Service(dept, srv string) (*entity.Service, bool)
}

// Selector picks instances out of a Subscriber's live snapshot. It is
// stateless apart from the round-robin counters, one per service, which
// are process-scoped per spec §4.5 step 6.
type Selector struct {
	sub      snapshotSource
	localIDC string
	log      *slog.Logger

	mu       sync.Mutex
	rrCounters map[string]*uint32
}

var _ snapshotSource = (*subscriber.Subscriber)(nil)

// New builds a Selector reading from sub, with localIDC used by the Idc
// strategy's preference filter.
func New(sub *subscriber.Subscriber, localIDC string, log *slog.Logger) *Selector {
	return &Selector{
		sub:        sub,
		localIDC:   localIDC,
		log:        log,
		rrCounters: make(map[string]*uint32),
	}
}

// Pick returns one instance of dept/srv chosen under strategy, or
// ErrNoCandidates / a not-subscribed error.
func (s *Selector) Pick(dept, srv string, strategy entity.Strategy) (*entity.Instance, error) {
	svcPath := zkpath.MakeServicePath(dept, srv)
	svc, ok := s.sub.Service(dept, srv)
	if !ok {
		return nil, fmt.Errorf("selector: %s is not subscribed", svcPath)
	}

	// Step 1: copy the instance list under the snapshot lock's implicit
	// protection — Subscriber.Service already returns a post-commit
	// snapshot, so a plain read here is race-free; we only need our own
	// copy of the slice to sort/filter without mutating the snapshot. The
	// copy is ordered by node so round-robin walks a stable sequence.
	candidates := make([]*entity.Instance, 0, len(svc.Instances))
	for _, inst := range svc.Instances {
		candidates = append(candidates, inst)
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Node < candidates[j].Node
	})

	// Step 2: filter to available().
	candidates = filterAvailable(candidates)
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}

	// Step 3: Master, by lock.
	if strategy.Has(entity.StrategyMaster) {
		return pickMaster(svc, candidates)
	}

	// Step 4: Idc preference.
	if strategy.Has(entity.StrategyIdc) {
		if only := filterIDC(candidates, s.localIDC); len(only) == 1 {
			return only[0], nil
		} else if len(only) > 1 {
			candidates = only
		}
		// len(only) == 0: revert to the pre-filter list, IDC is a preference.
	}

	switch {
	case strategy.Has(entity.StrategyRandom):
		return candidates[rand.Intn(len(candidates))], nil
	case strategy.Has(entity.StrategyRoundRobin):
		return candidates[s.nextRoundRobin(svcPath, len(candidates))], nil
	default:
		return pickWeighted(candidates)
	}
}

func filterAvailable(in []*entity.Instance) []*entity.Instance {
	out := in[:0:0]
	for _, inst := range in {
		if inst.Available() {
			out = append(out, inst)
		}
	}
	return out
}

func filterIDC(in []*entity.Instance, idc string) []*entity.Instance {
	if idc == "" {
		return nil
	}
	out := in[:0:0]
	for _, inst := range in {
		if inst.IDC == idc {
			out = append(out, inst)
		}
	}
	return out
}

// pickMaster implements spec §4.5 step 3: the service's "lock_master"
// property names the holder as "<ip>-<pid>"; the winning candidate is the
// one whose host and pid properties both match.
func pickMaster(svc *entity.Service, candidates []*entity.Instance) (*entity.Instance, error) {
	value, ok := svc.Properties[entity.LockPropertyName("master")]
	if !ok {
		return nil, fmt.Errorf("selector: %s has no lock_master holder", svc.Path())
	}
	ip, pid, ok := entity.LockHolder(value)
	if !ok {
		return nil, fmt.Errorf("selector: malformed lock_master value %q", value)
	}
	for _, inst := range candidates {
		if inst.Host == ip && inst.Properties[entity.PropPid] == pid {
			return inst, nil
		}
	}
	return nil, fmt.Errorf("selector: lock_master holder %s not among available instances", value)
}

// nextRoundRobin returns the next index into a list of length n for
// svcPath's process-scoped counter, wrapping the counter itself at 65536
// per spec §4.5 step 6 (the modulo against n is taken fresh every call, so
// wrap only needs to keep the counter itself bounded).
func (s *Selector) nextRoundRobin(svcPath string, n int) int {
	const wrap = 65536

	s.mu.Lock()
	counter, ok := s.rrCounters[svcPath]
	if !ok {
		counter = new(uint32)
		s.rrCounters[svcPath] = counter
	}
	s.mu.Unlock()

	for {
		cur := atomic.LoadUint32(counter)
		next := (cur + 1) % wrap
		if atomic.CompareAndSwapUint32(counter, cur, next) {
			return int(cur) % n
		}
	}
}

// pickWeighted implements spec §4.5 step 7: sort descending by priority,
// keep the top-priority prefix, build the inclusive weight ladder, and
// draw a uniform index into [0, total).
func pickWeighted(candidates []*entity.Instance) (*entity.Instance, error) {
	sorted := make([]*entity.Instance, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority > sorted[j].Priority
	})

	top := sorted[0].Priority
	prefix := sorted[:0:0]
	for _, inst := range sorted {
		if inst.Priority != top {
			break
		}
		prefix = append(prefix, inst)
	}

	total := 0
	ladder := make([]int, len(prefix))
	for i, inst := range prefix {
		w := inst.Weight
		if w <= 0 {
			w = entity.PriorityDefault
		}
		total += w
		ladder[i] = total
	}
	if total == 0 {
		return prefix[0], nil
	}

	r := rand.Intn(total)
	for i, bound := range ladder {
		if r < bound {
			return prefix[i], nil
		}
	}
	return prefix[len(prefix)-1], nil
}

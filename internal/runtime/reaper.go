package runtime

import (
	"time"
)

// minReaperTick keeps the reaper from spinning when tests configure very
// short deactivation intervals.
const minReaperTick = 10 * time.Millisecond

// reaperTick derives the scan cadence from the deactivation interval. A
// quarter of the interval keeps reap latency well under one extra
// interval without waking the runtime constantly.
func (r *Runtime) reaperTick() time.Duration {
	tick := r.cfg.DeactivationInterval / 4
	if tick < minReaperTick {
		tick = minReaperTick
	}

	return tick
}

// reap is the idle-instance reaper task. Every tick it scans the live
// table and sends a terminate envelope to any instance idle beyond its
// deactivation interval. Termination is cooperative: the instance drains
// its inbox, runs the stopped hook, and removes itself from the table. An
// instance with a receive hook in flight is never reaped, no matter how
// long the hook runs.
func (r *Runtime) reap() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.reaperTick())
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return

		case <-ticker.C:
			r.reapIdle()
		}
	}
}

// reapIdle performs one reaper scan.
func (r *Runtime) reapIdle() {
	r.mu.Lock()
	var victims []*instance
	for _, inst := range r.live {
		if inst.busy.Load() {
			continue
		}
		if inst.currentState() != StateRunning {
			continue
		}
		if inst.inbox.Len() > 0 {
			continue
		}
		if inst.idleFor() >= inst.deactivateAfter {
			victims = append(victims, inst)
		}
	}
	r.mu.Unlock()

	for _, inst := range victims {
		log.DebugS(r.ctx, "Reaping idle instance",
			"name", inst.key.name, "id", inst.key.id,
			"idle", inst.idleFor())

		inst.terminate(r.ctx)
	}
}

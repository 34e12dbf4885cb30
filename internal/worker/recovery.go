package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/depotworks/depot/internal/bus"
	"github.com/depotworks/depot/internal/reservation"
	"github.com/depotworks/depot/internal/storage"
)

// RescanReport summarizes one orphan sweep.
type RescanReport struct {
	Requeued int
	Failed   int
}

// recoverStartup settles tasks orphaned by the previous process and rebuilds
// the in-memory reservation table from the survivors. It must finish before
// any worker claims: a half-built table would hand out keys that RUNNING
// tasks still hold.
func (p *Pool) recoverStartup(ctx context.Context) error {
	report, err := p.Rescan(ctx)
	if err != nil {
		return fmt.Errorf("recovery scan: %w", err)
	}

	running, err := p.store.RunningTasks(ctx)
	if err != nil {
		return fmt.Errorf("list running tasks: %w", err)
	}
	holds := make([]reservation.Hold, 0, len(running))
	for _, task := range running {
		holds = append(holds, reservation.Hold{
			TaskID:    task.ID,
			Exclusive: reservation.FromStrings(task.Resources),
			Shared:    reservation.FromStrings(task.SharedResources),
		})
	}
	if err := p.reservations.Rebuild(holds); err != nil {
		return fmt.Errorf("rebuild reservations: %w", err)
	}

	if report.Requeued+report.Failed > 0 || len(holds) > 0 {
		p.log.Info("startup recovery complete",
			"requeued", report.Requeued,
			"failed", report.Failed,
			"holders", len(holds))
	}
	return nil
}

// Rescan finds RUNNING tasks whose lease expired, requeues the restart-safe
// ones and fails the rest with WORKER_LOST, and force-releases whatever keys
// the dead workers held. It runs at startup and then on the rescan ticker.
func (p *Pool) Rescan(ctx context.Context) (RescanReport, error) {
	var report RescanReport

	expired, err := p.store.ExpiredRunningTasks(ctx)
	if err != nil {
		return report, fmt.Errorf("scan expired leases: %w", err)
	}

	lost := map[string][]string{}
	for _, task := range expired {
		action := "failed"
		if p.registry.RestartSafe(task.Name) {
			ok, err := p.store.RequeueOrphan(ctx, task.ID)
			if err != nil {
				p.log.Error("requeue orphan failed", "task_id", task.ID, "error", err)
				continue
			}
			if !ok {
				// Someone else settled it between the scan and now.
				continue
			}
			action = "requeued"
			report.Requeued++
		} else {
			ok, err := p.store.FailOrphan(ctx, task.ID)
			if err != nil {
				p.log.Error("fail orphan failed", "task_id", task.ID, "error", err)
				continue
			}
			if !ok {
				continue
			}
			report.Failed++
		}

		p.releaseAndWake(ctx, task.ID)
		lost[task.LeaseOwner] = append(lost[task.LeaseOwner], task.ID)

		if m := p.cfg.Metrics; m != nil {
			m.RecoveryOrphans.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
		}
		p.log.Warn("orphaned task recovered",
			"task_id", task.ID, "name", task.Name,
			"lease_owner", task.LeaseOwner, "action", action)
	}

	if p.cfg.Bus != nil {
		for owner, ids := range lost {
			p.cfg.Bus.Publish(bus.TopicWorkerLost, bus.WorkerLostEvent{
				WorkerID: owner,
				TaskIDs:  ids,
			})
		}
	}

	p.pruneParked(ctx)

	if n, err := p.store.PruneDeadWorkers(ctx, 3*p.cfg.LeaseDuration); err == nil && n > 0 {
		p.log.Info("pruned dead worker rows", "count", n)
	}

	return report, nil
}

func (p *Pool) rescanLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.RescanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.Rescan(ctx); err != nil && ctx.Err() == nil {
				p.setLastError(err)
				p.log.Error("rescan failed", "error", err)
			}
		}
	}
}

// pruneParked drops parked-gauge entries for tasks that went terminal while
// parked (canceled before ever acquiring their keys).
func (p *Pool) pruneParked(ctx context.Context) {
	p.parkedMu.Lock()
	ids := make([]string, 0, len(p.parked))
	for id := range p.parked {
		ids = append(ids, id)
	}
	p.parkedMu.Unlock()

	for _, id := range ids {
		task, err := p.store.GetTask(ctx, id)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err == nil && !task.State.IsTerminal() {
			continue
		}
		p.clearParked(ctx, id)
	}
}

package orchestrator

import (
	"os"

	"github.com/Iron-Ham/troupe/internal/errors"
	"github.com/Iron-Ham/troupe/internal/escalation"
	"github.com/Iron-Ham/troupe/internal/rolestate"
)

// Checkpoint saves every role state under name.
func (o *Orchestrator) Checkpoint(name string) error {
	if err := rolestate.SaveCheckpoint(o.cfg.State.Dir, name, o.file()); err != nil {
		return err
	}
	o.logger.Info("checkpoint saved", "name", name)
	return nil
}

// Checkpoints lists the saved checkpoint names.
func (o *Orchestrator) Checkpoints() ([]string, error) {
	return rolestate.ListCheckpoints(o.cfg.State.Dir)
}

// RestoreCheckpoint replaces every role state with the named checkpoint.
// Readiness is recomputed and escalation timers start fresh episodes.
func (o *Orchestrator) RestoreCheckpoint(name string) error {
	f, err := rolestate.LoadCheckpoint(o.cfg.State.Dir, name)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return errors.NewNotFoundError("checkpoint", name).WithCause(errors.ErrCheckpointNotFound)
		}
		return err
	}

	for _, id := range o.reg.IDs() {
		o.cancelTimers(id)
	}
	if skipped := o.store.Restore(f.Roles); len(skipped) > 0 {
		o.logger.Warn("checkpoint has unregistered roles", "roles", skipped)
	}
	o.haltMu.Lock()
	o.halt = f.Halt
	o.haltMu.Unlock()

	o.resolveAll()
	o.syncAllTimers()

	if o.launcher != nil {
		for _, st := range o.store.Snapshot() {
			if st.Phase.Active() && !st.Archived {
				o.super.RequestStart(st.RoleID)
			} else {
				o.super.RequestStop(st.RoleID)
			}
		}
	}

	o.save()
	o.logger.Info("checkpoint restored", "name", name)
	return nil
}

// Close archives every role at project closure. Archived roles accept no
// further events or transitions and their workers are stopped.
func (o *Orchestrator) Close() error {
	for _, id := range o.reg.IDs() {
		if _, err := o.store.Update(id, func(s *rolestate.RoleState) error {
			s.Archived = true
			return nil
		}); err != nil {
			return err
		}
		o.cancelTimers(id)
		if o.launcher != nil {
			o.super.RequestStop(id)
		}
	}
	o.logger.Info("project closed", "roles", o.reg.Len(), "progress", o.OverallProgress())
	return o.persist()
}

func (o *Orchestrator) cancelTimers(roleID string) {
	for _, c := range []escalation.Condition{
		escalation.BlockedFor24h,
		escalation.DependencyUnresolved,
		escalation.CriticalBlocker,
	} {
		o.scheduler.CancelRole(roleID, c)
	}
}

package harness

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"go.uber.org/multierr"

	"pkt.systems/keyrename/internal/protocol"
)

// Invariant violations. Each is wrapped with the offending store or phase.
var (
	ErrValueLost          = errors.New("harness: value not under exactly one name")
	ErrValueChanged       = errors.New("harness: value changed by rename")
	ErrRenamedWithoutWAL  = errors.New("harness: store renamed without durable commit")
	ErrDoneNotRenamed     = errors.New("harness: committed rename finished with store not renamed")
	ErrCommittedNoWAL     = errors.New("harness: committed phase without durable commit")
	ErrReplicaFaulted     = errors.New("harness: replica faulted")
	ErrLockLeaked         = errors.New("harness: lock held after completion")
	ErrNotDone            = errors.New("harness: protocol did not finish")
	ErrNotIdempotent      = errors.New("harness: handler not idempotent")
	ErrAbortedButRenamed  = errors.New("harness: aborted rename left store renamed")
	ErrCommitDecisionLost = errors.New("harness: durable commit decision lost")

	errStuck = errors.New("harness: no progress")
)

// CheckInvariants evaluates every safety property in the current state and
// returns all violations combined.
func (s *System) CheckInvariants(ctx context.Context) error {
	var errs error
	rec, _, err := s.state.Load(ctx)
	if err != nil {
		return err
	}
	durable := rec.WALCommitted
	snap := s.coord.Snapshot()
	if snap.Phase == protocol.PhaseCommitted && !snap.WALCommitted {
		errs = multierr.Append(errs, ErrCommittedNoWAL)
	}
	if snap.WALCommitted && !durable {
		errs = multierr.Append(errs, ErrCommitDecisionLost)
	}
	for _, id := range s.ids {
		r := s.replicas[id]
		if r.Faulted() {
			errs = multierr.Append(errs, fmt.Errorf("%w: store %d", ErrReplicaFaulted, id))
			continue
		}
		value, name, err := r.Value(ctx)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("store %d: %w", id, err))
			continue
		}
		switch name {
		case protocol.KeyOriginal, protocol.KeyRenamed:
			if !bytes.Equal(value, s.expected[id]) {
				errs = multierr.Append(errs, fmt.Errorf("%w: store %d holds %q, want %q", ErrValueChanged, id, value, s.expected[id]))
			}
		default:
			errs = multierr.Append(errs, fmt.Errorf("%w: store %d", ErrValueLost, id))
			continue
		}
		if !durable && name == protocol.KeyRenamed {
			errs = multierr.Append(errs, fmt.Errorf("%w: store %d", ErrRenamedWithoutWAL, id))
		}
		if snap.Phase == protocol.PhaseDone && durable && name != protocol.KeyRenamed {
			errs = multierr.Append(errs, fmt.Errorf("%w: store %d", ErrDoneNotRenamed, id))
		}
	}
	return errs
}

// CheckIdempotence delivers every in-flight request once and twice to
// copies of its replica and compares the outcomes.
func (s *System) CheckIdempotence(ctx context.Context) error {
	var errs error
	for _, env := range s.net.Pending() {
		msg := env.Msg
		if !msg.Kind.IsRequest() {
			continue
		}
		r, ok := s.replicas[msg.StoreID]
		if !ok || r.Faulted() {
			continue
		}
		once, err := r.Clone()
		if err != nil {
			return err
		}
		twice, err := r.Clone()
		if err != nil {
			return err
		}
		resp1, ok1, err1 := once.Handle(ctx, msg)
		if _, _, err := twice.Handle(ctx, msg); err != nil {
			continue
		}
		resp2, ok2, err2 := twice.Handle(ctx, msg)
		if (err1 == nil) != (err2 == nil) || ok1 != ok2 || resp1 != resp2 {
			errs = multierr.Append(errs, fmt.Errorf("%w: %s responses differ (%s,%t) vs (%s,%t)", ErrNotIdempotent, msg, resp1, ok1, resp2, ok2))
			continue
		}
		st1, err := once.Status(ctx)
		if err != nil {
			return err
		}
		st2, err := twice.Status(ctx)
		if err != nil {
			return err
		}
		if st1 != st2 {
			errs = multierr.Append(errs, fmt.Errorf("%w: %s state %+v vs %+v", ErrNotIdempotent, msg, st1, st2))
		}
	}
	return errs
}

// Settle runs a fair schedule on a copy of the system: no more crashes,
// lost messages are resent, and everything in flight is delivered, including
// stragglers after the coordinator finished. It then checks that the
// protocol finished with every lock released and every store at the name
// the durable decision requires.
func (s *System) Settle(ctx context.Context, maxSteps int) error {
	run, err := s.Clone()
	if err != nil {
		return err
	}
	run.left = budget{}
	for step := 0; ; step++ {
		if step >= maxSteps {
			return fmt.Errorf("%w after %d steps in phase %s", ErrNotDone, step, run.coord.Phase())
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		phase := run.coord.Phase()
		switch {
		case phase == protocol.PhaseCrashed:
			out, err := run.coord.Recover(ctx)
			if err != nil {
				return err
			}
			run.net.SendAll(out)
			continue
		case phase == protocol.PhaseIdle:
			_, out, err := run.coord.BeginRename(ctx)
			if err != nil {
				return err
			}
			run.net.SendAll(out)
			continue
		}
		if pending := run.net.Pending(); len(pending) > 0 {
			if err := run.Apply(ctx, Action{Kind: ActionDeliver, ID: pending[0].ID, Message: pending[0].Msg}); err != nil {
				return err
			}
			continue
		}
		if phase == protocol.PhaseDone {
			break
		}
		out, err := run.coord.Retransmit(ctx)
		if err != nil {
			return err
		}
		if len(out) == 0 {
			return fmt.Errorf("%w: phase %s with nothing to resend", errStuck, phase)
		}
		run.net.SendAll(out)
	}
	return run.checkFinished(ctx)
}

func (s *System) checkFinished(ctx context.Context) error {
	errs := s.CheckInvariants(ctx)
	committed := s.coord.IsDurableCommit()
	for _, id := range s.ids {
		r := s.replicas[id]
		locked, err := r.Locked(ctx)
		if err != nil {
			return multierr.Append(errs, err)
		}
		if locked {
			errs = multierr.Append(errs, fmt.Errorf("%w: store %d", ErrLockLeaked, id))
		}
		name, err := r.KeyName(ctx)
		if err != nil {
			return multierr.Append(errs, err)
		}
		if !committed && name != protocol.KeyOriginal {
			errs = multierr.Append(errs, fmt.Errorf("%w: store %d", ErrAbortedButRenamed, id))
		}
	}
	return errs
}

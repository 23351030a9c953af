package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/language"

	"github.com/thriftbank/thriftbank/internal/customers"
	"github.com/thriftbank/thriftbank/internal/events"
	"github.com/thriftbank/thriftbank/internal/fees"
	"github.com/thriftbank/thriftbank/internal/ledger"
	"github.com/thriftbank/thriftbank/internal/notify"
	"github.com/thriftbank/thriftbank/internal/psp"
	"github.com/thriftbank/thriftbank/internal/shared"
	"github.com/thriftbank/thriftbank/internal/tenant"
)

var openStates = []State{StatePostedLocal, StateDispatched}

// Reconcile applies a provider verdict to a dispatched transfer. Updates for
// finished transfers are ignored: the first terminal outcome wins.
func (s *Service) Reconcile(ctx context.Context, u psp.StatusUpdate) error {
	rec, err := s.lookup(tenant.Unscoped(ctx), u)
	if err != nil {
		return err
	}
	if rec.State.Terminal() {
		s.logger.Debug("transfer already final",
			slog.String("reference", rec.Reference),
			slog.String("state", string(rec.State)),
			slog.String("outcome", string(u.Outcome)),
		)
		return nil
	}
	if rec.State != StatePostedLocal && rec.State != StateDispatched {
		return fmt.Errorf("transfer %s not posted (%s)", rec.Reference, rec.State)
	}
	patch := Patch{PSPReference: u.ExternalReference, PSPCode: u.Code, Message: u.Message}
	scope := tenant.Scope{BranchID: rec.BranchID, UserID: rec.UserID}
	return tenant.Run(ctx, scope, func(ctx context.Context) error {
		switch u.Outcome {
		case psp.OutcomeSettled:
			_, err := s.settle(ctx, rec, patch, u.Source)
			return err
		case psp.OutcomeFailed:
			reason := fmt.Sprintf("provider code %s: %s", u.Code, firstNonEmpty(u.Message, psp.Describe(u.Code)))
			_, err := s.reverse(ctx, rec, reason, patch)
			return err
		case psp.OutcomePending:
			s.pending(ctx, rec, u.Code)
			return nil
		}
		return fmt.Errorf("%w: %q", psp.ErrUnknownStatus, u.Outcome)
	})
}

func (s *Service) lookup(ctx context.Context, u psp.StatusUpdate) (Record, error) {
	attempts := []struct {
		ref   string
		byPSP bool
	}{
		{u.ExternalReference, false},
		{u.Reference, false},
		{u.ExternalReference, true},
		{u.Reference, true},
	}
	for _, a := range attempts {
		if a.ref == "" {
			continue
		}
		get := s.deps.Records.Get
		if a.byPSP {
			get = s.deps.Records.GetByPSPReference
		}
		rec, err := get(ctx, a.ref)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Record{}, err
		}
	}
	return Record{}, fmt.Errorf("%w: %s/%s", psp.ErrReferenceNotFound, u.Reference, u.ExternalReference)
}

// PollPending finishes transfers stuck short of a final state. Records left
// behind before dispatch are recovered locally; dispatched ones older than
// PollAfter are queried at the provider and reconciled when it has a final
// answer.
func (s *Service) PollPending(ctx context.Context, limit int) (int, error) {
	ctx = tenant.Unscoped(ctx)
	cutoff := s.now().Add(-s.policy.PollAfter)
	resolved, err := s.recoverStranded(ctx, cutoff, limit)
	if err != nil {
		return resolved, err
	}
	if s.deps.Gateway == nil {
		return resolved, nil
	}
	recs, err := s.deps.Records.ListStale(ctx, []State{StateDispatched}, cutoff, limit)
	if err != nil {
		return resolved, err
	}
	for _, rec := range recs {
		st, err := s.deps.Gateway.TransferStatusQuery(ctx, psp.StatusQuery{Reference: rec.Reference, ExternalReference: rec.PSPReference})
		code, message := st.Code, st.Message
		if err != nil {
			re, ok := psp.AsRemote(err)
			if !ok {
				s.logger.Warn("transfer status query failed", slog.String("reference", rec.Reference), slog.Any("error", err))
				continue
			}
			code, message = re.Code, re.Message
		}
		outcome, final := pollOutcome(code)
		if !final {
			continue
		}
		err = s.Reconcile(ctx, psp.StatusUpdate{
			Reference:         rec.Reference,
			ExternalReference: firstNonEmpty(st.ExternalReference, rec.PSPReference),
			Outcome:           outcome,
			Code:              code,
			Message:           message,
			Source:            "poll",
		})
		if err != nil {
			s.logger.Error("transfer poll reconcile failed", slog.String("reference", rec.Reference), slog.Any("error", err))
			continue
		}
		resolved++
	}
	return resolved, nil
}

// recoverStranded finishes records whose request died between creating the
// record and handing the transfer to the provider.
func (s *Service) recoverStranded(ctx context.Context, before time.Time, limit int) (int, error) {
	recs, err := s.deps.Records.ListStale(ctx, []State{StateFeeResolved, StatePostedLocal}, before, limit)
	if err != nil {
		return 0, err
	}
	resolved := 0
	for _, rec := range recs {
		scope := tenant.Scope{BranchID: rec.BranchID, UserID: rec.UserID}
		err := tenant.Run(ctx, scope, func(ctx context.Context) error {
			return s.recover(ctx, rec)
		})
		if err != nil {
			s.logger.Error("stranded transfer not recovered",
				slog.String("reference", rec.Reference),
				slog.String("state", string(rec.State)),
				slog.Any("error", err),
			)
			continue
		}
		resolved++
	}
	return resolved, nil
}

func (s *Service) recover(ctx context.Context, rec Record) error {
	if rec.State == StateFeeResolved {
		_, err := s.deps.Ledger.Group(ctx, rec.Reference)
		if errors.Is(err, ledger.ErrGroupNotFound) {
			// nothing was posted, so nothing is held
			_, _, err = s.deps.Records.Transition(ctx, rec.Reference, []State{StateFeeResolved}, StateFailed, Patch{Message: "interrupted before posting"})
			if err == nil {
				s.deps.Metrics.outcome(rec.Kind, StateFailed)
			}
			return err
		}
		if err != nil {
			return err
		}
		updated, changed, err := s.deps.Records.Transition(ctx, rec.Reference, []State{StateFeeResolved}, StatePostedLocal, Patch{})
		if err != nil || !changed {
			return err
		}
		rec = updated
	}
	s.logger.Warn("recovering stranded transfer", slog.String("reference", rec.Reference), slog.String("kind", string(rec.Kind)))
	if rec.Kind == KindIntra {
		_, err := s.settle(ctx, rec, Patch{Message: "settled"}, "recovery")
		return err
	}
	// dispatch moves the record before calling the provider, so it was never sent
	_, err := s.reverse(ctx, rec, "dispatch interrupted", Patch{})
	return err
}

// abandoned answers a request that lost its record to recovery mid-flight.
func (s *Service) abandoned(ctx context.Context, rec Record) (Result, error) {
	if rec.State != StateFailed {
		return rec.Result(), nil
	}
	// recovery failed the record before our postings landed; release them
	_, err := s.deps.Ledger.InsertReversal(context.WithoutCancel(ctx), rec.Reference, "interrupted before posting")
	if err != nil && !errors.Is(err, ledger.ErrDuplicateTrxNo) {
		s.logger.Error("abandoned postings not reversed", slog.String("reference", rec.Reference), slog.Any("error", err))
	}
	return Result{}, fmt.Errorf("%w: %s", ErrInterrupted, rec.Reference)
}

func pollOutcome(code string) (psp.Outcome, bool) {
	switch code {
	case psp.CodeSuccess:
		return psp.OutcomeSettled, true
	case psp.CodePending, psp.CodeSystemMalfunction, "":
		return psp.OutcomePending, false
	}
	return psp.OutcomeFailed, true
}

// settle finalizes the postings and the record. Side effects run once, for the
// call that moved the record.
func (s *Service) settle(ctx context.Context, rec Record, patch Patch, source string) (Record, error) {
	err := s.deps.Ledger.MarkStatus(ctx, rec.Reference, ledger.StatusSuccess, "settled")
	if errors.Is(err, ledger.ErrInvalidTransition) {
		// postings already failed: the reversal won
		s.logger.Warn("settlement after reversal ignored", slog.String("reference", rec.Reference), slog.String("source", source))
		return s.reverse(ctx, rec, "reversed before settlement", patch)
	}
	if err != nil {
		return Record{}, err
	}
	if patch.Message == "" {
		patch.Message = "settled"
	}
	updated, changed, err := s.deps.Records.Transition(ctx, rec.Reference, openStates, StateSettled, patch)
	if err != nil {
		return Record{}, err
	}
	if !changed {
		return updated, nil
	}

	if s.deps.Fees != nil {
		ch := fees.Charge{
			CustomerID: updated.CustomerID,
			BranchID:   updated.BranchID,
			Reference:  updated.Reference,
			Amount:     updated.Amount,
			Quote:      updated.Quote,
			Counterparty: fees.Counterparty{
				Account:  updated.Destination,
				BankCode: updated.DestinationBank,
				Name:     updated.DestinationName,
			},
			SettledAt: s.now(),
		}
		if err := s.deps.Fees.Commit(ctx, ch); err != nil {
			s.logger.Error("fee usage not recorded", slog.String("reference", updated.Reference), slog.Any("error", err))
		}
	}
	s.notifySettled(ctx, updated)
	s.publish(ctx, events.TransferSettled, updated, "")
	s.audit(ctx, shared.AuditTransferSettled, updated, map[string]any{"source": source, "psp_reference": updated.PSPReference})
	s.deps.Metrics.outcome(updated.Kind, StateSettled)
	s.logger.Info("transfer settled",
		slog.String("reference", updated.Reference),
		slog.String("kind", string(updated.Kind)),
		slog.String("source", source),
	)
	return updated, nil
}

// reverse posts the compensating group, which fails the originals in the same
// ledger step. A group that already settled is left alone and the record
// follows the ledger.
func (s *Service) reverse(ctx context.Context, rec Record, reason string, patch Patch) (Record, error) {
	_, err := s.deps.Ledger.InsertReversal(ctx, rec.Reference, reason)
	switch {
	case err == nil, errors.Is(err, ledger.ErrDuplicateTrxNo):
	case errors.Is(err, ledger.ErrInvalidTransition):
		settled, gerr := s.groupSettled(ctx, rec.Reference)
		if gerr != nil {
			return Record{}, gerr
		}
		if !settled {
			return Record{}, err
		}
		s.logger.Warn("reversal after settlement ignored", slog.String("reference", rec.Reference))
		return s.settle(ctx, rec, patch, "ledger")
	default:
		return Record{}, err
	}
	patch.Message = reason
	updated, changed, err := s.deps.Records.Transition(ctx, rec.Reference, openStates, StateReversed, patch)
	if err != nil {
		return Record{}, err
	}
	if !changed {
		return updated, nil
	}
	s.notifyReversed(ctx, updated, reason)
	s.publish(ctx, events.TransferReversed, updated, reason)
	s.audit(ctx, shared.AuditTransferReversed, updated, map[string]any{"reason": reason, "psp_code": updated.PSPCode})
	s.deps.Metrics.outcome(updated.Kind, StateReversed)
	s.logger.Info("transfer reversed",
		slog.String("reference", updated.Reference),
		slog.String("reason", reason),
	)
	return updated, nil
}

func (s *Service) groupSettled(ctx context.Context, reference string) (bool, error) {
	postings, err := s.deps.Ledger.Group(ctx, reference)
	if err != nil {
		return false, err
	}
	for _, p := range postings {
		if p.Status != ledger.StatusSuccess {
			return false, nil
		}
	}
	return len(postings) > 0, nil
}

// pending leaves the postings in P for a later webhook or poll.
func (s *Service) pending(ctx context.Context, rec Record, code string) {
	note := "awaiting provider"
	if code != "" {
		note += " (" + code + ")"
	}
	if err := s.deps.Ledger.Annotate(ctx, rec.Reference, note); err != nil && !errors.Is(err, ledger.ErrInvalidTransition) {
		s.logger.Warn("pending annotation failed", slog.String("reference", rec.Reference), slog.Any("error", err))
	}
	s.publish(ctx, events.TransferPending, rec, note)
	s.audit(ctx, shared.AuditTransferPending, rec, map[string]any{"psp_code": code})
	s.deps.Metrics.outcome(rec.Kind, StateDispatched)
}

func (s *Service) publish(ctx context.Context, typ events.Type, rec Record, reason string) {
	ev := events.Event{
		ID:          uuid.NewString(),
		Type:        typ,
		Reference:   rec.Reference,
		BranchID:    rec.BranchID,
		CustomerID:  rec.CustomerID,
		Source:      rec.Source.String(),
		Destination: rec.Destination,
		Amount:      rec.Amount,
		Fee:         rec.Fee,
		Reason:      reason,
		OccurredAt:  s.now().UTC(),
	}
	if err := s.deps.Events.Publish(ctx, ev); err != nil {
		s.logger.Warn("event publish failed", slog.String("type", string(typ)), slog.String("reference", rec.Reference), slog.Any("error", err))
	}
}

func (s *Service) audit(ctx context.Context, action string, rec Record, meta map[string]any) {
	if s.deps.Audit == nil {
		return
	}
	meta["kind"] = string(rec.Kind)
	meta["amount"] = rec.Amount.String()
	meta["fee"] = rec.Fee.String()
	_ = s.deps.Audit.Record(ctx, shared.AuditLog{
		ActorID:  rec.UserID,
		BranchID: rec.BranchID,
		Action:   action,
		Entity:   "transfer",
		EntityID: rec.Reference,
		Meta:     meta,
		At:       s.now(),
	})
}

func (s *Service) notifySettled(ctx context.Context, rec Record) {
	source, err := s.deps.Customers.Get(ctx, rec.CustomerID)
	if err != nil {
		s.logger.Warn("debit alert skipped", slog.String("reference", rec.Reference), slog.Any("error", err))
		return
	}
	body := fmt.Sprintf("Debit: %s to %s. Fee: %s. Ref: %s",
		rec.Amount.Format(language.English), rec.Destination, rec.Fee.Format(language.English), rec.Reference)
	s.alert(ctx, source, "transfer:"+rec.Reference+":settled", "Debit alert", body)

	if rec.Kind != KindIntra {
		return
	}
	acct, err := ledger.ParseAccountID(rec.Destination)
	if err != nil {
		return
	}
	dest, err := s.deps.Customers.GetByAccount(tenant.Unscoped(ctx), acct)
	if err != nil {
		s.logger.Warn("credit alert skipped", slog.String("reference", rec.Reference), slog.Any("error", err))
		return
	}
	body = fmt.Sprintf("Credit: %s from %s. Ref: %s", rec.Amount.Format(language.English), source.Name, rec.Reference)
	s.alert(ctx, dest, "transfer:"+rec.Reference+":credit", "Credit alert", body)
}

func (s *Service) notifyReversed(ctx context.Context, rec Record, reason string) {
	source, err := s.deps.Customers.Get(ctx, rec.CustomerID)
	if err != nil {
		s.logger.Warn("reversal alert skipped", slog.String("reference", rec.Reference), slog.Any("error", err))
		return
	}
	body := fmt.Sprintf("Reversal: %s returned to your account. Ref: %s. %s",
		rec.Total().Format(language.English), rec.Reference, reason)
	s.alert(ctx, source, "transfer:"+rec.Reference+":reversed", "Transfer reversed", body)
}

func (s *Service) alert(ctx context.Context, c customers.Customer, key, subject, body string) {
	var msgs []notify.Message
	if c.SMSEnabled && c.Phone != "" {
		msgs = append(msgs, notify.Message{Key: key + ":sms", Channel: notify.ChannelSMS, To: c.Phone, Body: body})
	}
	if c.EmailEnabled && c.Email != "" {
		msgs = append(msgs, notify.Message{Key: key + ":email", Channel: notify.ChannelEmail, To: c.Email, Subject: subject, Body: body})
	}
	for _, m := range msgs {
		if err := s.deps.Notifier.Enqueue(ctx, m); err != nil {
			s.logger.Warn("notification not queued", slog.String("key", m.Key), slog.Any("error", err))
		}
	}
}

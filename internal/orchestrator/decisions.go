package orchestrator

import (
	"cmp"
	"context"

	"github.com/Iron-Ham/troupe/internal/decision"
	"github.com/Iron-Ham/troupe/internal/mailbox"
	"github.com/Iron-Ham/troupe/internal/notify"
)

// RequestDecision records a decision for the arbiter. Waiting levels are
// sent to the requesting role's manager; auto and notify levels take effect
// immediately with their default option.
func (o *Orchestrator) RequestDecision(req decision.Request) (decision.Decision, error) {
	d, err := o.decisions.Create(req)
	if err != nil {
		return decision.Decision{}, err
	}

	if d.Level != decision.LevelAuto {
		o.notify(notify.Notification{
			ID:       "decision:" + d.ID,
			Kind:     mailbox.MessageDecisionRequest,
			Source:   cmp.Or(d.RequestingRole, o.cfg.Escalation.ManagerRole),
			Explicit: []string{directory{o}.Manager(d.RequestingRole)},
			Body:     d.Title,
			Metadata: map[string]any{
				"decision_id": d.ID,
				"level":       string(d.Level),
				"resolved":    d.Resolved,
			},
		})
	}

	if d.Resolved {
		opt, _ := d.Option(d.ChosenOption)
		if err := o.applyResolution(o.runContext(), decision.Resolution{Decision: d, Option: opt}); err != nil {
			return d, err
		}
	}
	return d, nil
}

// PendingDecisions returns the decisions waiting for the arbiter, oldest first.
func (o *Orchestrator) PendingDecisions() []decision.Decision {
	return o.decisions.Pending()
}

// Decisions returns every recorded decision, oldest first.
func (o *Orchestrator) Decisions() []decision.Decision {
	return o.decisions.All()
}

// ResolveDecision answers a pending decision. An option carrying an event is
// fed back through ReportEvent for the requesting role.
func (o *Orchestrator) ResolveDecision(ctx context.Context, id, optionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	res, err := o.decisions.Resolve(id, optionID)
	if err != nil {
		return err
	}
	return o.applyResolution(ctx, res)
}

func (o *Orchestrator) applyResolution(ctx context.Context, res decision.Resolution) error {
	if res.Option.Event == "" || res.Decision.RequestingRole == "" {
		return nil
	}
	return o.ReportEvent(ctx, res.Decision.RequestingRole, EventType(res.Option.Event), Payload(res.Option.Payload))
}

// expireDecisions resolves overdue decisions with their default option.
func (o *Orchestrator) expireDecisions(ctx context.Context) {
	for _, res := range o.decisions.Expire(o.now()) {
		if err := o.applyResolution(ctx, res); err != nil {
			o.logger.Warn("expired decision not applied", "decision_id", res.Decision.ID, "error", err)
		}
	}
}

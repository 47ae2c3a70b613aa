package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Command is a user-initiated subscription mutation.
type Command string

const (
	CommandCancel     Command = "cancel"
	CommandReactivate Command = "reactivate"
	CommandUpgrade    Command = "upgrade"
	CommandDowngrade  Command = "downgrade"
)

// ParseCommand normalizes s into one of the four supported commands.
func ParseCommand(s string) (Command, error) {
	switch cmd := Command(strings.ToLower(strings.TrimSpace(s))); cmd {
	case CommandCancel, CommandReactivate, CommandUpgrade, CommandDowngrade:
		return cmd, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidCommand, s)
	}
}

// CommandResult is the outcome of an applied command.
type CommandResult struct {
	Message      string
	Subscription *Subscription

	// Reconciling is set when the provider accepted the change but the local mirror
	// could not be written. The next webhook for the subscription closes the gap.
	Reconciling bool
}

// CommandHandler applies cancel, reactivate, upgrade and downgrade commands.
// The provider is written first; the local row is an optimistic mirror that
// webhook deliveries overwrite.
type CommandHandler struct {
	store   Store
	gateway Gateway
	catalog *Catalog
	logger  Logger
	metrics Metrics
	now     func() time.Time
}

// NewCommandHandler creates a command handler.
func NewCommandHandler(config Config) (*CommandHandler, error) {
	if err := config.validate(false); err != nil {
		return nil, err
	}
	cfg := config.withDefaults()
	return &CommandHandler{
		store:   cfg.Store,
		gateway: cfg.Gateway,
		catalog: cfg.Catalog,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		now:     cfg.Now,
	}, nil
}

// ApplyCommand executes command for caller. targetPlan is required for upgrade and
// downgrade and ignored otherwise.
func (h *CommandHandler) ApplyCommand(ctx context.Context, caller Caller, command, targetPlan string) (*CommandResult, error) {
	res, err := h.applyCommand(ctx, caller, command, targetPlan)
	if err != nil {
		h.metrics.RecordCommand(command, string(KindOf(err)))
		return nil, err
	}
	h.metrics.RecordCommand(command, "success")
	return res, nil
}

func (h *CommandHandler) applyCommand(ctx context.Context, caller Caller, rawCommand, rawPlan string) (*CommandResult, error) {
	if !caller.Authenticated() {
		return nil, ErrUnauthenticated
	}
	cmd, err := ParseCommand(rawCommand)
	if err != nil {
		return nil, err
	}

	var (
		plan    Plan
		priceID string
	)
	if cmd == CommandUpgrade || cmd == CommandDowngrade {
		plan, priceID, err = h.catalog.Lookup(rawPlan)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidPlan, rawPlan)
		}
	}

	email := NormalizeEmail(caller.Email)
	current, err := h.store.GetActiveSubscription(ctx, email)
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			return nil, ErrNoActiveSubscription
		}
		return nil, fmt.Errorf("%w: load subscription: %v", ErrUnexpectedFault, err)
	}

	switch cmd {
	case CommandCancel, CommandReactivate:
		return h.setCancelAtPeriodEnd(ctx, current, cmd == CommandCancel)
	default:
		if err := checkPlanChange(cmd, current.Plan, plan); err != nil {
			return nil, err
		}
		return h.changePlan(ctx, current, cmd, plan, priceID)
	}
}

func checkPlanChange(cmd Command, from, to Plan) error {
	switch {
	case from == to:
		return fmt.Errorf("%w: already on plan %s", ErrInvalidPlan, to)
	case cmd == CommandUpgrade && to.Rank() < from.Rank():
		return fmt.Errorf("%w: %s is not an upgrade from %s", ErrInvalidPlan, to, from)
	case cmd == CommandDowngrade && to.Rank() > from.Rank():
		return fmt.Errorf("%w: %s is not a downgrade from %s", ErrInvalidPlan, to, from)
	}
	return nil
}

func (h *CommandHandler) setCancelAtPeriodEnd(ctx context.Context, current *Subscription, cancel bool) (*CommandResult, error) {
	if _, err := h.gateway.SetCancelAtPeriodEnd(ctx, current.ProviderSubscriptionID, cancel); err != nil {
		return nil, upstream(err)
	}

	message := "Subscription reactivated"
	if cancel {
		message = "Subscription will be cancelled at the end of the billing period"
	}

	return h.mirror(ctx, current, message, func(s *Subscription) {
		s.CancelAtPeriodEnd = cancel
	}), nil
}

func (h *CommandHandler) changePlan(ctx context.Context, current *Subscription, cmd Command, plan Plan, priceID string) (*CommandResult, error) {
	if _, err := h.gateway.ChangePlan(ctx, current.ProviderSubscriptionID, plan, priceID); err != nil {
		return nil, upstream(err)
	}

	verb := "upgraded"
	if cmd == CommandDowngrade {
		verb = "downgraded"
	}
	message := fmt.Sprintf("Subscription %s to %s", verb, plan)

	return h.mirror(ctx, current, message, func(s *Subscription) {
		s.Plan = plan
	}), nil
}

// mirror writes the provider-accepted change onto the local row. A failure here leaves a
// bounded inconsistency window and is not reported as a command error.
func (h *CommandHandler) mirror(ctx context.Context, current *Subscription, message string, apply func(*Subscription)) *CommandResult {
	updated, err := h.store.UpdateSubscription(ctx, current.ProviderSubscriptionID, func(s *Subscription) error {
		apply(s)
		s.UpdatedAt = h.now()
		return nil
	})
	if err != nil {
		h.logger.Error("local mirror write failed after provider update",
			Field{"provider_subscription_id", current.ProviderSubscriptionID},
			Field{"user_email", current.UserEmail},
			Field{"error", err})
		optimistic := current.Clone()
		apply(optimistic)
		return &CommandResult{Message: message, Subscription: optimistic, Reconciling: true}
	}

	h.logger.Info("subscription command applied",
		Field{"provider_subscription_id", updated.ProviderSubscriptionID},
		Field{"user_email", updated.UserEmail},
		Field{"message", message})
	return &CommandResult{Message: message, Subscription: updated}
}

func upstream(err error) error {
	if errors.Is(err, ErrUpstream) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUpstream, err)
}

// Package command contains write operations (CQRS - Commands).
package command

import (
	"context"
	"fmt"

	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/logger"
)

// authorizeFor resolves the caller and checks that it may act for studentID.
func authorizeFor(ctx context.Context, identity shared.IdentityProvider, domain, op, studentID string) error {
	caller, err := identity.CurrentUser(ctx)
	if err != nil {
		return err
	}
	if !caller.CanActFor(studentID) {
		return shared.NewDomainError(domain, op, shared.ErrForbidden,
			fmt.Sprintf("%s may not act for %s", caller.ID, studentID))
	}
	return nil
}

// authorizePrivileged resolves the caller and requires an instructor, admin or
// system role.
func authorizePrivileged(ctx context.Context, identity shared.IdentityProvider, domain, op string) error {
	caller, err := identity.CurrentUser(ctx)
	if err != nil {
		return err
	}
	if !caller.IsPrivileged() {
		return shared.NewDomainError(domain, op, shared.ErrForbidden,
			fmt.Sprintf("%s requires an instructor or admin role", op))
	}
	return nil
}

// publishAll sends bus events after the owning write is durable. Bus failures
// are logged and never fail the command.
func publishAll(pub shared.EventPublisher, log *logger.Logger, events ...shared.Event) {
	if pub == nil {
		return
	}
	for _, ev := range events {
		if ev == nil {
			continue
		}
		if err := pub.Publish(ev); err != nil {
			log.Warn("publish event failed", logger.String("event_type", string(ev.EventType())), logger.Err(err))
		}
	}
}

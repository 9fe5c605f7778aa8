package circuitbreaker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/pedroitan/bulkemail-sub001/internal/db"
)

// Gateway mirrors the worker.Gateway interface to avoid circular imports.
type Gateway interface {
	Send(ctx context.Context, campaign *db.Campaign, rcpt *db.Recipient) (string, error)
}

// ProtectedGateway wraps a sender gateway with a CircuitBreaker. When the
// provider starts failing, the circuit opens and segment runs fail fast
// instead of piling rejected sends onto a dead endpoint.
type ProtectedGateway struct {
	gateway Gateway
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewProtectedGateway wraps a gateway with circuit breaker protection.
func NewProtectedGateway(gateway Gateway, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedGateway {
	return &ProtectedGateway{
		gateway: gateway,
		breaker: breaker,
		logger:  logger,
	}
}

// Send attempts a send through the circuit breaker. If the circuit is open
// it returns ErrCircuitOpen immediately; the scheduler stops the segment
// early and the recipient stays pending for the next run.
func (p *ProtectedGateway) Send(ctx context.Context, campaign *db.Campaign, rcpt *db.Recipient) (string, error) {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected send",
			zap.String("breaker", p.breaker.config.Name),
			zap.Int64("recipient_id", rcpt.ID),
			zap.String("state", p.breaker.GetState().String()),
		)
		return "", fmt.Errorf("%w: %s gateway unavailable", ErrCircuitOpen, p.breaker.config.Name)
	}

	messageID, err := p.gateway.Send(ctx, campaign, rcpt)
	if err != nil {
		p.breaker.RecordFailure()
		p.logger.Debug("circuit breaker recorded failure",
			zap.String("breaker", p.breaker.config.Name),
			zap.Error(err),
		)
		return "", err
	}

	p.breaker.RecordSuccess()
	return messageID, nil
}

// Breaker returns the underlying circuit breaker for metrics/monitoring.
func (p *ProtectedGateway) Breaker() *CircuitBreaker {
	return p.breaker
}

package domain

import "context"

// Delivery hands a chat message to the external agent. Implementations must
// not wait for the agent's answer; that arrives later through a Resolver.
type Delivery interface {
	Name() string
	// Ready reports ErrNotConnected when no transport can reach the agent.
	Ready() error
	Deliver(ctx context.Context, msg QueuedMessage) error
}

// Resolver completes a pending request with the agent's reply.
type Resolver interface {
	Respond(reply Reply) error
}

// TunnelSource reports the public tunnel URL the agent reaches us through.
// An empty string means no tunnel is up.
type TunnelSource interface {
	URL() string
}

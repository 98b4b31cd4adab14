package memory

import "context"

// UnlockCapability is the auth capability that clears locked chunks through
// the built-in capability gate.
const UnlockCapability = "memory:unlock"

// GateFunc adapts a plain function to the AccessGate interface, the hook for
// external authorization or decryption services.
type GateFunc func(ctx context.Context, chunkID string, auth AuthContext) bool

func (f GateFunc) Allow(ctx context.Context, chunkID string, auth AuthContext) bool {
	return f(ctx, chunkID, auth)
}

// AllowAllGate admits every chunk. The default for unencrypted deployments.
type AllowAllGate struct{}

func (AllowAllGate) Allow(context.Context, string, AuthContext) bool { return true }

// CapabilityGate blocks chunks flagged as locked unless the caller holds the
// unlock capability. It consults the store for the flag so the decision
// reflects current state, not the hydrated copy.
type CapabilityGate struct {
	store ChunkStore
}

func NewCapabilityGate(store ChunkStore) *CapabilityGate {
	return &CapabilityGate{store: store}
}

func (g *CapabilityGate) Allow(ctx context.Context, chunkID string, auth AuthContext) bool {
	chunk, err := g.store.GetChunk(ctx, chunkID)
	if err != nil {
		return false
	}
	if !chunk.Locked {
		return true
	}
	return auth.HasCapability(UnlockCapability)
}

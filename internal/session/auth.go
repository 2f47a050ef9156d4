package session

import (
	"context"
	"time"

	apperrors "github.com/orbitmesh/orbitmesh/internal/common/errors"
	"github.com/orbitmesh/orbitmesh/internal/store"
	v1 "github.com/orbitmesh/orbitmesh/pkg/api/v1"
)

// Authenticator validates the credential an agent presents in its Hello
// frame and resolves it to an identity. Implementations must reject before
// any registry state changes.
type Authenticator interface {
	// Authenticate validates the hello credential. It returns Unauthorized
	// when the credential is refused and Unavailable on transient failure.
	Authenticate(ctx context.Context, hello *HelloPayload) (*v1.AgentIdentity, error)

	// Ready reports whether the authenticator can serve requests. Checked
	// once at startup.
	Ready(ctx context.Context) error
}

// StoreAuthenticator validates bootstrap tokens persisted in the store.
type StoreAuthenticator struct {
	store store.Store
}

// NewStoreAuthenticator creates an authenticator backed by the store's
// bootstrap token table.
func NewStoreAuthenticator(st store.Store) *StoreAuthenticator {
	return &StoreAuthenticator{store: st}
}

// Authenticate looks the token up and checks expiry. The token record pins
// the agent id; a hello claiming a different id is refused.
func (a *StoreAuthenticator) Authenticate(ctx context.Context, hello *HelloPayload) (*v1.AgentIdentity, error) {
	if hello.Token == "" {
		return nil, apperrors.Unauthorized("missing credential")
	}
	rec, err := a.store.GetBootstrapToken(ctx, hello.Token)
	if err != nil {
		if apperrors.CodeOf(err) == apperrors.ErrCodeNotFound {
			return nil, apperrors.Unauthorized("unknown credential")
		}
		return nil, err
	}
	if rec.ExpiresAt != nil && time.Now().After(*rec.ExpiresAt) {
		return nil, apperrors.Unauthorized("credential expired")
	}
	if hello.AgentID != "" && hello.AgentID != rec.AgentID {
		return nil, apperrors.Unauthorized("credential does not match agent id")
	}
	identity := &v1.AgentIdentity{
		AgentID:      rec.AgentID,
		Name:         rec.Name,
		Group:        rec.Group,
		Capabilities: rec.Capabilities,
	}
	// The agent's advertised capabilities extend the enrolled ones.
	if len(hello.Capabilities) > 0 {
		identity.Capabilities = hello.Capabilities
	}
	if hello.Group != "" {
		identity.Group = hello.Group
	}
	return identity, nil
}

// Ready verifies the token table is reachable.
func (a *StoreAuthenticator) Ready(ctx context.Context) error {
	_, err := a.store.GetBootstrapToken(ctx, "readiness-probe")
	if err != nil && apperrors.CodeOf(err) != apperrors.ErrCodeNotFound {
		return err
	}
	return nil
}

// StaticAuthenticator accepts a fixed token list from configuration. The
// identity is taken from the hello itself; useful for small fixed fleets.
type StaticAuthenticator struct {
	tokens map[string]struct{}
}

// NewStaticAuthenticator creates an authenticator over a fixed token set.
func NewStaticAuthenticator(tokens []string) *StaticAuthenticator {
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}
	return &StaticAuthenticator{tokens: set}
}

// Authenticate accepts any hello carrying a configured token.
func (a *StaticAuthenticator) Authenticate(_ context.Context, hello *HelloPayload) (*v1.AgentIdentity, error) {
	if _, ok := a.tokens[hello.Token]; !ok {
		return nil, apperrors.Unauthorized("unknown credential")
	}
	return identityFromHello(hello)
}

// Ready always succeeds; the token set is in memory.
func (a *StaticAuthenticator) Ready(context.Context) error { return nil }

// InsecureAuthenticator accepts any credential. Development only.
type InsecureAuthenticator struct{}

// Authenticate trusts the hello as-is.
func (InsecureAuthenticator) Authenticate(_ context.Context, hello *HelloPayload) (*v1.AgentIdentity, error) {
	return identityFromHello(hello)
}

// Ready always succeeds.
func (InsecureAuthenticator) Ready(context.Context) error { return nil }

func identityFromHello(hello *HelloPayload) (*v1.AgentIdentity, error) {
	if hello.AgentID == "" {
		return nil, apperrors.InvalidArgument("hello is missing agent_id")
	}
	name := hello.Name
	if name == "" {
		name = hello.AgentID
	}
	return &v1.AgentIdentity{
		AgentID:      hello.AgentID,
		Name:         name,
		Group:        hello.Group,
		Capabilities: hello.Capabilities,
	}, nil
}

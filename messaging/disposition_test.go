package messaging

import (
	"context"
	"errors"
	"testing"

	"github.com/glimte/msgpump/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispositionResolver(t *testing.T) {
	failure := RouteResult{Kind: Handled, Outcome: contracts.Failure(errors.New("db timeout"))}

	tests := []struct {
		name          string
		result        RouteResult
		deliveryCount int
		autoComplete  bool
		want          DispositionDecision
	}{
		{
			name:   "unhandled is dead-lettered",
			result: RouteResult{Kind: Unhandled},
			want:   DispositionDecision{Action: contracts.DispositionDeadLetter, Reason: ReasonNoHandler},
		},
		{
			name:         "success with auto complete",
			result:       RouteResult{Kind: Handled, Outcome: contracts.Success()},
			autoComplete: true,
			want:         DispositionDecision{Action: contracts.DispositionComplete},
		},
		{
			name:         "fallback success with auto complete",
			result:       RouteResult{Kind: HandledByFallback, Outcome: contracts.Success()},
			autoComplete: true,
			want:         DispositionDecision{Action: contracts.DispositionComplete},
		},
		{
			name:   "unsettled success without auto complete is abandoned",
			result: RouteResult{Kind: Handled, Outcome: contracts.Success()},
			want:   DispositionDecision{Action: contracts.DispositionAbandon, Reason: ReasonNotSettled},
		},
		{
			name:         "explicit dead letter passes through",
			result:       RouteResult{Kind: Handled, Outcome: contracts.Explicit(contracts.DispositionDeadLetter, "poison")},
			autoComplete: true,
			want:         DispositionDecision{Action: contracts.DispositionDeadLetter, Reason: "poison"},
		},
		{
			name:   "explicit complete passes through without auto complete",
			result: RouteResult{Kind: Handled, Outcome: contracts.Explicit(contracts.DispositionComplete, "")},
			want:   DispositionDecision{Action: contracts.DispositionComplete},
		},
		{
			name:          "failure below ceiling is abandoned",
			result:        failure,
			deliveryCount: 1,
			want:          DispositionDecision{Action: contracts.DispositionAbandon, Reason: "db timeout"},
		},
		{
			name:          "failure at ceiling is dead-lettered",
			result:        failure,
			deliveryCount: 5,
			want:          DispositionDecision{Action: contracts.DispositionDeadLetter, Reason: "db timeout"},
		},
		{
			name:          "failure past ceiling is dead-lettered",
			result:        failure,
			deliveryCount: 9,
			autoComplete:  true,
			want:          DispositionDecision{Action: contracts.DispositionDeadLetter, Reason: "db timeout"},
		},
	}

	resolver := NewDispositionResolver(5)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, resolver.Resolve(tt.result, tt.deliveryCount, tt.autoComplete))
		})
	}
}

func TestDispositionResolverRetryThenQuarantine(t *testing.T) {
	r := NewHandlerRegistry()
	require.NoError(t, r.Register(NewHandlerEntry(func(context.Context, orderPlaced, contracts.MessageContext, contracts.CorrelationInfo) error {
		return errors.New("cannot ship")
	})))
	router := NewMessageRouter(r)
	resolver := NewDispositionResolver(5)

	first := router.Route(context.Background(), []byte(`{"id":"1"}`), orderContext(nil), testCorrelation)
	assert.Equal(t, contracts.DispositionAbandon, resolver.Resolve(first, 1, true).Action)

	last := router.Route(context.Background(), []byte(`{"id":"1"}`), orderContext(nil), testCorrelation)
	decision := resolver.Resolve(last, 5, true)
	assert.Equal(t, contracts.DispositionDeadLetter, decision.Action)
	assert.Equal(t, "cannot ship", decision.Reason)
}

func TestDispositionResolverTotality(t *testing.T) {
	outcomes := []contracts.Outcome{
		contracts.Success(),
		contracts.Failure(nil),
		contracts.Failure(errors.New("x")),
		contracts.Failure(contracts.DependencyUnavailable("db", nil)),
		contracts.Explicit(contracts.DispositionComplete, ""),
		contracts.Explicit(contracts.DispositionAbandon, "later"),
		contracts.Explicit(contracts.DispositionDeadLetter, "never"),
		contracts.Explicit(contracts.DispositionNone, ""),
		{},
	}
	valid := []contracts.DispositionAction{
		contracts.DispositionComplete,
		contracts.DispositionAbandon,
		contracts.DispositionDeadLetter,
	}

	for _, limit := range []int{0, 1, 3, 10} {
		resolver := NewDispositionResolver(limit)
		for _, kind := range []RouteKind{Unhandled, Handled, HandledByFallback} {
			for _, outcome := range outcomes {
				for count := 0; count <= 12; count++ {
					for _, auto := range []bool{true, false} {
						decision := resolver.Resolve(RouteResult{Kind: kind, Outcome: outcome}, count, auto)
						assert.Contains(t, valid, decision.Action, "kind=%s outcome=%s count=%d", kind, outcome, count)
					}
				}
			}
		}
	}
}

func TestNewDispositionResolverDefaults(t *testing.T) {
	assert.Equal(t, DefaultMaxDeliveryCount, NewDispositionResolver(0).MaxDeliveryCount())
	assert.Equal(t, DefaultMaxDeliveryCount, DispositionResolver{}.MaxDeliveryCount())
	assert.Equal(t, 3, NewDispositionResolver(3).MaxDeliveryCount())
}

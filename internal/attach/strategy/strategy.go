// Package strategy implements the ways a payload can be attached to a process
// and the ordered chain that picks one.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoProvider reports that no strategy in the chain is usable here.
	ErrNoProvider = errors.New("no attachment provider available")
	// ErrProcessNotFound reports that the target pid is not running.
	ErrProcessNotFound = errors.New("target process not found")
	// ErrPermissionDenied reports that the caller may not attach to the target.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrPayloadInvalid reports a missing or unusable payload.
	ErrPayloadInvalid = errors.New("invalid payload")
)

// Request describes one attach attempt.
type Request struct {
	// PayloadPath is the payload to attach. Empty when no payload is bundled
	// or configured.
	PayloadPath string
	// PID is the target process.
	PID string
	// Current is set when PID is the calling process.
	Current bool
	// Args is the agent argument string, for example "c=/tmp/coralcfg123.tmp".
	// Empty means no argument.
	Args string
}

// Strategy attaches a payload to a process.
type Strategy interface {
	// Name identifies the strategy in logs and errors.
	Name() string
	// Available returns nil if the strategy can be used on this host, or the
	// reason it cannot.
	Available() error
	// Attach performs the attachment and blocks until it has completed.
	Attach(ctx context.Context, req Request) error
}

// Provider resolves the strategy to use.
type Provider interface {
	Resolve() (Strategy, error)
}

// Chain is a Provider that picks the first available strategy, in order.
type Chain []Strategy

// Resolve implements Provider.
func (c Chain) Resolve() (Strategy, error) {
	if len(c) == 0 {
		return nil, fmt.Errorf("%w: empty provider chain", ErrNoProvider)
	}

	reasons := make([]string, 0, len(c))
	for _, s := range c {
		err := s.Available()
		if err == nil {
			return s, nil
		}
		reasons = append(reasons, fmt.Sprintf("%s: %v", s.Name(), err))
	}
	return nil, fmt.Errorf("%w (%s)", ErrNoProvider, strings.Join(reasons, "; "))
}

// Names returns the names of the strategies in c, in order.
func (c Chain) Names() []string {
	names := make([]string, len(c))
	for i, s := range c {
		names[i] = s.Name()
	}
	return names
}

// Func adapts plain functions to Strategy. A nil AvailableFunc means always
// available; a nil AttachFunc succeeds without doing anything.
type Func struct {
	StrategyName  string
	AvailableFunc func() error
	AttachFunc    func(ctx context.Context, req Request) error
}

// Name implements Strategy.
func (f Func) Name() string {
	return f.StrategyName
}

// Available implements Strategy.
func (f Func) Available() error {
	if f.AvailableFunc == nil {
		return nil
	}
	return f.AvailableFunc()
}

// Attach implements Strategy.
func (f Func) Attach(ctx context.Context, req Request) error {
	if f.AttachFunc == nil {
		return nil
	}
	return f.AttachFunc(ctx, req)
}

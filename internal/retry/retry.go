// Package retry polls a readiness condition a bounded number of times.
package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	// DefaultMaxAttempts bounds polling when a Policy leaves it unset.
	DefaultMaxAttempts = 10
	// DefaultDelay is the pause between attempts when a Policy leaves it unset.
	DefaultDelay = 500 * time.Millisecond

	dialTimeout = time.Second
)

var errNotReady = errors.New("condition not met")

// Policy controls how often and how far apart a condition is checked.
type Policy struct {
	MaxAttempts int
	Delay       time.Duration
}

// DefaultPolicy returns the polling policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: DefaultMaxAttempts, Delay: DefaultDelay}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	switch {
	case p.Delay == 0:
		p.Delay = DefaultDelay
	case p.Delay < 0:
		p.Delay = 0
	}
	return p
}

// CheckFunc reports whether the awaited condition holds. An error stops
// polling immediately.
type CheckFunc func(ctx context.Context) (bool, error)

// Until runs check until it reports true, it fails, ctx ends, or the policy
// runs out of attempts. In the last case the error carries failureMessage.
func Until(ctx context.Context, policy Policy, check CheckFunc, failureMessage string) error {
	if check == nil {
		return errors.New("retry check is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	policy = policy.normalized()

	attempts := 0
	_, err := backoff.Retry(
		ctx,
		func() (struct{}, error) {
			attempts++
			ok, err := check(ctx)
			if err != nil {
				return struct{}{}, backoff.Permanent(err)
			}
			if !ok {
				return struct{}{}, errNotReady
			}
			return struct{}{}, nil
		},
		backoff.WithBackOff(backoff.NewConstantBackOff(policy.Delay)),
		backoff.WithMaxTries(uint(policy.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
	)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errNotReady):
		if failureMessage == "" {
			failureMessage = "condition not met"
		}
		return fmt.Errorf("%s after %d attempts", failureMessage, attempts)
	case ctx.Err() != nil:
		return fmt.Errorf("%s: %w", failureMessage, ctx.Err())
	default:
		return err
	}
}

// WaitForFile polls until path exists.
func WaitForFile(ctx context.Context, policy Policy, path string) error {
	if path == "" {
		return errors.New("path must not be empty")
	}
	return Until(ctx, policy, func(context.Context) (bool, error) {
		_, err := os.Stat(path)
		switch {
		case err == nil:
			return true, nil
		case errors.Is(err, os.ErrNotExist):
			return false, nil
		default:
			return false, fmt.Errorf("stat %s: %w", path, err)
		}
	}, fmt.Sprintf("%s was not created", path))
}

// WaitForListener polls until a TCP connection to host:port succeeds.
func WaitForListener(ctx context.Context, policy Policy, host string, port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("invalid port %d", port)
	}
	address := net.JoinHostPort(host, strconv.Itoa(port))
	dialer := net.Dialer{Timeout: dialTimeout}
	return Until(ctx, policy, func(ctx context.Context) (bool, error) {
		conn, err := dialer.DialContext(ctx, "tcp", address)
		if err != nil {
			return false, nil
		}
		_ = conn.Close()
		return true, nil
	}, fmt.Sprintf("nothing is listening on %s", address))
}

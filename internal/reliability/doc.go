// Package reliability provides the backoff policies used when a forwarder is
// restarted or a telecommand is redelivered.
//
// Policies are deliberately small: they only decide whether another attempt
// is allowed and how long to wait before it. Nothing in the bridge retries
// unless a policy is configured.
//
// Example usage:
//
//	policy := NewExponentialBackoff(time.Second, 30*time.Second, 2.0, 5)
//	err := Retry(ctx, policy, func() error {
//	    return connect(ctx)
//	})
package reliability

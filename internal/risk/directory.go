package risk

import "context"

// UserDirectory answers whether a user belongs to the privileged
// classification that receives the override policy.
type UserDirectory interface {
	IsPrivileged(ctx context.Context, userID string) (bool, error)
}

// classify never fails: lookup errors fall back to the standard class.
func (e *Engine) classify(ctx context.Context, userID string) string {
	if e.users == nil {
		return ClassStandard
	}
	privileged, err := e.users.IsPrivileged(ctx, userID)
	if err != nil {
		e.log(ctx).Warn("user classification lookup failed, using standard policy",
			"userId", userID, "error", err)
		return ClassStandard
	}
	if privileged {
		return ClassPrivileged
	}
	return ClassStandard
}

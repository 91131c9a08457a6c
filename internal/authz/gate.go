package authz

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/kagan-sh/kagan-sub002/internal/logger"
	"github.com/kagan-sh/kagan-sub002/internal/observability"
)

// Error codes for the authorization layer. These are the only coded errors
// in the service; operational failures elsewhere are plain messages.
const (
	CodeAuthorizationDenied    = "AUTHORIZATION_DENIED"
	CodeInvalidProfile         = "INVALID_PROFILE"
	CodeSessionNamespaceDenied = "SESSION_NAMESPACE_DENIED"
	CodeSessionScopeDenied     = "SESSION_SCOPE_DENIED"
	CodeMCPOutdated            = "MCP_OUTDATED"
)

// Error is a coded authorization failure.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// Origins recognized by the gate. Anything else passes through with no
// origin-specific restriction beyond the bound profile.
const (
	OriginAgent = "kagan"       // calls from inside a running agent's tool channel
	OriginAdmin = "kagan_admin" // external administrative clients
	OriginTUI   = "tui"
)

const taskSessionPrefix = "task:"

// OwnerResolver maps indirect resource ids in request params back to the
// owning task, so task-scoped sessions cannot reach another task's resources
// through an execution, job or scratchpad handle.
type OwnerResolver interface {
	TaskForExecution(ctx context.Context, executionID string) (string, error)
	TaskForJob(ctx context.Context, jobID string) (string, error)
	TaskForScratchpad(ctx context.Context, scratchpadID string) (string, error)
}

// RequestMeta is the caller identity attached to every dispatched request.
type RequestMeta struct {
	SessionID     string
	Profile       string // optional explicit bind
	Origin        string
	ClientVersion string
}

// Gate resolves the effective profile for a request and enforces capability,
// origin and scope restrictions before any handler runs.
type Gate struct {
	sessions    *SessionRegistry
	owners      OwnerResolver
	hostVersion string
	metrics     *observability.Metrics
	logger      *logger.Logger
}

func NewGate(sessions *SessionRegistry, owners OwnerResolver, hostVersion string, metrics *observability.Metrics, log *logger.Logger) *Gate {
	if log == nil {
		log = logger.NewNop()
	}
	return &Gate{
		sessions:    sessions,
		owners:      owners,
		hostVersion: hostVersion,
		metrics:     metrics,
		logger:      log.WithFields(zap.String("component", "authz-gate")),
	}
}

// Enforce runs the full authorization pipeline: profile binding, origin
// lane restrictions, task scoping and the capability check. It returns the
// effective profile on success, or a coded error. A denied request must never
// reach business logic.
func (g *Gate) Enforce(ctx context.Context, meta RequestMeta, capability, method string, params map[string]any) (Profile, *Error) {
	profile, authErr := g.resolveProfile(meta)
	if authErr != nil {
		return "", g.deny(authErr, meta, capability, method)
	}

	if authErr := g.checkOrigin(meta, &profile); authErr != nil {
		return "", g.deny(authErr, meta, capability, method)
	}

	if authErr := g.checkTaskScope(ctx, meta.SessionID, params); authErr != nil {
		return "", g.deny(authErr, meta, capability, method)
	}

	if !Check(profile, capability, method) {
		return "", g.deny(&Error{
			Code: CodeAuthorizationDenied,
			Message: fmt.Sprintf("profile %s is not allowed to call %s.%s",
				profile, capability, method),
		}, meta, capability, method)
	}
	return profile, nil
}

func (g *Gate) resolveProfile(meta RequestMeta) (Profile, *Error) {
	if meta.Profile == "" {
		return g.sessions.Resolve(meta.SessionID), nil
	}

	requested, err := ParseProfile(meta.Profile)
	if err != nil {
		return "", &Error{Code: CodeInvalidProfile, Message: err.Error()}
	}
	created, bindErr := g.sessions.Bind(meta.SessionID, requested)
	if bindErr != nil {
		var authErr *Error
		if e, ok := bindErr.(*Error); ok {
			authErr = e
		} else {
			authErr = &Error{Code: CodeInvalidProfile, Message: bindErr.Error()}
		}
		return "", authErr
	}
	if created && g.metrics != nil {
		g.metrics.SessionsBound.Inc()
	}
	return requested, nil
}

// checkOrigin applies the origin lanes: agent-originated calls are capped at
// PAIR_WORKER and must declare a matching client version; admin and TUI
// callers must use their reserved session namespaces.
func (g *Gate) checkOrigin(meta RequestMeta, profile *Profile) *Error {
	switch meta.Origin {
	case OriginAgent:
		if meta.ClientVersion != g.hostVersion {
			return &Error{
				Code: CodeMCPOutdated,
				Message: fmt.Sprintf("client version %q does not match host version %q; update the embedded client",
					meta.ClientVersion, g.hostVersion),
			}
		}
		*profile = minProfile(*profile, ProfilePairWorker)
	case OriginAdmin:
		if !strings.HasPrefix(meta.SessionID, "ext:") {
			return &Error{
				Code:    CodeSessionNamespaceDenied,
				Message: "admin origin requires an ext:* session id",
			}
		}
	case OriginTUI:
		if !strings.HasPrefix(meta.SessionID, "tui:") {
			return &Error{
				Code:    CodeSessionNamespaceDenied,
				Message: "tui origin requires a tui:* session id",
			}
		}
	}
	return nil
}

// Sessions exposes the session registry for inspection surfaces.
func (g *Gate) Sessions() *SessionRegistry {
	return g.sessions
}

// checkTaskScope constrains task:<id> sessions to their own task. The task id
// may appear directly in params, or indirectly through an execution, job or
// scratchpad id whose owner is looked up.
func (g *Gate) checkTaskScope(ctx context.Context, sessionID string, params map[string]any) *Error {
	if !strings.HasPrefix(sessionID, taskSessionPrefix) {
		return nil
	}
	own := strings.TrimPrefix(sessionID, taskSessionPrefix)

	referenced, authErr := g.referencedTask(ctx, params)
	if authErr != nil {
		return authErr
	}
	if referenced == "" || referenced == own {
		return nil
	}
	return &Error{
		Code: CodeSessionScopeDenied,
		Message: fmt.Sprintf("session is scoped to task %s and may not act on task %s",
			own, referenced),
	}
}

func (g *Gate) referencedTask(ctx context.Context, params map[string]any) (string, *Error) {
	if id := stringParam(params, "task_id"); id != "" {
		return id, nil
	}
	if g.owners == nil {
		return "", nil
	}

	if execID := stringParam(params, "execution_id"); execID != "" {
		owner, err := g.owners.TaskForExecution(ctx, execID)
		if err != nil {
			return "", &Error{
				Code:    CodeSessionScopeDenied,
				Message: "could not resolve the owning task for execution " + execID,
			}
		}
		return owner, nil
	}
	if jobID := stringParam(params, "job_id"); jobID != "" {
		owner, err := g.owners.TaskForJob(ctx, jobID)
		if err != nil {
			return "", &Error{
				Code:    CodeSessionScopeDenied,
				Message: "could not resolve the owning task for job " + jobID,
			}
		}
		return owner, nil
	}
	if padID := stringParam(params, "scratchpad_id"); padID != "" {
		owner, err := g.owners.TaskForScratchpad(ctx, padID)
		if err != nil {
			return "", &Error{
				Code:    CodeSessionScopeDenied,
				Message: "could not resolve the owning task for scratchpad " + padID,
			}
		}
		return owner, nil
	}
	return "", nil
}

func (g *Gate) deny(authErr *Error, meta RequestMeta, capability, method string) *Error {
	if g.metrics != nil {
		g.metrics.AuthzDenials.WithLabelValues(authErr.Code).Inc()
	}
	g.logger.Info("request denied",
		zap.String("session_id", meta.SessionID),
		zap.String("origin", meta.Origin),
		zap.String("operation", capability+"."+method),
		zap.String("code", authErr.Code))
	return authErr
}

func stringParam(params map[string]any, key string) string {
	if params == nil {
		return ""
	}
	if v, ok := params[key].(string); ok {
		return v
	}
	return ""
}

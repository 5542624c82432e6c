package ipc

import (
	"fmt"
	"net"
	"strings"
)

// AuthFailureReason classifies an authentication rejection.
type AuthFailureReason string

const (
	ReasonUserNotInAllowedGroup       AuthFailureReason = "userNotInAllowedGroup"
	ReasonInvalidCodeSignature        AuthFailureReason = "invalidCodeSignature"
	ReasonUnauthorizedTeamIdentifier  AuthFailureReason = "unauthorizedTeamIdentifier"
	ReasonUnauthorizedBundleIdentifier AuthFailureReason = "unauthorizedBundleIdentifier"
)

// AuthError is an authentication rejection.
type AuthError struct {
	Reason AuthFailureReason
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("client rejected: %s", e.Reason)
}

// ClientInfo is what the platform inspector learned about a connecting
// client. The platform-specific checks that populate it are delegated;
// the authenticator only decides.
type ClientInfo struct {
	UID                uint32
	PID                int32
	Groups             []string
	CodeSignatureValid bool
	TeamIdentifier     string
	BundleIdentifier   string
}

// RateLimitKey identifies the client's token bucket.
func (c *ClientInfo) RateLimitKey() string {
	return fmt.Sprintf("uid=%d:pid=%d", c.UID, c.PID)
}

// AuthConfig defines the authentication posture.
type AuthConfig struct {
	AllowedGroupName                string
	AllowUnsignedClients            bool
	AllowedTeamIdentifiers          []string
	AllowedBundleIdentifierPrefixes []string
}

// DevelopmentAuth allows unsigned clients and enforces no identifier
// prefixes.
func DevelopmentAuth(group string) AuthConfig {
	return AuthConfig{
		AllowedGroupName:     group,
		AllowUnsignedClients: true,
	}
}

// ProductionAuth requires a valid signature and identifier matches.
func ProductionAuth(group string, teams, bundlePrefixes []string) AuthConfig {
	return AuthConfig{
		AllowedGroupName:                group,
		AllowUnsignedClients:            false,
		AllowedTeamIdentifiers:          teams,
		AllowedBundleIdentifierPrefixes: bundlePrefixes,
	}
}

// Authenticator gates connecting clients.
type Authenticator struct {
	cfg AuthConfig
}

// NewAuthenticator creates an authenticator with the given config.
func NewAuthenticator(cfg AuthConfig) *Authenticator {
	return &Authenticator{cfg: cfg}
}

// Authenticate applies the four checks in order: group membership, code
// signature, team identifier, bundle identifier prefix.
func (a *Authenticator) Authenticate(info *ClientInfo) error {
	if a.cfg.AllowedGroupName != "" {
		inGroup := false
		for _, g := range info.Groups {
			if g == a.cfg.AllowedGroupName {
				inGroup = true
				break
			}
		}
		if !inGroup {
			return &AuthError{Reason: ReasonUserNotInAllowedGroup}
		}
	}

	if !info.CodeSignatureValid && !a.cfg.AllowUnsignedClients {
		return &AuthError{Reason: ReasonInvalidCodeSignature}
	}

	if len(a.cfg.AllowedTeamIdentifiers) > 0 {
		allowed := false
		for _, team := range a.cfg.AllowedTeamIdentifiers {
			if info.TeamIdentifier == team {
				allowed = true
				break
			}
		}
		if !allowed {
			return &AuthError{Reason: ReasonUnauthorizedTeamIdentifier}
		}
	}

	if len(a.cfg.AllowedBundleIdentifierPrefixes) > 0 {
		allowed := false
		for _, prefix := range a.cfg.AllowedBundleIdentifierPrefixes {
			if strings.HasPrefix(info.BundleIdentifier, prefix) {
				allowed = true
				break
			}
		}
		if !allowed {
			return &AuthError{Reason: ReasonUnauthorizedBundleIdentifier}
		}
	}

	return nil
}

// PeerInspector resolves a connecting client's identity. The production
// inspector reads socket peer credentials; tests inject fixed results.
type PeerInspector interface {
	Inspect(conn net.Conn) (*ClientInfo, error)
}

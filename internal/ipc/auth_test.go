package ipc

import (
	"errors"
	"testing"
)

func validClient() *ClientInfo {
	return &ClientInfo{
		UID:                501,
		PID:                4242,
		Groups:             []string{"staff", "winrun"},
		CodeSignatureValid: true,
		TeamIdentifier:     "TEAM123456",
		BundleIdentifier:   "app.winrun.ui",
	}
}

func TestAuthenticateChecksInOrder(t *testing.T) {
	cfg := ProductionAuth("winrun", []string{"TEAM123456"}, []string{"app.winrun."})

	tests := []struct {
		name       string
		mutate     func(*ClientInfo)
		wantReason AuthFailureReason
	}{
		{
			name:       "not in group",
			mutate:     func(c *ClientInfo) { c.Groups = []string{"staff"} },
			wantReason: ReasonUserNotInAllowedGroup,
		},
		{
			name:       "unsigned",
			mutate:     func(c *ClientInfo) { c.CodeSignatureValid = false },
			wantReason: ReasonInvalidCodeSignature,
		},
		{
			name:       "wrong team",
			mutate:     func(c *ClientInfo) { c.TeamIdentifier = "EVIL000000" },
			wantReason: ReasonUnauthorizedTeamIdentifier,
		},
		{
			name:       "wrong bundle prefix",
			mutate:     func(c *ClientInfo) { c.BundleIdentifier = "com.other.tool" },
			wantReason: ReasonUnauthorizedBundleIdentifier,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := validClient()
			tt.mutate(info)

			err := NewAuthenticator(cfg).Authenticate(info)
			var authErr *AuthError
			if !errors.As(err, &authErr) {
				t.Fatalf("err = %v, want AuthError", err)
			}
			if authErr.Reason != tt.wantReason {
				t.Errorf("reason = %s, want %s", authErr.Reason, tt.wantReason)
			}
		})
	}

	if err := NewAuthenticator(cfg).Authenticate(validClient()); err != nil {
		t.Errorf("valid client rejected: %v", err)
	}
}

func TestGroupCheckPrecedesSignature(t *testing.T) {
	cfg := ProductionAuth("winrun", nil, nil)
	info := validClient()
	info.Groups = nil
	info.CodeSignatureValid = false

	err := NewAuthenticator(cfg).Authenticate(info)
	var authErr *AuthError
	if !errors.As(err, &authErr) || authErr.Reason != ReasonUserNotInAllowedGroup {
		t.Errorf("err = %v, want group rejection first", err)
	}
}

func TestDevelopmentPresetAllowsUnsigned(t *testing.T) {
	cfg := DevelopmentAuth("winrun")
	info := validClient()
	info.CodeSignatureValid = false
	info.TeamIdentifier = ""
	info.BundleIdentifier = "anything.goes"

	if err := NewAuthenticator(cfg).Authenticate(info); err != nil {
		t.Errorf("development preset rejected unsigned client: %v", err)
	}
}

func TestProductionPresetRequiresSignature(t *testing.T) {
	cfg := ProductionAuth("winrun", nil, []string{"app.winrun."})
	info := validClient()
	info.CodeSignatureValid = false

	err := NewAuthenticator(cfg).Authenticate(info)
	var authErr *AuthError
	if !errors.As(err, &authErr) || authErr.Reason != ReasonInvalidCodeSignature {
		t.Errorf("err = %v, want signature rejection", err)
	}
}

func TestEmptyOptionalListsSkipChecks(t *testing.T) {
	cfg := AuthConfig{AllowedGroupName: "winrun", AllowUnsignedClients: false}
	info := validClient()
	info.TeamIdentifier = ""
	info.BundleIdentifier = ""

	if err := NewAuthenticator(cfg).Authenticate(info); err != nil {
		t.Errorf("unset team/bundle constraints must not reject: %v", err)
	}
}

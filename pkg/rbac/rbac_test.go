package rbac

import (
	"testing"

	"github.com/NicolasHaas/gopresence/pkg/model"
)

func TestHasPermission(t *testing.T) {
	tests := []struct {
		role model.Role
		perm model.Permission
		want bool
	}{
		{model.RoleEmployee, model.PermScanQR, true},
		{model.RoleEmployee, model.PermGenerateQR, false},
		{model.RoleEmployee, model.PermRevokeQR, false},
		{model.RoleEmployee, model.PermViewSessions, false},
		{model.RoleOperator, model.PermGenerateQR, true},
		{model.RoleOperator, model.PermRevokeQR, false},
		{model.RoleAdmin, model.PermRevokeQR, true},
		{model.Role(42), model.PermScanQR, false},
	}
	for _, tt := range tests {
		if got := HasPermission(tt.role, tt.perm); got != tt.want {
			t.Errorf("HasPermission(%s, %s) = %v, want %v", tt.role, PermName(tt.perm), got, tt.want)
		}
	}
}

func TestRequirePermission(t *testing.T) {
	if msg := RequirePermission(model.RoleAdmin, model.PermRevokeQR); msg != "" {
		t.Errorf("admin revoke: got %q, want empty", msg)
	}
	want := "permission denied: revoke_qr requires higher role"
	if msg := RequirePermission(model.RoleOperator, model.PermRevokeQR); msg != want {
		t.Errorf("operator revoke: got %q, want %q", msg, want)
	}
}

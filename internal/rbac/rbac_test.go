package rbac

import "testing"

func TestCan(t *testing.T) {
	cases := []struct {
		name   string
		role   Role
		action Action
		allow  bool
	}{
		{name: "viewer read", role: RoleViewer, action: ActionRead, allow: true},
		{name: "viewer write", role: RoleViewer, action: ActionWrite, allow: false},
		{name: "viewer comment", role: RoleViewer, action: ActionComment, allow: false},
		{name: "commenter read", role: RoleCommenter, action: ActionRead, allow: true},
		{name: "commenter comment", role: RoleCommenter, action: ActionComment, allow: true},
		{name: "commenter write", role: RoleCommenter, action: ActionWrite, allow: false},
		{name: "editor write", role: RoleEditor, action: ActionWrite, allow: true},
		{name: "editor admin", role: RoleEditor, action: ActionAdmin, allow: false},
		{name: "admin admin", role: RoleAdmin, action: ActionAdmin, allow: true},
		{name: "unknown role", role: Role("ghost"), action: ActionRead, allow: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Can(tc.role, tc.action); got != tc.allow {
				t.Fatalf("Can(%q, %q) = %v, want %v", tc.role, tc.action, got, tc.allow)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	if got := Normalize("editor"); got != RoleEditor {
		t.Fatalf("Normalize(editor) = %q", got)
	}
	if got := Normalize("super"); got != RoleViewer {
		t.Fatalf("Normalize(super) = %q, want viewer fallback", got)
	}
}

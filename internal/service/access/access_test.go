package access

import (
	"testing"

	"github.com/itkpi/hawkeye-central/internal/domain"
)

func TestCanAccessNode(t *testing.T) {
	cases := []struct {
		name  string
		user  string
		users []string
		want  bool
	}{
		{name: "member", user: "u1", users: []string{"u0", "u1"}, want: true},
		{name: "not member", user: "u2", users: []string{"u0", "u1"}, want: false},
		{name: "empty set", user: "u1", users: nil, want: false},
		{name: "empty id", user: "", users: []string{""}, want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			node := &domain.Node{UsersWithAccess: tc.users}
			if got := CanAccessNode(tc.user, node); got != tc.want {
				t.Fatalf("CanAccessNode = %v, want %v", got, tc.want)
			}
		})
	}
	if CanAccessNode("u1", nil) {
		t.Fatal("expected nil node to deny access")
	}
}

func TestCanDeleteNodeRequiresNoDeploys(t *testing.T) {
	node := &domain.Node{UsersWithAccess: []string{"u1"}, Deploys: []domain.Deploy{{ID: "d1"}}}
	if CanDeleteNode("u1", node) {
		t.Fatal("expected deploys to block deletion")
	}
	node.Deploys = nil
	if !CanDeleteNode("u1", node) {
		t.Fatal("expected member to delete empty node")
	}
	if CanDeleteNode("u2", node) {
		t.Fatal("expected non-member to be denied")
	}
}

package httpx

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/itkpi/hawkeye-central/pkg/api/client"
)

func TestClientDrivesNodeLifecycle(t *testing.T) {
	ts := newTestServer(t, nil)
	srv := httptest.NewServer(ts.router)
	t.Cleanup(srv.Close)
	cli, err := client.New(srv.URL)
	if err != nil {
		t.Fatalf("client.New: %v", err)
	}
	ctx := context.Background()

	owner, err := cli.Signup(ctx, "owner@example.com", "password123")
	if err != nil {
		t.Fatalf("Signup: %v", err)
	}
	other, err := cli.Signup(ctx, "other@example.com", "password123")
	if err != nil {
		t.Fatalf("Signup other: %v", err)
	}
	token := owner.Tokens.AccessToken

	created, err := cli.CreateNode(ctx, token, "staging")
	if err != nil {
		t.Fatalf("CreateNode: %v", err)
	}
	if created.Credentials.Login == "" || created.Credentials.Password == "" {
		t.Fatalf("expected credentials, got %+v", created.Credentials)
	}

	_, err = cli.CreateDeploy(ctx, token, created.ID, client.CreateDeployInput{Repo: "https://example.com/app.git", Title: "app"})
	var apiErr client.APIError
	if !errors.As(err, &apiErr) || apiErr.Kind != "node_not_connected" || apiErr.Status != http.StatusConflict {
		t.Fatalf("expected node_not_connected, got %v", err)
	}

	ts.agents.connect(created.Credentials.Login)
	dep, err := cli.CreateDeploy(ctx, token, created.ID, client.CreateDeployInput{Repo: "https://example.com/app.git", Title: "app"})
	if err != nil {
		t.Fatalf("CreateDeploy: %v", err)
	}
	if dep.Branch != "master" || dep.WebhookSecret == "" {
		t.Fatalf("unexpected deploy %+v", dep)
	}

	status, err := cli.RunDeployAction(ctx, token, created.ID, dep.ID, client.ActionStart)
	if err != nil || status.Status != "running" {
		t.Fatalf("RunDeployAction: %+v %v", status, err)
	}

	owners, err := cli.GrantAccess(ctx, token, created.ID, other.User.ID)
	if err != nil || len(owners) != 2 {
		t.Fatalf("GrantAccess: %v %v", owners, err)
	}
	nodes, err := cli.ListNodes(ctx, other.Tokens.AccessToken)
	if err != nil || len(nodes) != 1 || len(nodes[0].Deploys) != 1 || !nodes[0].Connected {
		t.Fatalf("ListNodes for grantee: %+v %v", nodes, err)
	}

	if err := cli.DeleteNode(ctx, token, created.ID); !errors.As(err, &apiErr) || apiErr.Kind != "conflict" {
		t.Fatalf("expected conflict while deploys remain, got %v", err)
	}
	if err := cli.DeleteDeploy(ctx, token, created.ID, dep.ID); err != nil {
		t.Fatalf("DeleteDeploy: %v", err)
	}
	if err := cli.DeleteNode(ctx, token, created.ID); err != nil {
		t.Fatalf("DeleteNode: %v", err)
	}
	if _, err := cli.GetNode(ctx, token, created.ID); !errors.As(err, &apiErr) || apiErr.Status != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %v", err)
	}
}

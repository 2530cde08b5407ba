package node

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/itkpi/hawkeye-central/internal/apperr"
	"github.com/itkpi/hawkeye-central/internal/domain"
	"github.com/itkpi/hawkeye-central/internal/repository/memory"
	"github.com/itkpi/hawkeye-central/pkg/config"
)

type stubCredentials struct {
	next int
}

func (c *stubCredentials) GenerateUniqueLogin(ctx context.Context) (string, error) {
	c.next++
	return "login00" + string(rune('0'+c.next)), nil
}

func (c *stubCredentials) GeneratePassword() (string, error) {
	return "s3cretpw", nil
}

type plainHasher struct{}

func (plainHasher) HashPassword(plain string) ([]byte, error) {
	return []byte("hashed:" + plain), nil
}

type stubConnectivity map[string]bool

func (c stubConnectivity) IsConnected(login string) bool { return c[login] }

// faultyUsers fails SaveUser for the listed user ids. beforeSave, when set,
// runs ahead of every save.
type faultyUsers struct {
	*memory.Repository
	mu         sync.Mutex
	failSave   map[string]error
	beforeSave func(user *domain.User)
}

func (f *faultyUsers) SaveUser(ctx context.Context, user *domain.User) error {
	f.mu.Lock()
	err := f.failSave[user.ID]
	hook := f.beforeSave
	f.mu.Unlock()
	if hook != nil {
		hook(user)
	}
	if err != nil {
		return err
	}
	return f.Repository.SaveUser(ctx, user)
}

type fixture struct {
	svc   Service
	repo  *memory.Repository
	users *faultyUsers
}

func newFixture(t *testing.T, userIDs ...string) fixture {
	t.Helper()
	repo := memory.New()
	for _, id := range userIDs {
		if err := repo.CreateUser(context.Background(), &domain.User{ID: id, Email: id + "@example.com"}); err != nil {
			t.Fatalf("CreateUser: %v", err)
		}
	}
	users := &faultyUsers{Repository: repo, failSave: map[string]error{}}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := New(repo, users, &stubCredentials{}, plainHasher{}, stubConnectivity{}, log, config.APIConfig{NodeSaveRetries: 3})
	return fixture{svc: svc, repo: repo, users: users}
}

func TestCreateNodeValidatesTitle(t *testing.T) {
	f := newFixture(t, "u1")
	for _, title := range []string{"", "abc", "   "} {
		if _, _, err := f.svc.CreateNode(context.Background(), "u1", title); apperr.KindOf(err) != apperr.Validation {
			t.Fatalf("title %q: expected validation error, got %v", title, err)
		}
	}
	node, creds, err := f.svc.CreateNode(context.Background(), "u1", "abcd")
	if err != nil {
		t.Fatalf("CreateNode: %v", err)
	}
	if creds.Login == "" || creds.Password != "s3cretpw" || node.AgentLogin != creds.Login {
		t.Fatalf("unexpected credentials %+v for node %+v", creds, node)
	}
	if string(node.AgentPasswordHash) != "hashed:s3cretpw" {
		t.Fatalf("expected hashed password, got %q", node.AgentPasswordHash)
	}
	if !node.HasUser("u1") || len(node.UsersWithAccess) != 1 {
		t.Fatalf("creator must be the only member: %+v", node.UsersWithAccess)
	}
	user, _ := f.repo.FindUserByID(context.Background(), "u1")
	if len(user.NodeIDs) != 1 || user.NodeIDs[0] != node.ID {
		t.Fatalf("creator missing node reference: %+v", user.NodeIDs)
	}
}

func TestCreateNodeUnknownCreator(t *testing.T) {
	f := newFixture(t)
	if _, _, err := f.svc.CreateNode(context.Background(), "ghost", "abcd"); apperr.KindOf(err) != apperr.NotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCreateNodeRollsBackWhenOwnerSaveFails(t *testing.T) {
	f := newFixture(t, "u1")
	f.users.failSave["u1"] = errors.New("write timeout")
	_, _, err := f.svc.CreateNode(context.Background(), "u1", "abcd")
	if apperr.KindOf(err) != apperr.PartialFailure {
		t.Fatalf("expected partial failure, got %v", err)
	}
	if exists, _ := f.repo.ExistsNodeWithLogin(context.Background(), "login001"); exists {
		t.Fatal("node should have been removed after owner save failed")
	}
}

func TestDeleteNodeRequiresEmptyDeploys(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "u1", "u2")
	node, _, err := f.svc.CreateNode(ctx, "u1", "build box")
	if err != nil {
		t.Fatalf("CreateNode: %v", err)
	}
	if _, err := f.svc.GrantAccess(ctx, "u1", node.ID, "u2"); err != nil {
		t.Fatalf("GrantAccess: %v", err)
	}

	stored, _ := f.repo.FindNodeByID(ctx, node.ID)
	stored.AddDeploy(domain.Deploy{ID: "d1", Repo: "git@x:app", Title: "app"})
	if err := f.repo.SaveNode(ctx, stored); err != nil {
		t.Fatalf("SaveNode: %v", err)
	}
	if err := f.svc.DeleteNode(ctx, "u1", node.ID); apperr.KindOf(err) != apperr.Conflict {
		t.Fatalf("expected conflict, got %v", err)
	}

	stored.RemoveDeploy("d1")
	if err := f.repo.SaveNode(ctx, stored); err != nil {
		t.Fatalf("SaveNode: %v", err)
	}
	if err := f.svc.DeleteNode(ctx, "u1", node.ID); err != nil {
		t.Fatalf("DeleteNode: %v", err)
	}
	for _, id := range []string{"u1", "u2"} {
		user, _ := f.repo.FindUserByID(ctx, id)
		if len(user.NodeIDs) != 0 {
			t.Fatalf("user %s still references node: %+v", id, user.NodeIDs)
		}
	}
	if _, err := f.repo.FindNodeByID(ctx, node.ID); err == nil {
		t.Fatal("node should be gone")
	}
}

func TestDeleteNodeUnauthorizedAndMissing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "u1")
	node, _, _ := f.svc.CreateNode(ctx, "u1", "build box")
	if err := f.svc.DeleteNode(ctx, "intruder", node.ID); apperr.KindOf(err) != apperr.Unauthorized {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if err := f.svc.DeleteNode(ctx, "u1", "missing"); apperr.KindOf(err) != apperr.NotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDeleteNodePartialDetachKeepsNode(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "u1", "u2", "u3")
	node, _, _ := f.svc.CreateNode(ctx, "u1", "build box")
	for _, id := range []string{"u2", "u3"} {
		if _, err := f.svc.GrantAccess(ctx, "u1", node.ID, id); err != nil {
			t.Fatalf("GrantAccess %s: %v", id, err)
		}
	}
	f.users.failSave["u2"] = errors.New("disk full")

	err := f.svc.DeleteNode(ctx, "u1", node.ID)
	if apperr.KindOf(err) != apperr.PartialFailure {
		t.Fatalf("expected partial failure, got %v", err)
	}
	failures := apperr.FailuresOf(err)
	if len(failures) != 1 || failures[0].Target != "u2" {
		t.Fatalf("unexpected failures: %+v", failures)
	}
	if _, err := f.repo.FindNodeByID(ctx, node.ID); err != nil {
		t.Fatalf("node must survive a partial detach: %v", err)
	}
	// siblings still ran
	for _, id := range []string{"u1", "u3"} {
		user, _ := f.repo.FindUserByID(ctx, id)
		if len(user.NodeIDs) != 0 {
			t.Fatalf("user %s should have been detached", id)
		}
	}
}

func TestDeleteNodeKeepsDeployAddedDuringDetach(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "u1", "u2")
	node, _, _ := f.svc.CreateNode(ctx, "u1", "build box")
	if _, err := f.svc.GrantAccess(ctx, "u1", node.ID, "u2"); err != nil {
		t.Fatalf("GrantAccess: %v", err)
	}

	var once sync.Once
	f.users.beforeSave = func(*domain.User) {
		once.Do(func() {
			stored, err := f.repo.FindNodeByID(ctx, node.ID)
			if err != nil {
				t.Errorf("FindNodeByID: %v", err)
				return
			}
			stored.AddDeploy(domain.Deploy{ID: "d1", Repo: "git@x:app", Title: "app"})
			if err := f.repo.SaveNode(ctx, stored); err != nil {
				t.Errorf("SaveNode: %v", err)
			}
		})
	}

	if err := f.svc.DeleteNode(ctx, "u1", node.ID); apperr.KindOf(err) != apperr.Conflict {
		t.Fatalf("expected conflict, got %v", err)
	}
	stored, err := f.repo.FindNodeByID(ctx, node.ID)
	if err != nil {
		t.Fatalf("node must survive: %v", err)
	}
	if len(stored.Deploys) != 1 {
		t.Fatalf("deploy lost: %+v", stored.Deploys)
	}
	for _, id := range []string{"u1", "u2"} {
		user, _ := f.repo.FindUserByID(ctx, id)
		if len(user.NodeIDs) != 1 || user.NodeIDs[0] != node.ID {
			t.Fatalf("user %s lost its node reference: %+v", id, user.NodeIDs)
		}
	}
}

func TestDeleteNodeDetachesMemberGrantedDuringDetach(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "u1", "u2")
	node, _, _ := f.svc.CreateNode(ctx, "u1", "build box")

	var once sync.Once
	f.users.beforeSave = func(*domain.User) {
		once.Do(func() {
			stored, _ := f.repo.FindNodeByID(ctx, node.ID)
			stored.AddUser("u2")
			if err := f.repo.SaveNode(ctx, stored); err != nil {
				t.Errorf("SaveNode: %v", err)
			}
			u2, _ := f.repo.FindUserByID(ctx, "u2")
			u2.AddNode(node.ID)
			if err := f.repo.SaveUser(ctx, u2); err != nil {
				t.Errorf("SaveUser: %v", err)
			}
		})
	}

	if err := f.svc.DeleteNode(ctx, "u1", node.ID); err != nil {
		t.Fatalf("DeleteNode: %v", err)
	}
	if _, err := f.repo.FindNodeByID(ctx, node.ID); err == nil {
		t.Fatal("node should be gone")
	}
	for _, id := range []string{"u1", "u2"} {
		user, _ := f.repo.FindUserByID(ctx, id)
		if len(user.NodeIDs) != 0 {
			t.Fatalf("user %s still references node: %+v", id, user.NodeIDs)
		}
	}
}

func TestGrantAccess(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "u1", "u2")
	node, _, _ := f.svc.CreateNode(ctx, "u1", "build box")

	if _, err := f.svc.GrantAccess(ctx, "u2", node.ID, "u2"); apperr.KindOf(err) != apperr.Unauthorized {
		t.Fatalf("non-member grant: expected unauthorized, got %v", err)
	}
	if _, err := f.svc.GrantAccess(ctx, "u1", node.ID, "ghost"); apperr.KindOf(err) != apperr.NotFound {
		t.Fatalf("unknown user: expected not found, got %v", err)
	}
	updated, err := f.svc.GrantAccess(ctx, "u1", node.ID, "u2")
	if err != nil {
		t.Fatalf("GrantAccess: %v", err)
	}
	if !updated.HasUser("u2") {
		t.Fatal("expected u2 to be a member")
	}
	again, err := f.svc.GrantAccess(ctx, "u1", node.ID, "u2")
	if err != nil || len(again.UsersWithAccess) != 2 {
		t.Fatalf("repeat grant should be a no-op: %v %+v", err, again)
	}
	views, err := f.svc.ListNodes(ctx, "u2")
	if err != nil || len(views) != 1 || views[0].ID != node.ID {
		t.Fatalf("ListNodes: %v %+v", err, views)
	}
}

func TestGetNodeReportsConnectivity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "u1")
	node, creds, _ := f.svc.CreateNode(ctx, "u1", "build box")
	f.svc.agents = stubConnectivity{creds.Login: true}

	view, err := f.svc.GetNode(ctx, "u1", node.ID)
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	if !view.Connected || view.AgentLogin != creds.Login {
		t.Fatalf("unexpected view: %+v", view)
	}
	if _, err := f.svc.GetNode(ctx, "u2", node.ID); apperr.KindOf(err) != apperr.Unauthorized {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

package domain

import (
	"slices"
	"time"
)

// DefaultBranch is used when a deploy is registered without a branch.
const DefaultBranch = "master"

// Node is a registered remote agent that hosts deploys.
type Node struct {
	ID                string
	Title             string
	AgentLogin        string
	AgentPasswordHash []byte
	UsersWithAccess   []string
	Deploys           []Deploy
	// Version is bumped by storage on every successful save.
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Deploy is a single application tracked by a node.
type Deploy struct {
	ID            string
	Repo          string
	Branch        string
	Title         string
	AccessToken   string
	WebhookSecret string
	CreatedAt     time.Time
}

// HasUser reports whether userID is in the node's access set.
func (n *Node) HasUser(userID string) bool {
	if userID == "" {
		return false
	}
	return slices.Contains(n.UsersWithAccess, userID)
}

// AddUser inserts userID into the access set. It reports false when the user
// was already present.
func (n *Node) AddUser(userID string) bool {
	if userID == "" || n.HasUser(userID) {
		return false
	}
	n.UsersWithAccess = append(n.UsersWithAccess, userID)
	return true
}

// FindDeploy returns the deploy with the given id.
func (n *Node) FindDeploy(deployID string) (Deploy, bool) {
	for _, d := range n.Deploys {
		if d.ID == deployID {
			return d, true
		}
	}
	return Deploy{}, false
}

// AddDeploy appends d unless a deploy with the same id is already attached.
func (n *Node) AddDeploy(d Deploy) bool {
	if _, ok := n.FindDeploy(d.ID); ok {
		return false
	}
	n.Deploys = append(n.Deploys, d)
	return true
}

// RemoveDeploy detaches the deploy with the given id.
func (n *Node) RemoveDeploy(deployID string) bool {
	idx := slices.IndexFunc(n.Deploys, func(d Deploy) bool { return d.ID == deployID })
	if idx < 0 {
		return false
	}
	n.Deploys = slices.Delete(n.Deploys, idx, idx+1)
	return true
}

// DeploysForRepo returns every deploy on the node tracking repo.
func (n *Node) DeploysForRepo(repo string) []Deploy {
	var out []Deploy
	for _, d := range n.Deploys {
		if d.Repo == repo {
			out = append(out, d)
		}
	}
	return out
}

// NodeCredentials are the agent login and the plaintext password handed out
// once when a node is created.
type NodeCredentials struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

// DeployStatus is the view returned by deploy lifecycle operations.
type DeployStatus struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Repo   string `json:"repo"`
	Branch string `json:"branch"`
	Status string `json:"status"`
}

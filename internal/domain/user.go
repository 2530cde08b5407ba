package domain

import (
	"slices"
	"time"
)

// User represents a platform account.
type User struct {
	ID           string
	Email        string
	PasswordHash []byte
	// NodeIDs lists the nodes the user has been granted access to.
	NodeIDs   []string
	CreatedAt time.Time
}

// AddNode records a node reference. Duplicate references are ignored.
func (u *User) AddNode(nodeID string) {
	if nodeID == "" || slices.Contains(u.NodeIDs, nodeID) {
		return
	}
	u.NodeIDs = append(u.NodeIDs, nodeID)
}

// RemoveNode drops a node reference and reports whether one was present.
func (u *User) RemoveNode(nodeID string) bool {
	idx := slices.Index(u.NodeIDs, nodeID)
	if idx < 0 {
		return false
	}
	u.NodeIDs = slices.Delete(u.NodeIDs, idx, idx+1)
	return true
}

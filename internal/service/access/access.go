// Package access holds the ownership predicates guarding node and deploy operations.
package access

import "github.com/itkpi/hawkeye-central/internal/domain"

// CanAccessNode reports whether userID belongs to the node's access set.
func CanAccessNode(userID string, node *domain.Node) bool {
	if node == nil {
		return false
	}
	return node.HasUser(userID)
}

// CanDeleteNode additionally requires the node to have no deploys.
func CanDeleteNode(userID string, node *domain.Node) bool {
	return CanAccessNode(userID, node) && len(node.Deploys) == 0
}

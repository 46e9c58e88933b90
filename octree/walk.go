package octree

import (
	"context"
)

// Walk resolves and visits the nodes below root breadth first, down to maxDepth levels below
// root; a negative maxDepth walks the whole tree. Returning false from fn skips the
// children of the node.
func Walk(ctx context.Context, root Node, maxDepth int, fn func(Node) bool) error {
	queue := []Node{root}
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := queue[0]
		queue = queue[1:]
		if err := n.ResolveHierarchy(ctx); err != nil {
			return err
		}
		if !fn(n) {
			continue
		}
		if maxDepth >= 0 && n.Key().Depth-root.Key().Depth >= maxDepth {
			continue
		}
		queue = append(queue, n.Children()...)
	}
	return nil
}

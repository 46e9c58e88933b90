// Package octree materializes the octree of a streamed point cloud one hierarchy blob at a
// time. Nodes start with an unknown point count; resolving a node's hierarchy fetches the
// blob governing it and creates every descendant that blob describes. Loading a node
// fetches and decodes its point data through the scheduler.
package octree

import (
	"context"
	"slices"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"golang.org/x/sync/singleflight"

	"go.viam.com/pcstream/fetch"
	"go.viam.com/pcstream/las"
	"go.viam.com/pcstream/logging"
	"go.viam.com/pcstream/scheduler"
	"go.viam.com/pcstream/updatestate"
	"go.viam.com/pcstream/utils"
)

// State is the lifecycle state of a node.
type State int32

// The node states. Unresolved moves to Resolved once; each Load then goes through Fetching
// to Decoded or Failed.
const (
	Unresolved State = iota
	Resolved
	Fetching
	Decoded
	Failed
)

func (s State) String() string {
	switch s {
	case Unresolved:
		return "unresolved"
	case Resolved:
		return "resolved"
	case Fetching:
		return "fetching"
	case Decoded:
		return "decoded"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// A Node is one cell of a streamed octree. Nodes of every format behave the same way.
type Node interface {
	Key() Key
	// ID returns Key().String().
	ID() string
	// PointCount returns the number of points of the node, or -1 while its hierarchy is
	// unresolved.
	PointCount() int64
	IsHierarchyResolved() bool
	Box() Box
	// ChildBox returns the bounding box of any descendant key of this node.
	ChildBox(child Key) (Box, error)
	// Children returns the materialized children.
	Children() []Node
	// Parent returns the parent, or nil for the root.
	Parent() Node
	State() State
	// UpdateState returns the retry state fed by the data fetches of this node.
	UpdateState() *updatestate.State
	// ResolveHierarchy fetches the hierarchy blob governing this node, records the node's
	// own entry and creates the descendants the blob describes. It does nothing once the
	// node is resolved and concurrent callers share a single fetch.
	ResolveHierarchy(ctx context.Context) error
	// Load resolves the hierarchy if needed, then fetches and decodes the point data. Each
	// call fetches again; nodes do not keep their points.
	Load(ctx context.Context) (*las.Attributes, error)
}

// location is where a node's bytes live inside a single file dataset.
type location struct {
	dataOffset int64
	dataLength int64
	pageOffset int64
	pageLength int64
}

type node struct {
	tree   *Tree
	key    Key
	box    Box
	parent *node
	update *updatestate.State
	state  atomic.Int32

	// guarded by tree.mu
	pointCount int64
	loc        location
	children   []*node
}

func (n *node) Key() Key {
	return n.key
}

func (n *node) ID() string {
	return n.key.String()
}

func (n *node) PointCount() int64 {
	n.tree.mu.Lock()
	defer n.tree.mu.Unlock()
	return n.pointCount
}

func (n *node) IsHierarchyResolved() bool {
	return n.PointCount() >= 0
}

func (n *node) Box() Box {
	return n.box
}

func (n *node) ChildBox(child Key) (Box, error) {
	return ChildBox(n.key, n.box, child)
}

func (n *node) Children() []Node {
	n.tree.mu.Lock()
	defer n.tree.mu.Unlock()
	out := make([]Node, 0, len(n.children))
	for _, c := range n.children {
		out = append(out, c)
	}
	return out
}

func (n *node) Parent() Node {
	if n.parent == nil {
		return nil
	}
	return n.parent
}

func (n *node) State() State {
	return State(n.state.Load())
}

func (n *node) UpdateState() *updatestate.State {
	return n.update
}

func (n *node) location() location {
	n.tree.mu.Lock()
	defer n.tree.mu.Unlock()
	return n.loc
}

func (n *node) setState(s State) {
	if State(n.state.Swap(int32(s))) == s {
		return
	}
	n.tree.notify(n, s)
}

func (n *node) ResolveHierarchy(ctx context.Context) error {
	if n.IsHierarchyResolved() {
		return nil
	}
	_, err := n.tree.share(ctx, "hierarchy:"+n.ID(), func(ctx context.Context) (interface{}, error) {
		if n.IsHierarchyResolved() {
			return nil, nil
		}
		h, err := n.tree.src.fetchHierarchy(ctx, n)
		if err == nil {
			err = n.tree.materialize(n, h)
		}
		if err != nil && ctx.Err() == nil && !utils.IsCancelledCommandError(err) {
			n.update.FailureNow(utils.IsDefinitiveError(err), &updatestate.FailureParams{TargetLevel: n.key.Depth})
		}
		return nil, err
	})
	if err != nil {
		return errors.Wrapf(err, "resolving hierarchy of node %s", n.ID())
	}
	return nil
}

func (n *node) Load(ctx context.Context) (*las.Attributes, error) {
	if err := n.ResolveHierarchy(ctx); err != nil {
		if ctx.Err() == nil {
			n.setState(Failed)
		}
		return nil, err
	}
	if n.PointCount() == 0 {
		n.setState(Decoded)
		return las.EmptyAttributes(), nil
	}

	// concurrent loads of one node share the fetch and the decoded buffers
	res, err := n.tree.share(ctx, "data:"+n.ID(), func(ctx context.Context) (interface{}, error) {
		n.setState(Fetching)
		attrs, err := n.tree.src.load(ctx, n)
		if err != nil {
			n.setState(Failed)
			return nil, err
		}
		n.setState(Decoded)
		return attrs, nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "loading node %s", n.ID())
	}
	return res.(*las.Attributes), nil
}

// addChildLocked creates the child of n with the given key. Callers hold tree.mu.
func (n *node) addChildLocked(key Key, pointCount int64, loc location) *node {
	for _, c := range n.children {
		if c.key == key {
			return c
		}
	}
	box, err := n.ChildBox(key)
	if err != nil {
		// keys come from Key.Child so this cannot happen
		panic(err)
	}
	c := n.tree.newNode(key, box, n, pointCount, loc)
	n.children = append(n.children, c)
	return c
}

// source is the format specific behaviour behind a Tree.
type source interface {
	// rootLocation locates the root hierarchy blob.
	rootLocation() location
	// fetchHierarchy fetches and parses the hierarchy blob rooted at the unresolved node n.
	fetchHierarchy(ctx context.Context, n *node) (*Hierarchy, error)
	// load fetches and decodes the point data of a resolved node.
	load(ctx context.Context, n *node) (*las.Attributes, error)
}

// A Tree owns the nodes of one dataset.
type Tree struct {
	src    source
	sched  *scheduler.Scheduler
	pool   *las.Pool
	logger logging.Logger
	root   *node
	group  singleflight.Group

	// ctx bounds the shared fetches; it ends when the tree is closed.
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	nodes     map[Key]*node
	callbacks []func(Node, State)
}

func newTree(src source, sched *scheduler.Scheduler, pool *las.Pool, logger logging.Logger) *Tree {
	ctx, cancel := context.WithCancel(context.Background())
	return &Tree{src: src, sched: sched, pool: pool, logger: logger, ctx: ctx, cancel: cancel, nodes: map[Key]*node{}}
}

// close aborts the shared fetches still in flight.
func (t *Tree) close() {
	t.cancel()
}

// share runs fn once for all concurrent callers using key. fn does not see the cancellation
// of any single caller, only the closing of the tree. A caller whose ctx ends stops waiting
// and gets a cancellation error while the others keep waiting for the shared result.
func (t *Tree) share(
	ctx context.Context,
	key string,
	fn func(ctx context.Context) (interface{}, error),
) (interface{}, error) {
	ch := t.group.DoChan(key, func() (interface{}, error) {
		work, cancel := context.WithCancel(context.WithoutCancel(ctx))
		defer cancel()
		stop := context.AfterFunc(t.ctx, cancel)
		defer stop()
		return fn(work)
	})
	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		t.logger.CDebugw(ctx, "stopped waiting for shared fetch", "key", key, "error", ctx.Err())
		return nil, utils.NewCancelledCommandError(key)
	}
}

func (t *Tree) newNode(key Key, box Box, parent *node, pointCount int64, loc location) *node {
	n := &node{
		tree:       t,
		key:        key,
		box:        box,
		parent:     parent,
		update:     updatestate.New(),
		pointCount: pointCount,
		loc:        loc,
	}
	if pointCount >= 0 {
		n.state.Store(int32(Resolved))
	}
	t.nodes[key] = n
	return n
}

func (t *Tree) setRoot(box Box, loc location) *node {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.root = t.newNode(RootKey, box, nil, -1, loc)
	return t.root
}

// Root returns the root node.
func (t *Tree) Root() Node {
	return t.root
}

// Node returns the materialized node with the given key.
func (t *Tree) Node(key Key) (Node, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[key]
	if !ok {
		return nil, false
	}
	return n, true
}

// Len returns the number of materialized nodes.
func (t *Tree) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.nodes)
}

// OnStateChange registers fn to be called synchronously on every node state transition.
func (t *Tree) OnStateChange(fn func(Node, State)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callbacks = append(t.callbacks, fn)
}

func (t *Tree) notify(n *node, s State) {
	t.mu.Lock()
	callbacks := slices.Clone(t.callbacks)
	t.mu.Unlock()
	for _, fn := range callbacks {
		fn(n, s)
	}
}

// fetch runs a range command for n through the scheduler. Hierarchy fetches are cached and
// do not touch the node's retry state.
func (t *Tree) fetch(ctx context.Context, n *node, url string, start, end int64, hierarchy bool) ([]byte, error) {
	state := n.update
	if hierarchy {
		state = nil
	}
	cmd := fetch.NewRangeCommand(url, start, end, n.ID(), state, n.key.Depth)
	if !hierarchy {
		cmd.CacheKey = nil
	}
	return fetch.Range(ctx, t.sched, cmd)
}

// decode runs meta on the decode pool.
func (t *Tree) decode(ctx context.Context, n *node, meta las.Metadata, data []byte) (*las.Attributes, error) {
	attrs, err := t.pool.Decode(ctx, meta, data)
	if err != nil {
		if utils.IsDefinitiveError(err) {
			n.update.FailureNow(true, &updatestate.FailureParams{TargetLevel: n.key.Depth})
		}
		return nil, err
	}
	return attrs, nil
}

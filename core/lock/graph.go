package lock

// waitForGraph tracks which blocked request waits on which holding sessions.
// Edges are keyed by the waiter's handle rather than its session: one session
// may park several requests at once, and each keeps its own edge set. An edge
// waiter -> holder exists while the waiter's request is parked behind a lock
// the holder owns. The graph is consulted before any wait begins: a request
// that would close a cycle is rejected instead of enqueued, so the lock table
// can never enter a circular wait.
type waitForGraph struct {
	edges map[string]waitEdges
}

type waitEdges struct {
	session string
	holders map[string]struct{}
}

func newWaitForGraph() *waitForGraph {
	return &waitForGraph{edges: make(map[string]waitEdges)}
}

func (g *waitForGraph) setEdges(handle, session string, holders map[string]struct{}) {
	out := make(map[string]struct{}, len(holders))
	for h := range holders {
		if h == session {
			continue
		}
		out[h] = struct{}{}
	}
	if len(out) == 0 {
		delete(g.edges, handle)
		return
	}
	g.edges[handle] = waitEdges{session: session, holders: out}
}

func (g *waitForGraph) removeWaiter(handle string) {
	delete(g.edges, handle)
}

func (g *waitForGraph) removeSession(session string) {
	for handle, e := range g.edges {
		if e.session == session {
			delete(g.edges, handle)
			continue
		}
		delete(e.holders, session)
	}
}

// wouldCycle reports whether adding edges waiter -> each holder would close a
// cycle, i.e. whether any holder already reaches the waiting session through
// the graph.
func (g *waitForGraph) wouldCycle(session string, holders map[string]struct{}) bool {
	for holder := range holders {
		if holder == session {
			continue
		}
		if g.reaches(holder, session, make(map[string]struct{})) {
			return true
		}
	}
	return false
}

func (g *waitForGraph) reaches(from, target string, visited map[string]struct{}) bool {
	if from == target {
		return true
	}
	if _, seen := visited[from]; seen {
		return false
	}
	visited[from] = struct{}{}

	for _, e := range g.edges {
		if e.session != from {
			continue
		}
		for next := range e.holders {
			if g.reaches(next, target, visited) {
				return true
			}
		}
	}
	return false
}

// waitingCount is the number of parked requests, not distinct sessions.
func (g *waitForGraph) waitingCount() int {
	return len(g.edges)
}

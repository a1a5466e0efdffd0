package surface

// viewGroup batches sync notifications for the surfaces drawn into one host
// view. Guarded by Coordinator.mu.
type viewGroup struct {
	key  GroupKey
	peer Peer

	// refs counts registered surfaces in members. The group is removed
	// exactly when it drops to zero.
	refs    int
	members map[ID]*handle

	// syncRequested is set while a SyncRequested notification for the group
	// is outstanding. PerformSync clears it before presenting.
	syncRequested bool
}

func newViewGroup(key GroupKey, peer Peer) *viewGroup {
	return &viewGroup{key: key, peer: peer, members: make(map[ID]*handle)}
}

func (g *viewGroup) add(h *handle) {
	g.members[h.id] = h
	g.refs++
}

// remove drops h and reports whether the group is now empty.
func (g *viewGroup) remove(h *handle) bool {
	delete(g.members, h.id)
	g.refs--
	return g.refs == 0
}

// takeDirty clears the group flag and every member flag, returning the
// members that were dirty.
func (g *viewGroup) takeDirty() []*handle {
	g.syncRequested = false
	var dirty []*handle
	for _, h := range g.members {
		if h.syncRequested {
			h.syncRequested = false
			dirty = append(dirty, h)
		}
	}
	return dirty
}

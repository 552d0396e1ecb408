package node

// Status is a node's membership state within the pool that manages it.
type Status int

const (
	// StatusManaged means the node was just handed to a pool.
	StatusManaged Status = iota
	StatusHealthy
	StatusFaulty
	// StatusStandalone means the node left the pool.
	StatusStandalone
	// StatusUnmanaged is what a previous owner hears when the node is
	// handed to another sink or detached. Pools treat it as StatusStandalone.
	StatusUnmanaged
)

func (s Status) String() string {
	switch s {
	case StatusManaged:
		return "managed"
	case StatusHealthy:
		return "healthy"
	case StatusFaulty:
		return "faulty"
	case StatusStandalone:
		return "standalone"
	case StatusUnmanaged:
		return "unmanaged"
	default:
		return "unknown"
	}
}

// StatusSink accepts status updates for nodes it manages. Implementations
// must be comparable (typically pointers).
type StatusSink interface {
	ReportStatus(n *Node, s Status)
}

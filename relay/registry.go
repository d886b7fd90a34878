package relay

import "sync"

// AgentSession is the registry entry for a connected agent.
type AgentSession struct {
	AgentID string
	Conn    Conn
}

// OperatorSession is the registry entry for a connected operator. AgentID is
// the agent the operator targeted at handshake time and is fixed for the
// lifetime of the connection.
type OperatorSession struct {
	OperatorID string
	Conn       Conn
	AgentID    string
}

// Registry is the single source of truth for which agents and operators are
// reachable right now. All operations are safe under concurrent invocation
// from any number of receive loops; the lock scope is the single map
// operation, never a whole routing step.
//
// Registering over an existing id replaces the entry (last-connect-wins)
// without closing the superseded connection. Unregistration is
// identity-matched so a stale disconnect handler cannot delete a session
// that a newer connection for the same id already replaced.
type Registry struct {
	mu        sync.RWMutex
	agents    map[string]*AgentSession
	operators map[string]*OperatorSession
}

// NewRegistry creates an empty Registry. One instance is constructed per
// server lifetime and shared by reference with every connection task.
func NewRegistry() *Registry {
	return &Registry{
		agents:    make(map[string]*AgentSession),
		operators: make(map[string]*OperatorSession),
	}
}

// RegisterAgent inserts or replaces the session for agentID.
func (r *Registry) RegisterAgent(agentID string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[agentID] = &AgentSession{AgentID: agentID, Conn: conn}
}

// RegisterOperator inserts or replaces the session for operatorID.
func (r *Registry) RegisterOperator(operatorID string, conn Conn, agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.operators[operatorID] = &OperatorSession{OperatorID: operatorID, Conn: conn, AgentID: agentID}
}

// LookupAgent returns the live connection for agentID, or nil.
func (r *Registry) LookupAgent(agentID string) Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.agents[agentID]; ok {
		return s.Conn
	}
	return nil
}

// LookupOperator returns the live connection for operatorID, or nil.
func (r *Registry) LookupOperator(operatorID string) Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.operators[operatorID]; ok {
		return s.Conn
	}
	return nil
}

// UnregisterAgent deletes the entry for agentID only if it still points at
// conn. A newer connection for the same id is left untouched.
func (r *Registry) UnregisterAgent(agentID string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.agents[agentID]; ok && s.Conn == conn {
		delete(r.agents, agentID)
	}
}

// UnregisterOperator deletes the entry for operatorID only if it still
// points at conn.
func (r *Registry) UnregisterOperator(operatorID string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.operators[operatorID]; ok && s.Conn == conn {
		delete(r.operators, operatorID)
	}
}

// AgentIDs returns a snapshot of the currently connected agent ids, for
// diagnostics and offline-error reporting.
func (r *Registry) AgentIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	return ids
}

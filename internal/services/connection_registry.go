package services

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Transport is the raw socket under a hub connection. The gofiber
// websocket.Conn satisfies it.
type Transport interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// deadlineSetter is implemented by transports that support write deadlines.
type deadlineSetter interface {
	SetWriteDeadline(t time.Time) error
}

// textMessage matches websocket.TextMessage in every websocket package.
const textMessage = 1

// Connection is one live hub socket.
type Connection struct {
	ID          string
	UserID      string
	ConnectedAt time.Time

	transport    Transport
	writeTimeout time.Duration
	writeMutex   sync.Mutex
	closeOnce    sync.Once

	// guarded by the owning registry's mutex
	projects     map[string]struct{}
	lastActivity time.Time
}

// Send writes one text frame. Writes to the same connection are serialized.
func (c *Connection) Send(data []byte) error {
	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()

	if ds, ok := c.transport.(deadlineSetter); ok && c.writeTimeout > 0 {
		_ = ds.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.transport.WriteMessage(textMessage, data)
}

// Close closes the transport once.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.transport.Close()
	})
	return err
}

// ConnectionInfo is a point-in-time copy of a connection's state.
type ConnectionInfo struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Projects     []string  `json:"projects"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActivity time.Time `json:"last_activity"`
}

// ConnectionRegistry tracks live hub connections, project groups and the
// team to project index. One mutex guards every map so the connection to
// project and project to connection indices can never disagree.
type ConnectionRegistry struct {
	mu           sync.Mutex
	connections  map[string]*Connection
	groups       map[string]map[string]struct{}
	teams        map[string]map[string]struct{}
	writeTimeout time.Duration
	now          func() time.Time
}

// NewConnectionRegistry creates an empty registry. writeTimeout bounds each
// socket write; zero disables the deadline.
func NewConnectionRegistry(writeTimeout time.Duration) *ConnectionRegistry {
	return &ConnectionRegistry{
		connections:  make(map[string]*Connection),
		groups:       make(map[string]map[string]struct{}),
		teams:        make(map[string]map[string]struct{}),
		writeTimeout: writeTimeout,
		now:          time.Now,
	}
}

// Register adds a transport owned by userID and returns its connection id.
func (r *ConnectionRegistry) Register(t Transport, userID string) string {
	return r.add(t, userID).ID
}

func (r *ConnectionRegistry) add(t Transport, userID string) *Connection {
	now := r.now()
	conn := &Connection{
		ID:           uuid.New().String(),
		UserID:       userID,
		ConnectedAt:  now,
		transport:    t,
		writeTimeout: r.writeTimeout,
		projects:     make(map[string]struct{}),
		lastActivity: now,
	}

	r.mu.Lock()
	r.connections[conn.ID] = conn
	r.mu.Unlock()

	return conn
}

// Unregister removes a connection from the registry and from every project
// group it had joined. It returns those projects and whether the connection
// was present; calling it again is a no-op.
func (r *ConnectionRegistry) Unregister(id string) ([]string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.connections[id]
	if !ok {
		return nil, false
	}
	delete(r.connections, id)

	projects := make([]string, 0, len(conn.projects))
	for projectID := range conn.projects {
		r.removeMemberLocked(projectID, id)
		projects = append(projects, projectID)
	}
	conn.projects = make(map[string]struct{})
	sort.Strings(projects)
	return projects, true
}

// Join subscribes a connection to a project group. It reports true only
// when the connection was not already a member.
func (r *ConnectionRegistry) Join(id, projectID string) bool {
	if projectID == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.connections[id]
	if !ok {
		return false
	}
	if _, member := conn.projects[projectID]; member {
		return false
	}

	conn.projects[projectID] = struct{}{}
	group, ok := r.groups[projectID]
	if !ok {
		group = make(map[string]struct{})
		r.groups[projectID] = group
	}
	group[id] = struct{}{}
	return true
}

// Leave unsubscribes a connection from a project group. It reports true
// only when the connection was a member.
func (r *ConnectionRegistry) Leave(id, projectID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.connections[id]
	if !ok {
		return false
	}
	if _, member := conn.projects[projectID]; !member {
		return false
	}
	delete(conn.projects, projectID)
	r.removeMemberLocked(projectID, id)
	return true
}

// removeMemberLocked drops id from a group and prunes the group when empty.
func (r *ConnectionRegistry) removeMemberLocked(projectID, id string) {
	group, ok := r.groups[projectID]
	if !ok {
		return
	}
	delete(group, id)
	if len(group) == 0 {
		delete(r.groups, projectID)
	}
}

// MembersOf returns the ids subscribed to a project, sorted.
func (r *ConnectionRegistry) MembersOf(projectID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return sortedKeys(r.groups[projectID])
}

// Touch refreshes a connection's activity timestamp.
func (r *ConnectionRegistry) Touch(id string) {
	now := r.now()

	r.mu.Lock()
	if conn, ok := r.connections[id]; ok {
		conn.lastActivity = now
	}
	r.mu.Unlock()
}

// LastActivity returns when the connection last sent or received anything.
func (r *ConnectionRegistry) LastActivity(id string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.connections[id]
	if !ok {
		return time.Time{}, false
	}
	return conn.lastActivity, true
}

// RegisterTeamProject records that projectID belongs to teamID.
func (r *ConnectionRegistry) RegisterTeamProject(teamID, projectID string) {
	if teamID == "" || projectID == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	projects, ok := r.teams[teamID]
	if !ok {
		projects = make(map[string]struct{})
		r.teams[teamID] = projects
	}
	projects[projectID] = struct{}{}
}

// UnregisterTeamProject removes a team to project mapping.
func (r *ConnectionRegistry) UnregisterTeamProject(teamID, projectID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	projects, ok := r.teams[teamID]
	if !ok {
		return
	}
	delete(projects, projectID)
	if len(projects) == 0 {
		delete(r.teams, teamID)
	}
}

// ProjectsOfTeam returns the projects registered under a team, sorted.
func (r *ConnectionRegistry) ProjectsOfTeam(teamID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return sortedKeys(r.teams[teamID])
}

// ProjectsOf returns the projects a connection has joined, sorted.
func (r *ConnectionRegistry) ProjectsOf(id string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.connections[id]
	if !ok {
		return nil
	}
	return sortedKeys(conn.projects)
}

// Get returns a live connection.
func (r *ConnectionRegistry) Get(id string) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.connections[id]
	return conn, ok
}

// Count returns the number of live connections.
func (r *ConnectionRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.connections)
}

// GroupCount returns the number of non-empty project groups.
func (r *ConnectionRegistry) GroupCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.groups)
}

// Snapshot copies the state of every connection, ordered by connect time.
func (r *ConnectionRegistry) Snapshot() []ConnectionInfo {
	r.mu.Lock()
	infos := make([]ConnectionInfo, 0, len(r.connections))
	for _, conn := range r.connections {
		infos = append(infos, ConnectionInfo{
			ID:           conn.ID,
			UserID:       conn.UserID,
			Projects:     sortedKeys(conn.projects),
			ConnectedAt:  conn.ConnectedAt,
			LastActivity: conn.lastActivity,
		})
	}
	r.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].ConnectedAt.Equal(infos[j].ConnectedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].ConnectedAt.Before(infos[j].ConnectedAt)
	})
	return infos
}

// recipients resolves the target connections for a broadcast in one
// critical section. An empty projectIDs with all=true selects everyone.
func (r *ConnectionRegistry) recipients(projectIDs []string, all bool, exclude string) []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.recipientsLocked(projectIDs, all, exclude)
}

// teamRecipients resolves a team's projects and their members in one
// critical section. hasProjects is false when the team has no mapping.
func (r *ConnectionRegistry) teamRecipients(teamID, exclude string) (conns []*Connection, hasProjects bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	projects := sortedKeys(r.teams[teamID])
	if len(projects) == 0 {
		return nil, false
	}
	return r.recipientsLocked(projects, false, exclude), true
}

func (r *ConnectionRegistry) recipientsLocked(projectIDs []string, all bool, exclude string) []*Connection {
	var out []*Connection
	if all {
		out = make([]*Connection, 0, len(r.connections))
		for id, conn := range r.connections {
			if id != exclude {
				out = append(out, conn)
			}
		}
		return out
	}

	seen := make(map[string]struct{})
	for _, projectID := range projectIDs {
		for id := range r.groups[projectID] {
			if id == exclude {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			if conn, ok := r.connections[id]; ok {
				out = append(out, conn)
			}
		}
	}
	return out
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

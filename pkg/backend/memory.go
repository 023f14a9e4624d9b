package backend

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/arseneyr/speakerbox/pkg/model"
	"github.com/arseneyr/speakerbox/pkg/watch"
)

// Memory is a Local kept in a map.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{data: map[string][]byte{}}
}

func (m *Memory) GetState(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte{}, v...), true, nil
}

func (m *Memory) SetState(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte{}, value...)
	return nil
}

func (m *Memory) DeleteState(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *Memory) GetStateKeys(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

type hubEntry struct {
	value   []byte
	version int
}

// Hub is an in-process stand-in for a cloud store shared by several clients.
// Each client talks to it through its own Endpoint.
type Hub struct {
	mu      sync.Mutex
	users   map[model.UserID]map[string]hubEntry
	retries int
	writes  int
	seq     int
}

func NewHub() *Hub {
	return &Hub{users: map[model.UserID]map[string]hubEntry{}}
}

// InjectRetries makes the next n conditional writes fail with ErrRetry.
func (h *Hub) InjectRetries(n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.retries = n
}

// Writes counts successful writes.
func (h *Hub) Writes() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.writes
}

// Peek reads a value without going through an endpoint.
func (h *Hub) Peek(user model.UserID, key string) ([]byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.users[user][key]
	return e.value, ok
}

// Endpoint returns a new client of the hub, initially signed out.
func (h *Hub) Endpoint() *Endpoint {
	return &Endpoint{hub: h, state: watch.New(SignedInState{Kind: SignedOut})}
}

// Endpoint is one client's Remote view of a Hub.
type Endpoint struct {
	hub   *Hub
	state *watch.Value[SignedInState]
}

var _ Remote = (*Endpoint)(nil)

func (e *Endpoint) SignIn(user model.UserID) {
	e.state.Set(SignedInAs(user))
}

func (e *Endpoint) SignOut() {
	e.state.Set(SignedInState{Kind: SignedOut})
}

func (e *Endpoint) GoOffline() {
	e.state.Set(SignedInState{Kind: Offline})
}

func (e *Endpoint) SignedIn() *watch.Value[SignedInState] {
	return e.state
}

func (e *Endpoint) user() (model.UserID, error) {
	s := e.state.Get()
	switch s.Kind {
	case SignedIn:
		return s.User, nil
	case Offline:
		return "", ErrOffline
	default:
		return "", ErrSignedOut
	}
}

func (e *Endpoint) GetState(_ context.Context, key string) (Entry, bool, error) {
	user, err := e.user()
	if err != nil {
		return Entry{}, false, err
	}
	e.hub.mu.Lock()
	defer e.hub.mu.Unlock()
	entry, ok := e.hub.users[user][key]
	if !ok {
		return Entry{}, false, nil
	}
	return Entry{Value: append([]byte{}, entry.value...), Tag: strconv.Itoa(entry.version)}, true, nil
}

func (e *Endpoint) SetState(_ context.Context, key string, value []byte, tag string) (string, error) {
	user, err := e.user()
	if err != nil {
		return "", err
	}
	h := e.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if tag != AnyTag && h.retries > 0 {
		h.retries--
		return "", ErrRetry
	}
	store, ok := h.users[user]
	if !ok {
		store = map[string]hubEntry{}
		h.users[user] = store
	}
	current, exists := store[key]
	if err := CheckTag(tag, strconv.Itoa(current.version), exists); err != nil {
		return "", fmt.Errorf("%w: key %s", err, key)
	}
	h.seq++
	next := hubEntry{value: append([]byte{}, value...), version: h.seq}
	store[key] = next
	h.writes++
	return strconv.Itoa(next.version), nil
}

func (e *Endpoint) DeleteState(_ context.Context, key string) error {
	user, err := e.user()
	if err != nil {
		return err
	}
	e.hub.mu.Lock()
	defer e.hub.mu.Unlock()
	delete(e.hub.users[user], key)
	return nil
}

func (e *Endpoint) GetStateKeys(_ context.Context) ([]string, error) {
	user, err := e.user()
	if err != nil {
		return nil, err
	}
	e.hub.mu.Lock()
	defer e.hub.mu.Unlock()
	keys := make([]string, 0, len(e.hub.users[user]))
	for k := range e.hub.users[user] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

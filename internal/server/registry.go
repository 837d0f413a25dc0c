package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/mossy-p/airband/internal/auth"
	"github.com/mossy-p/airband/internal/bus"
	"github.com/mossy-p/airband/internal/protocol"
)

// ErrDuplicateID is returned by Admit when the client id is already
// registered. The existing registration is never overwritten.
var ErrDuplicateID = errors.New("client id already registered")

type entry struct {
	identity protocol.ClientIdentity
	inbox    chan protocol.Message
}

// Admission is handed to a session actor after a successful login.
type Admission struct {
	Identity protocol.ClientIdentity

	// Clients is the presence snapshot at admission time, excluding
	// the admitted client itself.
	Clients []protocol.ClientIdentity

	// Inbox carries messages relayed to this client from other peers.
	Inbox <-chan protocol.Message

	// Broadcast receives presence events fanned out to every session.
	Broadcast *bus.Subscription[protocol.Message]
}

// Registry holds one entry per authenticated connection and fans
// presence and call events out to the others. All mutation goes through
// Admit and Remove; entries are keyed by the unique client id.
type Registry struct {
	verifier auth.Verifier
	store    PresenceStore
	inboxCap int

	bcast *bus.Broadcaster[protocol.Message]

	mu      sync.Mutex
	entries map[string]*entry

	relayMisses atomic.Uint64
	inboxDrops  atomic.Uint64
}

func NewRegistry(verifier auth.Verifier, store PresenceStore, busCap, inboxCap int) *Registry {
	if inboxCap <= 0 {
		inboxCap = 100
	}
	return &Registry{
		verifier: verifier,
		store:    store,
		inboxCap: inboxCap,
		bcast:    bus.NewBroadcaster[protocol.Message](busCap),
		entries:  make(map[string]*entry),
	}
}

// Admit verifies the login token, registers the client, and announces
// it to every other connection. The returned error is ErrDuplicateID
// for an id collision or wraps auth.ErrInvalidToken for a failed
// verification.
func (r *Registry) Admit(ctx context.Context, id, token string) (*Admission, error) {
	info, err := r.verifier.Verify(ctx, id, token)
	if err != nil {
		return nil, fmt.Errorf("verify %q: %w", id, err)
	}

	identity := protocol.ClientIdentity{
		ID:          id,
		DisplayName: info.DisplayName,
		Frequency:   info.Frequency,
	}

	r.mu.Lock()
	if _, exists := r.entries[id]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("admit %q: %w", id, ErrDuplicateID)
	}

	e := &entry{
		identity: identity,
		inbox:    make(chan protocol.Message, r.inboxCap),
	}
	r.entries[id] = e

	others := make([]protocol.ClientIdentity, 0, len(r.entries)-1)
	for otherID, other := range r.entries {
		if otherID != id {
			others = append(others, other.identity)
		}
	}
	sub := r.bcast.Subscribe()
	r.mu.Unlock()

	sort.Slice(others, func(i, j int) bool { return others[i].ID < others[j].ID })

	// Announce after the map mutation is visible. The new client's own
	// subscription filters this event out in the session write pump.
	r.bcast.Publish(protocol.ClientConnected(identity))

	if r.store != nil {
		if err := r.store.Add(ctx, identity); err != nil {
			log.Printf("Failed to store presence for %s: %v", id, err)
		}
	}

	log.Printf("Client %s (%s) admitted, %d other clients online", id, identity.DisplayName, len(others))

	return &Admission{
		Identity:  identity,
		Clients:   others,
		Inbox:     e.inbox,
		Broadcast: sub,
	}, nil
}

// Remove deletes the entry for id and broadcasts ClientDisconnected.
// Removing an unknown id is a no-op, so the disconnect event goes out
// exactly once per admitted client no matter how many teardown paths
// race.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	_, exists := r.entries[id]
	if exists {
		delete(r.entries, id)
	}
	r.mu.Unlock()

	if !exists {
		return
	}

	r.bcast.Publish(protocol.ClientDisconnected(id))

	if r.store != nil {
		if err := r.store.Remove(context.Background(), id); err != nil {
			log.Printf("Failed to remove presence for %s: %v", id, err)
		}
	}

	log.Printf("Client %s removed", id)
}

// Relay delivers a directed message to its target's inbox, rewriting
// PeerID to the sender's id so the recipient knows who it came from.
// An unknown target is a soft failure: the sender gets Error{"peer not
// found"} on its own inbox and the miss is counted.
func (r *Registry) Relay(fromID string, msg protocol.Message) {
	targetID := msg.PeerID

	r.mu.Lock()
	target, ok := r.entries[targetID]
	sender := r.entries[fromID]
	r.mu.Unlock()

	if !ok {
		r.relayMisses.Add(1)
		log.Printf("Relay from %s to unknown peer %s", fromID, targetID)
		if sender != nil {
			r.push(sender, protocol.Error("peer not found"))
		}
		return
	}

	msg.PeerID = fromID
	r.push(target, msg)
}

// push enqueues onto an inbox without ever blocking the caller. A full
// inbox drops the newest message with a warning.
func (r *Registry) push(e *entry, msg protocol.Message) {
	select {
	case e.inbox <- msg:
	default:
		r.inboxDrops.Add(1)
		log.Printf("Inbox full for %s, dropping %s message", e.identity.ID, msg.Type)
	}
}

// Clients returns a snapshot of all connected identities.
func (r *Registry) Clients() []protocol.ClientIdentity {
	r.mu.Lock()
	defer r.mu.Unlock()

	clients := make([]protocol.ClientIdentity, 0, len(r.entries))
	for _, e := range r.entries {
		clients = append(clients, e.identity)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].ID < clients[j].ID })
	return clients
}

// RelayMisses reports how many directed messages targeted unknown peers.
func (r *Registry) RelayMisses() uint64 {
	return r.relayMisses.Load()
}

// InboxDrops reports how many messages were dropped on full inboxes.
func (r *Registry) InboxDrops() uint64 {
	return r.inboxDrops.Load()
}

// Close shuts the broadcast bus down.
func (r *Registry) Close() {
	r.bcast.Close()
}

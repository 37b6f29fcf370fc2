package remote

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/rift/internal/doc"
)

// ErrNotFound is returned by Update when the target document does not exist.
var ErrNotFound = errors.New("document not found")

// Store is the remote document store capability consumed by the sync bridge.
type Store interface {
	// Get reads a document. A missing document is not an error: the returned
	// snapshot has Exists == false.
	Get(ctx context.Context, collection, id string) (Snapshot, error)

	// WatchDocument registers fn for every change to one document, starting
	// with its current state.
	WatchDocument(ctx context.Context, collection, id string, fn func(Snapshot)) (Unsubscribe, error)

	// WatchCollection registers fn for every change to a collection, starting
	// with its current contents (all reported as Added).
	WatchCollection(ctx context.Context, collection string, fn func(CollectionSnapshot)) (Unsubscribe, error)

	// Update writes the named fields of an existing document.
	Update(ctx context.Context, collection, id string, fields map[string]any) error

	// Create writes a complete document, replacing any existing one.
	Create(ctx context.Context, collection, id string, data doc.Document) error

	// Delete removes a document. Deleting a missing document is a no-op.
	Delete(ctx context.Context, collection, id string) error
}

// Unsubscribe cancels a listener. It is safe to call more than once and from
// inside the listener callback.
type Unsubscribe func()

// Snapshot is the state of a single document at one point in time.
type Snapshot struct {
	ID     string       `json:"id"`
	Data   doc.Document `json:"data,omitempty"`
	Exists bool         `json:"exists"`
}

// ChangeType classifies a document delta inside a collection snapshot.
type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeModified ChangeType = "modified"
	ChangeRemoved  ChangeType = "removed"
)

// Change is one document delta.
type Change struct {
	Type ChangeType `json:"type"`
	Doc  Snapshot   `json:"doc"`
}

// CollectionSnapshot carries the full current contents of a collection plus
// the deltas since the previous notification.
type CollectionSnapshot struct {
	Docs    []Snapshot `json:"docs"`
	Changes []Change   `json:"changes"`
}

// CharactersCollection returns the collection holding a room's tracked
// entities, or the top-level collection when roomID is empty.
func CharactersCollection(roomID string) string {
	if roomID == "" {
		return "characters"
	}
	return fmt.Sprintf("rooms/%s/characters", roomID)
}

// RoomsCollection holds one document per room.
const RoomsCollection = "rooms"

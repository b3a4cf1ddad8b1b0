// Package blob abstracts whole-object storage. Every durable artifact in the
// system (embedding corpora, watch states, manifests) is a JSON object read
// and written in full; there are no partial updates.
package blob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotFound reports that the named object does not exist in the bucket.
var ErrNotFound = errors.New("blob: object not found")

// Store is the object storage surface the rest of the service depends on.
// Implementations must make Write atomic per object: readers see either the
// previous object or the new one, never a partial write.
type Store interface {
	// Read returns the full contents of the object at name.
	Read(ctx context.Context, name string) ([]byte, error)

	// Write replaces the object at name with data.
	Write(ctx context.Context, name string, data []byte) error

	// Delete removes the object at name. Deleting a missing object returns
	// ErrNotFound.
	Delete(ctx context.Context, name string) error

	// List returns the names of all objects whose name starts with prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// Exists reports whether the object at name exists.
	Exists(ctx context.Context, name string) (bool, error)
}

// ReadJSON reads the object at name and unmarshals it into v.
func ReadJSON(ctx context.Context, s Store, name string, v any) error {
	data, err := s.Read(ctx, name)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("blob: decoding %s: %w", name, err)
	}

	return nil
}

// WriteJSON marshals v and writes it to the object at name.
func WriteJSON(ctx context.Context, s Store, name string, v any) error {
	var buf bytes.Buffer

	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("blob: encoding %s: %w", name, err)
	}

	return s.Write(ctx, name, buf.Bytes())
}

// Package artifact stores template images and other event blobs.
package artifact

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/foxzi/certmailer/internal/delivery"
)

// ErrNotFound is returned when no blob exists under a key
var ErrNotFound = delivery.NotFound("artifact not found")

// Store keeps blobs under slash separated keys
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// TemplateKey returns the key of an event's certificate template
func TemplateKey(eventID, ext string) string {
	return path.Join("events", eventID, "template"+ext)
}

// cleanKey rejects keys escaping the store root
func cleanKey(key string) (string, error) {
	cleaned := path.Clean("/" + key)[1:]
	if cleaned == "" || cleaned != strings.TrimPrefix(key, "/") {
		return "", fmt.Errorf("invalid artifact key %q", key)
	}
	return cleaned, nil
}

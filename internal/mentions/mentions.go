// Package mentions turns @handle references in message text into user ids.
package mentions

import (
	"context"
	"regexp"
)

var mentionPattern = regexp.MustCompile(`@(\w+)`)

// Extract scans text for @handle tokens and returns the distinct handles in
// order of first occurrence. Case-sensitive; no existence check.
func Extract(text string) []string {
	matches := mentionPattern.FindAllStringSubmatch(text, -1)
	seen := make(map[string]struct{}, len(matches))
	handles := make([]string, 0, len(matches))
	for _, match := range matches {
		handle := match[1]
		if _, ok := seen[handle]; ok {
			continue
		}
		seen[handle] = struct{}{}
		handles = append(handles, handle)
	}
	return handles
}

// Directory is the slice of the user directory the resolver needs.
type Directory interface {
	ResolveHandles(ctx context.Context, handles []string) ([]string, error)
}

type Resolver struct {
	directory Directory
}

func NewResolver(directory Directory) *Resolver {
	return &Resolver{directory: directory}
}

// Resolve extracts mentions from text and maps them to user ids. Handles
// with no matching user are dropped without error.
func (r *Resolver) Resolve(ctx context.Context, text string) ([]string, error) {
	handles := Extract(text)
	if len(handles) == 0 {
		return []string{}, nil
	}
	return r.directory.ResolveHandles(ctx, handles)
}

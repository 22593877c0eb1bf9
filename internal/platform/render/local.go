package render

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// LocalRenderer writes document payloads to a directory on disk and returns
// file URLs. Suitable for a single-node deployment; swapping in object
// storage only requires another Renderer.
type LocalRenderer struct {
	dir string
}

func NewLocalRenderer(dir string) (*LocalRenderer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact directory: %w", err)
	}
	return &LocalRenderer{dir: dir}, nil
}

func (r *LocalRenderer) Render(_ context.Context, kind, reference string, data any) (*Artifact, error) {
	payload, hash, err := HashPayload(data)
	if err != nil {
		return nil, err
	}

	name := fmt.Sprintf("%s-%s-%s.json", kind, reference, hash[:12])
	path := filepath.Join(r.dir, name)
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return nil, fmt.Errorf("write artifact: %w", err)
	}

	return &Artifact{
		URL:        "file://" + path,
		SHA256:     hash,
		RenderedAt: time.Now(),
	}, nil
}

// Package render produces the document artifacts attached to billing
// records: the signed acceptance document for a budget and the receipt for a
// settled payment. Artifacts are content-addressed; the stored hash lets a
// verifier prove a document has not been altered since issuance.
package render

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Document kinds.
const (
	KindAcceptance = "acceptance"
	KindReceipt    = "receipt"
)

// Artifact is a rendered document reference.
type Artifact struct {
	URL        string    `json:"url"`
	SHA256     string    `json:"sha256"`
	RenderedAt time.Time `json:"rendered_at"`
}

// Renderer turns structured document data into a stored artifact.
type Renderer interface {
	Render(ctx context.Context, kind string, reference string, data any) (*Artifact, error)
}

// HashPayload canonicalizes data as JSON and returns its hex SHA-256.
func HashPayload(data any) (payload []byte, hash string, err error) {
	payload, err = json.Marshal(data)
	if err != nil {
		return nil, "", fmt.Errorf("marshal document payload: %w", err)
	}
	sum := sha256.Sum256(payload)
	return payload, hex.EncodeToString(sum[:]), nil
}

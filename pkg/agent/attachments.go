package agent

import "context"

// AttachmentRef points at an uploaded file by id
type AttachmentRef struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// ResolvedAttachment is a reference turned into model-consumable content
type ResolvedAttachment struct {
	Name     string
	MimeType string
	URL      string
}

// AttachmentResolver turns attachment references into content the model can
// read. Resolution is tenant-scoped.
type AttachmentResolver interface {
	Resolve(ctx context.Context, tenantID string, refs []AttachmentRef) ([]ResolvedAttachment, error)
}

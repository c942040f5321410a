package transfer

import (
	"context"
	"sync"
)

// Registry is the authoritative owner of in-flight transfer state. All chunk
// buffers live here; other components only reach them through these
// operations.
type Registry struct {
	mu        sync.Mutex
	transfers map[string]*Transfer
}

func NewRegistry() *Registry {
	return &Registry{transfers: make(map[string]*Transfer)}
}

// StartOptions describes a new transfer. File may carry the full content for
// outgoing transfers whose bytes are already known locally; those never buffer
// chunks.
type StartOptions struct {
	PeerID    string
	Direction Direction
	FileName  string
	FileSize  int64
	MimeType  string
	File      *File
}

// Start creates a transfer record under the given id. Starting an id that
// already exists returns the existing record unchanged.
func (r *Registry) Start(id string, opts StartOptions) *Transfer {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.transfers[id]; ok {
		return existing
	}

	t := &Transfer{
		ID:        id,
		PeerID:    opts.PeerID,
		Direction: opts.Direction,
		Meta: Meta{
			FileName: opts.FileName,
			FileSize: opts.FileSize,
			MimeType: opts.MimeType,
		},
		file: opts.File,
	}
	if opts.File != nil {
		if t.Meta.FileName == "" {
			t.Meta.FileName = opts.File.Name
		}
		if t.Meta.FileSize == 0 {
			t.Meta.FileSize = opts.File.Size
		}
		if t.Meta.MimeType == "" {
			t.Meta.MimeType = opts.File.MimeType
		}
	}
	if opts.Direction == Outgoing {
		t.ctx, t.cancel = context.WithCancel(context.Background())
	}

	r.transfers[id] = t
	return t
}

// AppendChunk adds a chunk to an existing transfer's buffer and returns the
// accumulated byte count. Unknown ids are ignored: a late chunk for a
// cancelled or never-started transfer is not an error.
func (r *Registry) AppendChunk(id string, chunk []byte) (received int64, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, exists := r.transfers[id]
	if !exists {
		return 0, false
	}

	t.chunks = append(t.chunks, chunk)
	t.received += int64(len(chunk))
	return t.received, true
}

// Get returns the transfer for id, or nil.
func (r *Registry) Get(id string) *Transfer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transfers[id]
}

// Received returns the accumulated byte count for id.
func (r *Registry) Received(id string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.transfers[id]; ok {
		return t.received
	}
	return 0
}

// Complete reports whether the transfer has accumulated at least its declared
// file size. A declared size of zero means the metadata alone completes it.
func (r *Registry) Complete(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.transfers[id]
	return ok && t.received >= t.Meta.FileSize
}

// Finalize assembles the transfer into a single file, removes the record, and
// returns the file. If the transfer already holds a materialized file that is
// returned as-is. Returns nil when the id is unknown or metadata was never
// established.
func (r *Registry) Finalize(id string) *File {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.transfers[id]
	if !ok {
		return nil
	}

	if t.file != nil {
		delete(r.transfers, id)
		return t.file
	}
	if t.Meta.FileName == "" && t.Meta.FileSize == 0 {
		return nil
	}

	f := materialize(t)
	delete(r.transfers, id)
	return f
}

// Peek returns a file-like view of the transfer without removing it. Outgoing
// transfers yield their stored file or a metadata-only descriptor; incoming
// transfers yield the bytes accumulated so far.
func (r *Registry) Peek(id string) *File {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.transfers[id]
	if !ok {
		return nil
	}
	if t.file != nil {
		return t.file
	}
	if t.Direction == Outgoing {
		return &File{Name: t.Meta.FileName, Size: t.Meta.FileSize, MimeType: t.Meta.MimeType}
	}
	if len(t.chunks) == 0 {
		return nil
	}
	return materialize(t)
}

// Cancel signals the abort context (outgoing transfers) and deletes the
// record immediately. Safe for unknown ids.
func (r *Registry) Cancel(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.transfers[id]
	if !ok {
		return
	}
	if t.cancel != nil {
		t.cancel()
	}
	delete(r.transfers, id)
}

// Len returns the number of tracked transfers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.transfers)
}

// materialize concatenates accumulated chunks under the caller's lock.
func materialize(t *Transfer) *File {
	data := make([]byte, 0, t.received)
	for _, c := range t.chunks {
		data = append(data, c...)
	}
	return &File{
		Name:     t.Meta.FileName,
		Size:     int64(len(data)),
		MimeType: t.Meta.MimeType,
		Data:     data,
	}
}

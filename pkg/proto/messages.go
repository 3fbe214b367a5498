// Package proto defines the chunkvault wire protocol: the packet envelope,
// the static packet table and the typed payloads carried in it.
package proto

// UploadRequest is sent by a client that wants to upload a file.
type UploadRequest struct {
	Name      string `json:"name"`
	Path      string `json:"path"`
	Size      int64  `json:"size"`
	IsPublic  bool   `json:"is_public,omitempty"`
	Overwrite bool   `json:"overwrite,omitempty"`
}

// ServiceRequest asks for a number of upload workers booked to the client.
type ServiceRequest struct {
	Amount int `json:"amount"`
}

// UploadCancel aborts an upload. The server sends it to the worker with a reason.
type UploadCancel struct {
	UploadID string `json:"upload_id"`
	Reason   string `json:"reason,omitempty"`
}

// ClientUploadCancel is the client side of UploadCancel.
type ClientUploadCancel struct {
	UploadID string `json:"upload_id"`
}

// UploadResponse answers an UploadRequest.
type UploadResponse struct {
	Accepted  bool   `json:"accepted"`
	Reason    string `json:"reason,omitempty"`
	UploadID  string `json:"upload_id,omitempty"`
	ChunkSize int64  `json:"chunk_size,omitempty"`
	Address   string `json:"address,omitempty"`
	NewName   string `json:"new_name,omitempty"`
}

// ServiceResponse reports how many workers were granted.
type ServiceResponse struct {
	Amount int `json:"amount"`
}

// ServiceChange notifies a client that its booking grew or shrank by one.
type ServiceChange struct {
	Change int `json:"change"`
	Amount int `json:"amount"`
}

// UploadFinished is the terminal notice for an upload.
type UploadFinished struct {
	UploadID string `json:"upload_id"`
	Success  bool   `json:"success"`
	Reason   string `json:"reason,omitempty"`
	FileID   string `json:"file_id,omitempty"`
}

// UploadStart hands an accepted upload to a worker.
type UploadStart struct {
	UploadID  string `json:"upload_id"`
	Name      string `json:"name"`
	Path      string `json:"path"`
	Size      int64  `json:"size"`
	ChunkSize int64  `json:"chunk_size"`
	Channel   string `json:"channel,omitempty"`
}

// UploadStartResponse is the worker's accept or reject of an UploadStart.
type UploadStartResponse struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// UploadFinish reports a completed transfer. Chunks are blob message ids in order.
type UploadFinish struct {
	UploadID  string   `json:"upload_id"`
	Hash      string   `json:"hash,omitempty"`
	Type      string   `json:"type,omitempty"`
	Channel   string   `json:"channel,omitempty"`
	Chunks    []string `json:"chunks"`
	Encrypted bool     `json:"encrypted"`
	KeySalt   string   `json:"key_salt,omitempty"`
}

// UploadFailed reports a transfer the worker gave up on.
type UploadFailed struct {
	UploadID string `json:"upload_id"`
	Reason   string `json:"reason,omitempty"`
}

// ThumbnailRequest asks a thumbnail worker to render a preview of a stored file.
type ThumbnailRequest struct {
	FileID    string   `json:"file_id"`
	Type      string   `json:"type"`
	Channel   string   `json:"channel"`
	Chunks    []string `json:"chunks"`
	Size      int64    `json:"size"`
	ChunkSize int64    `json:"chunk_size"`
	Encrypted bool     `json:"encrypted"`
	KeySalt   string   `json:"key_salt,omitempty"`
}

// ThumbnailResult reports the outcome of a ThumbnailRequest.
type ThumbnailResult struct {
	FileID  string `json:"file_id"`
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
}

// Empty is the payload of ping and pong.
type Empty struct{}

// ErrorResponse represents an API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

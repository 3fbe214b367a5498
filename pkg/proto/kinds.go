package proto

import (
	"regexp"

	"github.com/chunkvault/chunkvault/internal/schema"
)

// Direction tags which side of which connection a packet travels on.
type Direction string

const (
	ClientToServer    Direction = "c2s"
	ServerToClient    Direction = "s2c"
	ServerToUpload    Direction = "s2u"
	UploadToServer    Direction = "u2s"
	ServerToThumbnail Direction = "s2t"
	ThumbnailToServer Direction = "t2s"
	// Generic packets are accepted on every connection.
	Generic Direction = "generic"
)

// Kind is one entry of the static packet table.
type Kind struct {
	Direction Direction
	Name      string
	Schema    schema.Schema
}

// WireID returns the namespaced id carried in the envelope, e.g. "c2s:upload-request".
func (k Kind) WireID() string {
	return string(k.Direction) + ":" + k.Name
}

var (
	uuidPattern = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)
	pathPattern = regexp.MustCompile(`^/`)
	hashPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)
)

// shared field shapes
var (
	uploadIDField = schema.Field{Kind: schema.String, Required: true, Pattern: uuidPattern}
	nameField     = schema.Field{Kind: schema.String, Required: true, MinLength: 1, MaxLength: 255}
	pathField     = schema.Field{Kind: schema.String, Required: true, Pattern: pathPattern, MaxLength: 4096}
	sizeField     = schema.Field{Kind: schema.Number, Required: true, Min: schema.Float(0)}
	chunkField    = schema.Field{Kind: schema.Number, Required: true, Min: schema.Float(1)}
	reasonField   = schema.Field{Kind: schema.String, MaxLength: 1024}
	amountField   = schema.Field{Kind: schema.Number, Required: true, Min: schema.Float(0), Max: schema.Float(1024)}
	channelField  = schema.Field{Kind: schema.String, MaxLength: 64}
	chunksField   = schema.Field{Kind: schema.Array, Required: true, Items: schema.String}
	encField      = schema.Field{Kind: schema.Boolean, Required: true}
	saltField     = schema.Field{Kind: schema.String, MaxLength: 128}
)

// Client to server.
var (
	KindUploadRequest = Kind{ClientToServer, "upload-request", schema.Schema{
		"name":      nameField,
		"path":      pathField,
		"size":      sizeField,
		"is_public": {Kind: schema.Boolean},
		"overwrite": {Kind: schema.Boolean},
	}}
	KindServiceRequest = Kind{ClientToServer, "service-request", schema.Schema{
		"amount": amountField,
	}}
	KindClientUploadCancel = Kind{ClientToServer, "upload-cancel", schema.Schema{
		"upload_id": uploadIDField,
	}}
)

// Server to client.
var (
	KindUploadResponse = Kind{ServerToClient, "upload-response", schema.Schema{
		"accepted":   {Kind: schema.Boolean, Required: true},
		"reason":     reasonField,
		"upload_id":  {Kind: schema.String, Pattern: uuidPattern},
		"chunk_size": {Kind: schema.Number, Min: schema.Float(1)},
		"address":    {Kind: schema.String, MaxLength: 2048},
		"new_name":   {Kind: schema.String, MinLength: 1, MaxLength: 255},
	}}
	KindServiceResponse = Kind{ServerToClient, "service-response", schema.Schema{
		"amount": amountField,
	}}
	KindServiceChange = Kind{ServerToClient, "service-change", schema.Schema{
		"change": {Kind: schema.Number, Required: true, NumberOptions: []float64{1, -1}},
		"amount": amountField,
	}}
	KindUploadFinished = Kind{ServerToClient, "upload-finished", schema.Schema{
		"upload_id": uploadIDField,
		"success":   {Kind: schema.Boolean, Required: true},
		"reason":    reasonField,
		"file_id":   {Kind: schema.String, MaxLength: 64},
	}}
)

// Server to upload worker, and back.
var (
	KindUploadStart = Kind{ServerToUpload, "upload-start", schema.Schema{
		"upload_id":  uploadIDField,
		"name":       nameField,
		"path":       pathField,
		"size":       sizeField,
		"chunk_size": chunkField,
		"channel":    channelField,
	}}
	KindWorkerUploadCancel = Kind{ServerToUpload, "upload-cancel", schema.Schema{
		"upload_id": uploadIDField,
		"reason":    reasonField,
	}}
	KindUploadStartResponse = Kind{UploadToServer, "upload-start-response", schema.Schema{
		"accepted": {Kind: schema.Boolean, Required: true},
		"reason":   reasonField,
	}}
	KindUploadFinish = Kind{UploadToServer, "upload-finish", schema.Schema{
		"upload_id": uploadIDField,
		// presence of hash, type and channel is checked by the orchestrator so
		// a bad finish fails the upload instead of being dropped
		"hash":      {Kind: schema.String, AllowNull: true, Pattern: hashPattern},
		"type":      {Kind: schema.String, AllowNull: true, MaxLength: 255},
		"channel":   {Kind: schema.String, AllowNull: true, MaxLength: 64},
		"chunks":    chunksField,
		"encrypted": encField,
		"key_salt":  saltField,
	}}
	KindUploadFailed = Kind{UploadToServer, "upload-failed", schema.Schema{
		"upload_id": uploadIDField,
		"reason":    reasonField,
	}}
)

// Server to thumbnail worker, and back.
var (
	KindThumbnailRequest = Kind{ServerToThumbnail, "thumbnail-request", schema.Schema{
		"file_id":    {Kind: schema.String, Required: true, MinLength: 1, MaxLength: 64},
		"type":       {Kind: schema.String, Required: true, MaxLength: 255},
		"channel":    {Kind: schema.String, Required: true, MaxLength: 64},
		"chunks":     chunksField,
		"size":       sizeField,
		"chunk_size": chunkField,
		"encrypted":  encField,
		"key_salt":   saltField,
	}}
	KindThumbnailResult = Kind{ThumbnailToServer, "thumbnail-result", schema.Schema{
		"file_id": {Kind: schema.String, Required: true, MinLength: 1, MaxLength: 64},
		"success": {Kind: schema.Boolean, Required: true},
		"reason":  reasonField,
	}}
)

// Generic.
var (
	KindPing = Kind{Generic, "ping", schema.Schema{}}
	KindPong = Kind{Generic, "pong", schema.Schema{}}
)

// kinds is the complete packet table. Parse consults nothing else.
var kinds = func() map[string]Kind {
	all := []Kind{
		KindUploadRequest, KindServiceRequest, KindClientUploadCancel,
		KindUploadResponse, KindServiceResponse, KindServiceChange, KindUploadFinished,
		KindUploadStart, KindWorkerUploadCancel,
		KindUploadStartResponse, KindUploadFinish, KindUploadFailed,
		KindThumbnailRequest, KindThumbnailResult,
		KindPing, KindPong,
	}
	m := make(map[string]Kind, len(all))
	for _, k := range all {
		m[k.WireID()] = k
	}
	return m
}()

// Lookup returns the kind registered under a wire id.
func Lookup(wireID string) (Kind, bool) {
	k, ok := kinds[wireID]
	return k, ok
}

package storage

import "avatarpipe/internal/ports"

// Provider is the storage contract used by the uploader and health checks.
// It is an alias to ports.StorageProvider to keep call-sites simple.
type Provider = ports.StorageProvider

type PutObjectInput = ports.PutObjectInput

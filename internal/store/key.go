package store

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrInvalidKey is returned for keys that do not follow the store layout.
var ErrInvalidKey = errors.New("invalid store key")

// PartitionRef identifies a partition of one tenant.
type PartitionRef struct {
	Tenant string
	ID     uint64
}

func (r PartitionRef) String() string {
	return fmt.Sprintf("%s/%d", r.Tenant, r.ID)
}

// EncodeKey builds the storage key for a document.
func EncodeKey(tenant string, pid uint64, docID string) ([]byte, error) {
	if tenant == "" || bytes.IndexByte([]byte(tenant), 0) >= 0 {
		return nil, fmt.Errorf("%w: tenant %q", ErrInvalidKey, tenant)
	}
	if docID == "" {
		return nil, fmt.Errorf("%w: empty document id", ErrInvalidKey)
	}
	key := PartitionPrefix(tenant, pid)
	return append(key, docID...), nil
}

// PartitionPrefix returns the key prefix shared by every document of a partition.
func PartitionPrefix(tenant string, pid uint64) []byte {
	key := make([]byte, 0, len(tenant)+1+8+16)
	key = append(key, tenant...)
	key = append(key, 0)
	return binary.BigEndian.AppendUint64(key, pid)
}

// TenantPrefix returns the key prefix shared by every document of a tenant.
func TenantPrefix(tenant string) []byte {
	return append([]byte(tenant), 0)
}

// DecodeKey splits a storage key into its parts.
func DecodeKey(key []byte) (tenant string, pid uint64, docID string, err error) {
	i := bytes.IndexByte(key, 0)
	if i <= 0 || len(key) < i+1+8+1 {
		return "", 0, "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	tenant = string(key[:i])
	pid = binary.BigEndian.Uint64(key[i+1:])
	docID = string(key[i+1+8:])
	return tenant, pid, docID, nil
}

func refOf(key []byte) (PartitionRef, error) {
	tenant, pid, _, err := DecodeKey(key)
	if err != nil {
		return PartitionRef{}, err
	}
	return PartitionRef{Tenant: tenant, ID: pid}, nil
}

func encodeRef(r PartitionRef) []byte {
	return PartitionPrefix(r.Tenant, r.ID)
}

func decodeRef(b []byte) (PartitionRef, error) {
	i := bytes.IndexByte(b, 0)
	if i <= 0 || len(b) != i+1+8 {
		return PartitionRef{}, fmt.Errorf("%w: partition ref %q", ErrInvalidKey, b)
	}
	return PartitionRef{Tenant: string(b[:i]), ID: binary.BigEndian.Uint64(b[i+1:])}, nil
}

// Package model holds the records shared by the store, the sync engine and
// the control API.
package model

import (
	"fmt"
	"time"
)

type HostKind string

const (
	HostKindLocal  HostKind = "local"
	HostKindSSH    HostKind = "ssh"
	HostKindWebDAV HostKind = "webdav"
	HostKindS3     HostKind = "s3"
	HostKindMinIO  HostKind = "minio"
)

type HostStatus string

const (
	HostStatusUnknown     HostStatus = "unknown"
	HostStatusConnected   HostStatus = "connected"
	HostStatusUnreachable HostStatus = "unreachable"
)

// Host is a managed remote endpoint that sync jobs write to.
type Host struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Kind        HostKind          `json:"kind"`
	Address     string            `json:"address"`
	Port        int               `json:"port,omitempty"`
	Username    string            `json:"username,omitempty"`
	Password    string            `json:"password,omitempty"`
	SSHKey      string            `json:"sshKey,omitempty"`
	Status      HostStatus        `json:"status"`
	Description string            `json:"description,omitempty"`
	Options     map[string]string `json:"options,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

// Validate checks the fields required by the host kind. Exactly one
// credential is needed for ssh hosts; either a password or a key will do.
func (h *Host) Validate() error {
	if h.Name == "" {
		return fmt.Errorf("name is required")
	}
	switch h.Kind {
	case HostKindLocal:
		return nil
	case HostKindSSH:
		if h.Address == "" {
			return fmt.Errorf("address is required")
		}
		if h.Username == "" {
			return fmt.Errorf("username is required")
		}
		if h.Password == "" && h.SSHKey == "" {
			return fmt.Errorf("password or ssh key is required")
		}
	case HostKindWebDAV:
		if h.Address == "" {
			return fmt.Errorf("URL is required")
		}
	case HostKindS3, HostKindMinIO:
		if h.Username == "" || h.Password == "" {
			return fmt.Errorf("access key and secret key are required")
		}
		if h.Options["bucket"] == "" {
			return fmt.Errorf("bucket is required")
		}
		if h.Kind == HostKindMinIO && h.Address == "" {
			return fmt.Errorf("endpoint is required")
		}
	default:
		return fmt.Errorf("unsupported host kind: %q", h.Kind)
	}
	return nil
}

// Redacted returns a copy without credential material.
func (h Host) Redacted() Host {
	h.Password = ""
	h.SSHKey = ""
	return h
}

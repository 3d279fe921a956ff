package secretstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Backend is the durable secret system a Store is layered on.
//
// Implementations must be safe for concurrent use. Version numbers returned
// by AddVersion must increase strictly per name.
type Backend interface {
	// Name identifies the backend in logs and errors, e.g. "gcp.secretmanager".
	Name() string

	// CreateContainer creates an empty named secret. It returns
	// AlreadyExistsError when the container is already present.
	CreateContainer(ctx context.Context, name string, labels map[string]string) error

	// AddVersion appends value and returns the new version number.
	AddVersion(ctx context.Context, name string, value []byte) (int64, error)

	// GetLatestVersion returns the newest version, or NotFoundError.
	GetLatestVersion(ctx context.Context, name string) (Version, error)

	// GetVersion returns version n, or NotFoundError.
	GetVersion(ctx context.Context, name string, n int64) (Version, error)
}

// Version is one stored value as returned by a Backend.
type Version struct {
	Number    int64
	Value     []byte
	CreatedAt time.Time
	// Labels are the container labels, when the backend can return them
	// cheaply. May be nil.
	Labels map[string]string
}

// Label keys written by Put.
const (
	LabelTenant           = "tenant"
	LabelTier             = "tier"
	LabelRotationSchedule = "rotation_schedule"
	LabelManagedBy        = "managed_by"
)

// Metadata describes a stored credential.
type Metadata struct {
	CreatedAt        time.Time
	TenantID         string
	Tier             string
	RotationSchedule string
	Labels           map[string]string
}

// labels flattens the metadata into backend container labels.
func (m Metadata) labels() map[string]string {
	out := make(map[string]string, len(m.Labels)+3)
	for k, v := range m.Labels {
		out[k] = v
	}
	if m.TenantID != "" {
		out[LabelTenant] = m.TenantID
	}
	if m.Tier != "" {
		out[LabelTier] = m.Tier
	}
	if m.RotationSchedule != "" {
		out[LabelRotationSchedule] = m.RotationSchedule
	}
	return out
}

func metadataFromVersion(v Version) Metadata {
	m := Metadata{CreatedAt: v.CreatedAt}
	if len(v.Labels) == 0 {
		return m
	}
	m.Labels = make(map[string]string, len(v.Labels))
	for k, val := range v.Labels {
		switch k {
		case LabelTenant:
			m.TenantID = val
		case LabelTier:
			m.Tier = val
		case LabelRotationSchedule:
			m.RotationSchedule = val
		default:
			m.Labels[k] = val
		}
	}
	return m
}

// Record is a resolved credential. Callers must not keep Value beyond the
// request that asked for it.
type Record struct {
	Name     string
	Value    string
	Version  int64
	Metadata Metadata
}

// ErrNotFound matches every NotFoundError with errors.Is.
var ErrNotFound = errors.New("secret not found")

// NotFoundError is returned when a name, or a specific version of it, does
// not exist in the backend.
type NotFoundError struct {
	Backend string
	Name    string
	// Version is zero when the whole container is missing.
	Version int64
}

func (e NotFoundError) Error() string {
	if e.Version > 0 {
		return fmt.Sprintf("secret not found: %s version %d in %s", e.Name, e.Version, e.Backend)
	}
	return "secret not found: " + e.Name + " in " + e.Backend
}

func (e NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// AlreadyExistsError is returned by CreateContainer for existing names.
type AlreadyExistsError struct {
	Backend string
	Name    string
}

func (e AlreadyExistsError) Error() string {
	return "secret already exists: " + e.Name + " in " + e.Backend
}

// AuthError indicates that the backend rejected our credentials.
type AuthError struct {
	Backend string
	Message string
}

func (e AuthError) Error() string {
	return "authentication failed for " + e.Backend + ": " + e.Message
}

// ValidationError indicates an invalid request or configuration.
type ValidationError struct {
	Backend string
	Message string
}

func (e ValidationError) Error() string {
	if e.Backend == "" {
		return "validation failed: " + e.Message
	}
	return "validation failed for " + e.Backend + ": " + e.Message
}

// IsNotFound reports whether err is or wraps a NotFoundError.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAlreadyExists reports whether err is or wraps an AlreadyExistsError.
func IsAlreadyExists(err error) bool {
	var e AlreadyExistsError
	return errors.As(err, &e)
}

// Ref points at a secret from configuration:
//
//	store://<namespace>/<name>[?version=N]
//
// Version zero means latest.
type Ref struct {
	Namespace string
	Name      string
	Version   int64
}

// IsRef reports whether s looks like a store reference.
func IsRef(s string) bool {
	return strings.HasPrefix(s, "store://")
}

// ParseRef parses a store:// URI.
func ParseRef(uri string) (Ref, error) {
	if !IsRef(uri) {
		return Ref{}, ValidationError{Message: "reference must start with store://"}
	}

	u, err := url.Parse(uri)
	if err != nil {
		return Ref{}, ValidationError{Message: fmt.Sprintf("invalid reference %q: %v", uri, err)}
	}

	ref := Ref{
		Namespace: u.Host,
		Name:      strings.TrimPrefix(u.Path, "/"),
	}
	if ref.Namespace == "" {
		return Ref{}, ValidationError{Message: "reference is missing a namespace"}
	}
	if ref.Name == "" {
		return Ref{}, ValidationError{Message: "reference is missing a secret name"}
	}

	if v := u.Query().Get("version"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 {
			return Ref{}, ValidationError{Message: fmt.Sprintf("invalid version %q", v)}
		}
		ref.Version = n
	}

	return ref, nil
}

func (r Ref) String() string {
	s := "store://" + r.Namespace + "/" + r.Name
	if r.Version > 0 {
		s += "?version=" + strconv.FormatInt(r.Version, 10)
	}
	return s
}

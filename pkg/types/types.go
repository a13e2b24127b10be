package types

import (
	"time"
)

// Capability is a logical operation family served by a runtime container.
type Capability string

const (
	CapabilityPython     Capability = "python"
	CapabilityShell      Capability = "shell"
	CapabilityFilesystem Capability = "filesystem"
	CapabilityBrowser    Capability = "browser"
)

// Capabilities returns the set of known capabilities.
func Capabilities() []Capability {
	return []Capability{CapabilityPython, CapabilityShell, CapabilityFilesystem, CapabilityBrowser}
}

// RuntimeType identifies which sidecar protocol a container speaks.
type RuntimeType string

const (
	RuntimeTypeCode    RuntimeType = "code_runtime"
	RuntimeTypeBrowser RuntimeType = "browser_runtime"
)

// Resources defines resource limits for one container.
type Resources struct {
	CPU      float64 // cores (e.g. 0.5 = 50% of one core)
	MemoryMB int64
}

// ContainerSpec describes one container within a profile.
type ContainerSpec struct {
	Name         string
	Image        string
	Resources    Resources
	Env          []string
	RuntimePort  int
	RuntimeType  RuntimeType
	Capabilities []Capability
	// PrimaryFor lists capabilities this container claims when more than
	// one container in the profile advertises the same capability.
	PrimaryFor []Capability
}

// HasCapability reports whether the spec advertises cap.
func (c *ContainerSpec) HasCapability(cap Capability) bool {
	for _, have := range c.Capabilities {
		if have == cap {
			return true
		}
	}
	return false
}

// ClaimsPrimary reports whether the spec explicitly claims cap.
func (c *ContainerSpec) ClaimsPrimary(cap Capability) bool {
	for _, have := range c.PrimaryFor {
		if have == cap {
			return true
		}
	}
	return false
}

// Profile is an enumerated runtime specification: the ordered container
// group started for every session of a sandbox created against it.
type Profile struct {
	ID                 string
	Containers         []ContainerSpec
	IdleTimeoutSeconds int
	DefaultTTLSeconds  int
}

// IdleTimeout returns the idle window as a duration.
func (p *Profile) IdleTimeout() time.Duration {
	return time.Duration(p.IdleTimeoutSeconds) * time.Second
}

// ContainerFor resolves the container serving cap. An explicit PrimaryFor
// claim wins; otherwise the first container advertising cap wins.
func (p *Profile) ContainerFor(cap Capability) (*ContainerSpec, bool) {
	for i := range p.Containers {
		if p.Containers[i].ClaimsPrimary(cap) {
			return &p.Containers[i], true
		}
	}
	for i := range p.Containers {
		if p.Containers[i].HasCapability(cap) {
			return &p.Containers[i], true
		}
	}
	return nil, false
}

// Primary returns the first container in profile order. The session is
// failed, not degraded, when this container exits.
func (p *Profile) Primary() *ContainerSpec {
	if len(p.Containers) == 0 {
		return nil
	}
	return &p.Containers[0]
}

// DesiredState is the caller-requested state of a sandbox.
type DesiredState string

const (
	DesiredRunning DesiredState = "running"
	DesiredStopped DesiredState = "stopped"
	DesiredDeleted DesiredState = "deleted"
)

// Sandbox is the caller-visible, durable handle to a runtime environment.
type Sandbox struct {
	ID               string
	Owner            string
	ProfileID        string
	CargoID          string
	DesiredState     DesiredState
	TTLSeconds       *int64     // nil means infinite
	ExpiresAt        *time.Time // nil iff TTLSeconds is nil/zero
	IdleExpiresAt    *time.Time
	CurrentSessionID string // empty when no live session exists
	DeletedAt        *time.Time
	Version          uint64 // bumped on every mutating write (CAS)
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Tombstoned reports whether the sandbox has been deleted. Tombstones are
// invisible to public reads but retained briefly for audit and replay.
func (s *Sandbox) Tombstoned() bool {
	return s.DeletedAt != nil
}

// Expired reports whether the sandbox's TTL has elapsed at now.
func (s *Sandbox) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && !s.ExpiresAt.After(now)
}

// InfiniteTTL reports whether the sandbox never expires.
func (s *Sandbox) InfiniteTTL() bool {
	return s.TTLSeconds == nil || *s.TTLSeconds == 0
}

// SessionState represents the observed state of a session.
type SessionState string

const (
	SessionPending  SessionState = "pending"
	SessionStarting SessionState = "starting"
	SessionRunning  SessionState = "running"
	SessionDegraded SessionState = "degraded"
	SessionStopping SessionState = "stopping"
	SessionStopped  SessionState = "stopped"
	SessionFailed   SessionState = "failed"
)

// Active reports whether the state counts against the one-active-session
// invariant.
func (s SessionState) Active() bool {
	switch s {
	case SessionPending, SessionStarting, SessionRunning, SessionDegraded:
		return true
	}
	return false
}

// ContainerStatus is the driver-observed status of one container.
type ContainerStatus string

const (
	ContainerStatusCreated ContainerStatus = "created"
	ContainerStatusRunning ContainerStatus = "running"
	ContainerStatusExited  ContainerStatus = "exited"
	ContainerStatusFailed  ContainerStatus = "failed"
	ContainerStatusUnknown ContainerStatus = "unknown"
)

// SessionContainer is one member of a session's container group.
type SessionContainer struct {
	Name           string
	ContainerID    string
	Endpoint       string // host:port reachable by Bay; set only after readiness
	RuntimeType    RuntimeType
	Capabilities   []Capability
	ObservedStatus ContainerStatus
}

// Session is one generation of container group bound to a sandbox.
// Disposable and replaceable without destroying the sandbox or its cargo.
type Session struct {
	ID               string
	SandboxID        string
	RuntimeNetworkID string
	Containers       []SessionContainer
	ObservedState    SessionState
	DesiredState     SessionState
	LastObservedAt   time.Time
	LastActiveAt     time.Time
	CreatedAt        time.Time
	SkillsInjectedAt *time.Time
	// UnavailableCaps lists capabilities lost to a non-primary container
	// exit while the session is degraded.
	UnavailableCaps []Capability
}

// Container returns the session container with the given name.
func (s *Session) Container(name string) (*SessionContainer, bool) {
	for i := range s.Containers {
		if s.Containers[i].Name == name {
			return &s.Containers[i], true
		}
	}
	return nil, false
}

// CapabilityUnavailable reports whether cap was lost to a degraded exit.
func (s *Session) CapabilityUnavailable(cap Capability) bool {
	for _, c := range s.UnavailableCaps {
		if c == cap {
			return true
		}
	}
	return false
}

// Cargo is persistent volume metadata. Managed cargo is lifecycle-bound to
// one sandbox; external cargo outlives every sandbox referencing it.
type Cargo struct {
	ID                 string
	Owner              string
	DriverRef          string // opaque identifier in the container fabric
	Managed            bool
	ManagedBySandboxID string // non-empty iff Managed
	SizeLimitMB        int64
	CreatedAt          time.Time
	LastAccessedAt     time.Time
}

// IdempotencyRecord stores the outcome of a keyed mutating request so that
// retries replay the identical response.
type IdempotencyRecord struct {
	Key                string
	Owner              string
	RequestFingerprint string
	ResponseStatus     int
	ResponseBody       []byte
	CreatedAt          time.Time
	ExpiresAt          time.Time
}

// Fabric label keys. Every Bay-created container, volume, and network
// carries these; the orphan reaper depends on them.
const (
	LabelManaged   = "bay.managed"
	LabelOwner     = "bay.owner"
	LabelSandboxID = "bay.sandbox_id"
	LabelSessionID = "bay.session_id"
	LabelCargoID   = "bay.cargo_id"
	LabelProfileID = "bay.profile_id"
)

// WorkspaceMountPath is where cargo volumes are mounted inside every
// runtime container, and the root against which all caller paths resolve.
const WorkspaceMountPath = "/workspace"

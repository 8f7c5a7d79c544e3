package database

import "time"

// Lease statuses. The numeric values are a compatibility contract with the
// public API (setStatus/getStatus) and must not be renumbered.
const (
	LeaseAwaitingCode  int16 = 1
	LeaseCodeReceived  int16 = 2
	LeaseAwaitingRetry int16 = 3
	LeaseCompleted     int16 = 6
	LeaseCancelled     int16 = 8
)

// Provider connection roles.
const (
	ProviderRoleListener = "listener" // provider connects to us
	ProviderRoleDialer   = "dialer"   // we dial out and bind as client
)

// PhoneNumber is one rentable number. InUse is the single source of truth
// for "reserved": only the allocator's conditional update flips it on, only
// lease conclusion flips it off.
type PhoneNumber struct {
	ID         int64
	Number     string // normalized E.164
	ProviderID int32
	CountryID  int32
	Operator   *string
	Active     bool
	InUse      bool
	Rank       int32
}

// Lease binds one number to one service request until a code arrives or the
// caller concludes it.
type Lease struct {
	ID            int64
	Number        string // denormalized for fast inbound lookup
	ServiceID     int32
	PhoneNumberID int64
	APIKeyID      int32
	Status        int16
	CreatedAt     time.Time
}

// LeaseCandidate is a lease joined with its service, as needed by inbound
// dispatch.
type LeaseCandidate struct {
	Lease
	ServiceCode    string
	ServiceName    string
	AllowedSenders *string // comma-separated allow-list, "*" for any, nil for name-match
}

// InboundMessage is an SMS successfully attributed to a lease.
type InboundMessage struct {
	ID         int64
	LeaseID    int64
	SourceAddr string
	Text       string
	Code       *string
	ReceivedAt time.Time
}

// OrphanMessage is inbound traffic that matched no lease (or an unauthorized
// sender). Attribution columns are best-effort.
type OrphanMessage struct {
	ID         int64
	Number     string
	SourceAddr string
	Text       string
	ProviderID *int32
	CountryID  *int32
	Operator   *string
	ReceivedAt time.Time
}

// Provider is one upstream SMPP peer.
type Provider struct {
	ID         int32
	Name       string
	Role       string
	Host       string
	Port       int
	SystemID   string
	Password   string
	Active     bool
	DailyLimit *int32
}

// IPRule whitelists a CIDR for a provider.
type IPRule struct {
	ProviderID int32
	CIDR       string
}

// Service is a verification consumer ("tg", "wa", ...).
type Service struct {
	ID             int32
	Name           string
	Code           string
	DailyLimit     *int32
	AllowedSenders *string
}

// UsageLimit overrides the service/provider default cap for one
// (service, provider, country) combination.
type UsageLimit struct {
	ServiceID  int32
	ProviderID int32
	CountryID  int32
	DailyLimit int32
}

// APIKey authenticates a public API client.
type APIKey struct {
	ID          int32
	Key         string
	Description *string
	Active      bool
	CreatedAt   time.Time
}

// NewNumber is one row for bulk number import.
type NewNumber struct {
	Number     string
	ProviderID int32
	CountryID  int32
	Operator   *string
}

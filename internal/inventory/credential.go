package inventory

// Status tracks whether a credential is available for rental.
type Status string

const (
	// StatusFree marks a credential as available for checkout.
	StatusFree Status = "free"
	// StatusRented marks a credential as held by exactly one active lease.
	StatusRented Status = "rented"
)

// Credential is one leasable account. The secret is opaque to the lifecycle
// engine; only the rotator's domain ever changes it. GuardHandle points at
// whatever material the guard-code source needs to mint login codes.
type Credential struct {
	Login       string   `yaml:"login" json:"login"`
	Secret      string   `yaml:"secret" json:"secret"`
	GuardHandle string   `yaml:"guard_handle,omitempty" json:"guard_handle,omitempty"`
	Games       []string `yaml:"games,omitempty" json:"games,omitempty"`
	Status      Status   `yaml:"status" json:"status"`
}

func (c Credential) clone() Credential {
	out := c
	if len(c.Games) > 0 {
		out.Games = append([]string(nil), c.Games...)
	}
	return out
}

package rate

import "time"

// Window represents a provider rate-limit bucket.
type Window int

const (
	TenSeconds Window = iota
	Hour
)

func (w Window) String() string {
	switch w {
	case TenSeconds:
		return "10s"
	case Hour:
		return "hour"
	default:
		return "unknown"
	}
}

func (w Window) Duration() time.Duration {
	switch w {
	case TenSeconds:
		return 10 * time.Second
	case Hour:
		return time.Hour
	default:
		return time.Minute
	}
}

// Declaration defines a provider's request budget.
type Declaration struct {
	provider   string
	limits     map[Window]int
	retryAfter string
}

// Provider creates a new declaration for a provider. Server cooldowns are
// read from Retry-After.
func Provider(name string) Declaration {
	return Declaration{provider: name, retryAfter: "Retry-After"}
}

// Netatmo is the per-user budget documented for the weather API.
func Netatmo() Declaration {
	return Provider("netatmo").
		MaxRequestsPer(TenSeconds, 50).
		MaxRequestsPer(Hour, 500)
}

func (d Declaration) ProviderName() string {
	return d.provider
}

func (d Declaration) MaxRequestsPer(window Window, limit int) Declaration {
	limits := make(map[Window]int, len(d.limits)+1)
	for w, l := range d.limits {
		limits[w] = l
	}
	limits[window] = limit
	d.limits = limits
	return d
}

func (d Declaration) Limits() map[Window]int {
	return d.limits
}

func (d Declaration) HasLimits() bool {
	return len(d.limits) > 0
}

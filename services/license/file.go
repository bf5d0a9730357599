package license

import (
	"encoding/json"
	"sort"
	"time"
)

// SchemaVersion of the signed payload and of the license file document.
const SchemaVersion = "1.0"

// Payload is the content covered by a license signature.
type Payload struct {
	LicenseKey    string     `json:"license_key"`
	Tier          Tier       `json:"tier"`
	CustomerEmail string     `json:"customer_email"`
	IssuedAt      time.Time  `json:"issued_at"`
	ExpiresAt     *time.Time `json:"expires_at"`
	Features      []string   `json:"features"`
	MaxInstances  *int       `json:"max_instances,omitempty"`
	InstanceID    *string    `json:"instance_id,omitempty"`
}

// Expiry returns the tagged expiry carried by the payload.
func (p Payload) Expiry() Expiry {
	return ExpiryFromPtr(p.ExpiresAt)
}

// normalized returns a copy with UTC second precision times and a sorted,
// de-duplicated feature set so equal licenses always produce equal bytes.
func (p Payload) normalized() Payload {
	out := p
	out.IssuedAt = p.IssuedAt.UTC().Truncate(time.Second)
	if p.ExpiresAt != nil {
		t := p.ExpiresAt.UTC().Truncate(time.Second)
		out.ExpiresAt = &t
	}

	seen := make(map[string]struct{}, len(p.Features))
	features := make([]string, 0, len(p.Features))
	for _, f := range p.Features {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		features = append(features, f)
	}
	sort.Strings(features)
	out.Features = features
	return out
}

// File is the license document handed to customers.
type File struct {
	Version string `json:"version"`
	Payload
	Signature string `json:"signature"`
}

func (f *File) Marshal() ([]byte, error) {
	return json.Marshal(f)
}

func ParseFile(doc []byte) (*File, error) {
	var f File
	if err := json.Unmarshal(doc, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

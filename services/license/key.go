package license

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"smallbiznis-licensing/pkg/util"
)

const (
	keyRandomBytes = 16
	checksumLength = 8
)

var keyPattern = regexp.MustCompile(`^([A-Z0-9]+)-([A-Z]{3})-([A-F0-9]{32})-([A-F0-9]{8})$`)

// GenerateKey builds PREFIX-{TIER}-{32 HEX}-{8 HEX}. The last group is a checksum
// binding the random part to the tier and the customer email.
func GenerateKey(prefix string, tier Tier, email string) (string, error) {
	code, ok := tier.Code()
	if !ok {
		return "", fmt.Errorf("unknown tier %q", tier)
	}

	random, err := util.RandomHex(keyRandomBytes)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("%s-%s-%s-%s", prefix, code, random, keyChecksum(code, random, email)), nil
}

func keyChecksum(tierCode, random, email string) string {
	sum := sha256.Sum256([]byte(tierCode + ":" + random + ":" + strings.ToLower(strings.TrimSpace(email))))
	return strings.ToUpper(hex.EncodeToString(sum[:]))[:checksumLength]
}

type ParsedKey struct {
	Prefix   string
	Tier     Tier
	Random   string
	Checksum string
}

func ParseKey(key string) (*ParsedKey, bool) {
	m := keyPattern.FindStringSubmatch(key)
	if m == nil {
		return nil, false
	}

	tier, ok := TierFromCode(m[2])
	if !ok {
		return nil, false
	}

	return &ParsedKey{Prefix: m[1], Tier: tier, Random: m[3], Checksum: m[4]}, true
}

// VerifyKeyChecksum reports whether key is well formed and was generated for email.
func VerifyKeyChecksum(key, email string) bool {
	p, ok := ParseKey(key)
	if !ok {
		return false
	}
	code, _ := p.Tier.Code()
	return keyChecksum(code, p.Random, email) == p.Checksum
}

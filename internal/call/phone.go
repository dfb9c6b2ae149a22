package call

import (
	"fmt"
	"strings"
)

// FormatE164 normalizes a phone number to E.164, which the telephony
// provider requires. Ten-digit numbers are assumed to be US/Canada.
func FormatE164(phone string) (string, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return "", fmt.Errorf("empty phone number")
	}

	hadPlus := strings.HasPrefix(phone, "+")
	var digits strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	d := digits.String()

	switch {
	case hadPlus && len(d) >= 10:
		return "+" + d, nil
	case len(d) == 10:
		return "+1" + d, nil
	case len(d) > 10:
		return "+" + d, nil
	default:
		return "", fmt.Errorf("phone number %q too short", phone)
	}
}

package patient

import (
	"fmt"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// NormalizePhone returns raw in E.164 form, or nil when raw is blank.
// Numbers without a country prefix are read in region.
func NormalizePhone(raw, region string) (*string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	num, err := phonenumbers.Parse(raw, strings.ToUpper(region))
	if err != nil {
		return nil, fmt.Errorf("%w: phone %q: %v", ErrInvalid, raw, err)
	}
	if !phonenumbers.IsValidNumber(num) {
		return nil, fmt.Errorf("%w: phone %q is not a valid number", ErrInvalid, raw)
	}
	e164 := phonenumbers.Format(num, phonenumbers.E164)
	return &e164, nil
}

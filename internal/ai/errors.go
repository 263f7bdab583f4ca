package ai

import (
	"errors"
	"strings"
)

// ErrBillingRequired marks upstream refusals caused by missing payment setup.
var ErrBillingRequired = errors.New("ai: upstream requires billing setup")

var billingMarkers = []string{
	"requires a valid credit card",
	"credit card",
	"billing",
	"insufficient credits",
	"payment required",
}

// IsBillingError reports whether err is an upstream billing refusal, either
// tagged by an adapter or recognised by its message.
func IsBillingError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrBillingRequired) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, m := range billingMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

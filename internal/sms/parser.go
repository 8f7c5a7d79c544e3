package sms

import (
	"regexp"
	"strings"
)

// Code extraction is best-effort. The patterns are ordered from most to
// least specific; the first hit wins.
var (
	// "123 456" or "123-456" style split codes.
	splitPairRe = regexp.MustCompile(`\b(\d{3,4})[\s-]+(\d{3,4})\b`)

	// Trigger words in English and Russian immediately before or after the
	// digits.
	triggerRes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(?:code|код|пароль|code is|is your code|code:|кода:|кодом:)\s*(\d{4,8})`),
		regexp.MustCompile(`(?i)(\d{4,8})\s*(?:is your|ваш|твой)\s*(?:code|код|пароль)`),
	}

	// Any standalone digit run of plausible length.
	standaloneRe = regexp.MustCompile(`\b(\d{4,8})\b`)
	digitsRunRe  = regexp.MustCompile(`\d{4,8}`)
	nonDigitRe   = regexp.MustCompile(`\D+`)
)

// ParseCode extracts a verification code from free-form SMS text. Returns
// "" when nothing plausible is found.
func ParseCode(text string) string {
	if text == "" {
		return ""
	}

	if m := splitPairRe.FindStringSubmatch(text); m != nil {
		return m[1] + m[2]
	}

	for _, re := range triggerRes {
		if m := re.FindStringSubmatch(text); m != nil {
			return m[1]
		}
	}

	if m := standaloneRe.FindStringSubmatch(text); m != nil {
		return m[1]
	}

	// Last resort: strip everything non-numeric and look again.
	only := nonDigitRe.ReplaceAllString(text, "")
	if m := digitsRunRe.FindString(only); m != "" {
		return m
	}
	return ""
}

// senderAllowed checks an inbound sender against a service's policy: "*"
// admits anyone, a comma-separated list admits exact (case-insensitive)
// entries, and with no list at all the sender must equal the service name.
func senderAllowed(sender string, allowedSenders *string, serviceName string) bool {
	if allowedSenders == nil || strings.TrimSpace(*allowedSenders) == "" {
		return strings.EqualFold(strings.TrimSpace(sender), strings.TrimSpace(serviceName))
	}
	list := strings.TrimSpace(*allowedSenders)
	if list == "*" {
		return true
	}
	for _, entry := range strings.Split(list, ",") {
		if strings.EqualFold(strings.TrimSpace(entry), strings.TrimSpace(sender)) {
			return true
		}
	}
	return false
}

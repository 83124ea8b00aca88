/**
 * @description
 * This package normalizes subscriber phone numbers into the canonical MSISDN
 * format used throughout the service (international format without a leading
 * plus, e.g. 254712345678). USSD gateways and payment providers are not
 * consistent about the format they send, so every inbound phone number passes
 * through Normalize before it is used as a session key or billing target.
 */
package msisdn

import "strings"

const defaultCountryPrefix = "254"

// Normalize converts numbers like "+254712345678" or "0712345678" to
// "254712345678". Input that does not match a known local pattern is returned
// trimmed but otherwise unchanged.
func Normalize(phone string) string {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return phone
	}
	phone = strings.TrimPrefix(phone, "+")
	if strings.HasPrefix(phone, "0") && len(phone) == 10 {
		return defaultCountryPrefix + phone[1:]
	}
	return phone
}

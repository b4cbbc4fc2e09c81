// Package addr implements the SMTP-address-parser external collaborator
// named in spec.md §1: parsing and IDNA-normalizing the envelope addresses
// carried by MAIL and RCPT frames.
package addr

import (
	"strings"

	"golang.org/x/net/idna"
)

// Profile is the [*idna.Profile] used to derive the ASCII representation of
// a domain. Defaults to idna.Lookup; override for a looser/stricter profile.
var Profile = idna.Lookup

// Address is a parsed envelope address (MAIL FROM or RCPT TO value), already
// stripped of surrounding angle brackets.
type Address struct {
	raw    string
	local  string
	domain string
}

// Parse strips surrounding <> and splits on the last '@'. It never fails:
// addresses without an '@' (postmaster-style or malformed) are kept whole as
// the local part, matching the tolerant parsing the milter protocol needs
// since the MTA - not this layer - is the SMTP authority.
func Parse(raw string) *Address {
	trimmed := removeAngle(strings.TrimSpace(raw))
	at := strings.LastIndex(trimmed, "@")
	if at < 0 {
		return &Address{raw: trimmed, local: trimmed}
	}
	return &Address{raw: trimmed, local: trimmed[:at], domain: trimmed[at+1:]}
}

func removeAngle(s string) string {
	if len(s) > 1 && s[0] == '<' && s[len(s)-1] == '>' {
		return s[1 : len(s)-1]
	}
	return s
}

// Local returns the address's local part (before '@').
func (a *Address) Local() string { return a.local }

// Domain returns the address's raw domain part (after '@'), unnormalized.
func (a *Address) Domain() string { return a.domain }

// AsciiDomain returns the IDNA ASCII ("punycode") form of Domain. If Domain
// is not valid IDNA (or empty), the original Domain is returned unchanged.
func (a *Address) AsciiDomain() string {
	if a.domain == "" {
		return ""
	}
	ascii, err := Profile.ToASCII(a.domain)
	if err != nil {
		return a.domain
	}
	return ascii
}

// String returns the normalized "local@ascii-domain" form, or just Local if
// there was no domain part.
func (a *Address) String() string {
	if a.domain == "" {
		return a.local
	}
	return a.local + "@" + a.AsciiDomain()
}

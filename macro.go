package milter

import (
	"strings"
	"sync"
)

// MacroName is the wire name of a milter macro, e.g. "i" or "{daemon_name}".
type MacroName = string

// Macros with good cross-MTA support (sendmail, Postfix).
const (
	MacroMTAFullyQualifiedDomainName MacroName = "j"
	MacroDaemonName                  MacroName = "{daemon_name}"
	MacroIfName                      MacroName = "{if_name}"
	MacroIfAddr                      MacroName = "{if_addr}"
	MacroTlsVersion                  MacroName = "{tls_version}"
	MacroCipher                      MacroName = "{cipher}"
	MacroCipherBits                  MacroName = "{cipher_bits}"
	MacroCertSubject                 MacroName = "{cert_subject}"
	MacroCertIssuer                  MacroName = "{cert_issuer}"
	MacroQueueId                     MacroName = "i"
	MacroAuthType                    MacroName = "{auth_type}"
	MacroAuthAuthen                  MacroName = "{auth_authen}"
	MacroAuthSsf                     MacroName = "{auth_ssf}"
	MacroAuthAuthor                  MacroName = "{auth_author}"
	MacroMailMailer                  MacroName = "{mail_mailer}"
	MacroMailHost                    MacroName = "{mail_host}"
	MacroMailAddr                    MacroName = "{mail_addr}"
	MacroRcptMailer                  MacroName = "{rcpt_mailer}"
	MacroRcptHost                    MacroName = "{rcpt_host}"
	MacroRcptAddr                    MacroName = "{rcpt_addr}"
	MacroClientName                  MacroName = "{client_name}"
	MacroMTAVersion                  MacroName = "v"
)

// Macros sendmail-only, no good cross-MTA support.
const (
	MacroRFC1413AuthInfo    MacroName = "_"
	MacroHopCount           MacroName = "c"
	MacroSenderHostName     MacroName = "s"
	MacroProtocolUsed       MacroName = "r"
	MacroMTAPid             MacroName = "p"
	MacroDateRFC822Origin   MacroName = "a"
	MacroDateRFC822Current  MacroName = "b"
	MacroDateANSICCurrent   MacroName = "d"
	MacroDateSecondsCurrent MacroName = "t"
)

// Macros is the read interface a session's macro map satisfies.
type Macros interface {
	Get(name MacroName) string
	GetEx(name MacroName) (value string, ok bool)
}

// MacroMap is a case-insensitive {macro-name -> macro-value} map, as required
// by the session data model: keys compare case-insensitively, but the
// original case of a stored value is preserved. Safe for concurrent use.
type MacroMap struct {
	mu     sync.RWMutex
	values map[string]string // lower(name) -> value
	names  map[string]string // lower(name) -> original-case name
}

func NewMacroMap() *MacroMap {
	return &MacroMap{
		values: make(map[string]string),
		names:  make(map[string]string),
	}
}

func (m *MacroMap) key(name MacroName) string {
	return strings.ToLower(name)
}

// Set stores name/value, overwriting any previous value for name regardless
// of case.
func (m *MacroMap) Set(name MacroName, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := m.key(name)
	m.values[k] = value
	m.names[k] = name
}

func (m *MacroMap) Get(name MacroName) string {
	v, _ := m.GetEx(name)
	return v
}

func (m *MacroMap) GetEx(name MacroName) (value string, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok = m.values[m.key(name)]
	return
}

// Reset clears all stored macros (QUIT_NC, destruction).
func (m *MacroMap) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values = make(map[string]string)
	m.names = make(map[string]string)
}

var _ Macros = &MacroMap{}

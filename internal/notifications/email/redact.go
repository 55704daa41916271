package email

import (
	"strings"
	"unicode/utf8"
)

// RedactEmail masks an address for logging: the first character of the
// local part is kept and the rest replaced, so "boombeheer@gemeente.nl"
// becomes "b***@gemeente.nl". The domain is split at the last "@". A value
// without "@" is masked entirely.
func RedactEmail(addr string) string {
	if addr == "" {
		return ""
	}

	at := strings.LastIndexByte(addr, '@')
	if at < 0 {
		return "***"
	}

	local, domain := addr[:at], addr[at+1:]
	first, size := utf8.DecodeRuneInString(local)
	if size == 0 {
		return "***@" + domain
	}
	return string(first) + "***@" + domain
}

package superadmin

import (
	"log"
	"strings"
)

// consoleEvent mirrors the server's security-event log line so both
// processes feed the same log pipeline. Every console mutation emits one.
func consoleEvent(event string, kv ...string) {
	var b strings.Builder
	b.WriteString("security event=")
	b.WriteString(event)
	for i := 0; i+1 < len(kv); i += 2 {
		b.WriteByte(' ')
		b.WriteString(kv[i])
		b.WriteByte('=')
		b.WriteString(kv[i+1])
	}
	log.Print(b.String())
}

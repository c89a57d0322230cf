package server

import (
	"log"
	"strings"
)

// securityEvent writes isolation and abuse signals to the process log with a
// stable prefix so the log pipeline can route them to a separate sink.
// Ordinary request failures never go through here.
func securityEvent(event string, kv ...string) {
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

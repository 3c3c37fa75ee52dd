package secret

import (
	"bytes"
	"log"
	"strings"
	"testing"
)

func TestRedact(t *testing.T) {
	Register("s3cr3t-key")
	got := Redact("pckey=s3cr3t-key hn=pc01")
	want := "pckey=*** hn=pc01"
	if got != want {
		t.Errorf("Redact() = %q, want %q", got, want)
	}
}

func TestRedactIgnoresEmpty(t *testing.T) {
	Register("")
	if got := Redact("hn=pc01"); got != "hn=pc01" {
		t.Errorf("Redact() = %q, want unchanged", got)
	}
}

func TestLogfRedactsBeforeEmitting(t *testing.T) {
	Register("topsecretpckey")
	var buf bytes.Buffer
	orig := log.Writer()
	log.SetOutput(&buf)
	defer log.SetOutput(orig)
	flags := log.Flags()
	log.SetFlags(0)
	defer log.SetFlags(flags)

	Logf("[Test] pckey=%s hn=%s", "topsecretpckey", "pc01")

	got := buf.String()
	if strings.Contains(got, "topsecretpckey") {
		t.Errorf("Logf leaked the registered secret: %q", got)
	}
	if !strings.Contains(got, "pckey=*** hn=pc01") {
		t.Errorf("Logf output = %q, want redacted pckey", got)
	}
}

package sanitize

import (
	"bytes"
	"fmt"
	"os/exec"
	"strings"
)

// Groomer is the attachment-defanging engine: raw RFC 5322 bytes in,
// sanitized RFC 5322 bytes out.
type Groomer interface {
	Groom(raw []byte) ([]byte, error)
}

// GroomerFunc adapts a function to the Groomer interface.
type GroomerFunc func(raw []byte) ([]byte, error)

func (f GroomerFunc) Groom(raw []byte) ([]byte, error) {
	return f(raw)
}

// IdentityGroomer returns a Groomer that passes messages through
// unchanged. It keeps the provenance pipeline running when no grooming
// engine is configured.
func IdentityGroomer() Groomer {
	return GroomerFunc(func(raw []byte) ([]byte, error) {
		return raw, nil
	})
}

// CommandGroomer pipes each message through an external command: the
// raw message on stdin, the sanitized message on stdout. A non-zero
// exit aborts that message's sanitization.
type CommandGroomer struct {
	Argv []string
}

func (g *CommandGroomer) Groom(raw []byte) ([]byte, error) {
	if len(g.Argv) == 0 {
		return nil, fmt.Errorf("groomer: empty command")
	}

	cmd := exec.Command(g.Argv[0], g.Argv[1:]...)
	cmd.Stdin = bytes.NewReader(raw)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return nil, fmt.Errorf("groomer %s: %w: %s", g.Argv[0], err, msg)
		}
		return nil, fmt.Errorf("groomer %s: %w", g.Argv[0], err)
	}
	return stdout.Bytes(), nil
}

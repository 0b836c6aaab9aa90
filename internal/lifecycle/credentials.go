package lifecycle

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

// ErrNoCredential is returned when a provider has nothing for a stage.
var ErrNoCredential = errors.New("no credential for stage")

// CredentialProvider supplies credential values on demand. It is called from
// the machine's effect goroutine and may block (e.g. on user input).
type CredentialProvider interface {
	Credential(ctx context.Context, stage Stage) (string, error)
}

// CredentialFunc adapts a function to CredentialProvider.
type CredentialFunc func(ctx context.Context, stage Stage) (string, error)

func (f CredentialFunc) Credential(ctx context.Context, stage Stage) (string, error) {
	return f(ctx, stage)
}

// StaticCredentials serves fixed values, typically from configuration.
type StaticCredentials struct {
	Phone    string
	Code     string
	Password string
}

func (c StaticCredentials) Credential(_ context.Context, stage Stage) (string, error) {
	var v string
	switch stage {
	case StagePhone:
		v = c.Phone
	case StageCode:
		v = c.Code
	case StagePassword:
		v = c.Password
	}
	if v == "" {
		return "", fmt.Errorf("%w: %s", ErrNoCredential, stage)
	}
	return v, nil
}

// PromptCredentials asks for each credential on Out and reads one line from
// In. Lines are trimmed; an empty answer is an error.
//
// Thread-safety: prompts are serialized.
type PromptCredentials struct {
	In  io.Reader
	Out io.Writer

	mu     sync.Mutex
	reader *bufio.Reader
}

func (p *PromptCredentials) Credential(ctx context.Context, stage Stage) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	if p.reader == nil {
		p.reader = bufio.NewReader(p.In)
	}

	if p.Out != nil {
		fmt.Fprintf(p.Out, "Enter %s: ", stage)
	}
	line, err := p.reader.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", fmt.Errorf("read %s: %w", stage, err)
	}
	v := strings.TrimSpace(line)
	if v == "" {
		return "", fmt.Errorf("%w: %s (empty input)", ErrNoCredential, stage)
	}
	return v, nil
}

package apply

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// SyntaxValidator checks patched content before it overwrites the target
// file. The interface is the substitution point for an in-process parser.
type SyntaxValidator interface {
	Validate(ctx context.Context, filename, content string) error
}

// interpreterValidator shells out to the target interpreter's compile step
// against a temp copy. Slower than an embedded parser but guaranteed to agree
// with the runtime that will execute the file.
type interpreterValidator struct {
	interpreter string
	timeout     time.Duration
}

// NewInterpreterValidator builds the subprocess-backed validator.
func NewInterpreterValidator(interpreter string, timeout time.Duration) SyntaxValidator {
	if interpreter == "" {
		interpreter = "python3"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &interpreterValidator{interpreter: interpreter, timeout: timeout}
}

func (v *interpreterValidator) Validate(ctx context.Context, filename, content string) error {
	tmp, err := os.CreateTemp("", "nexus-validate-*"+sanitizeExt(filename))
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	vctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()
	cmd := exec.CommandContext(vctx, v.interpreter, "-m", "py_compile", tmp.Name())
	out, err := cmd.CombinedOutput()
	if err != nil {
		return &ValidationError{Output: strings.TrimSpace(string(out)), Err: err}
	}
	return nil
}

// ValidationError carries the interpreter's diagnostic output.
type ValidationError struct {
	Output string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Output != "" {
		return e.Output
	}
	return e.Err.Error()
}

func (e *ValidationError) Unwrap() error { return e.Err }

func sanitizeExt(filename string) string {
	ext := filepath.Ext(filename)
	if ext == "" {
		return ".py"
	}
	return ext
}

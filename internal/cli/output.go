package cli

import "errors"

// Exit codes. A memoized command's own exit status passes through verbatim,
// so engine trouble gets a code no reasonable command uses.
const (
	ExitSuccess  = 0
	ExitInternal = 125
)

// ExitError carries a process exit code out of a cobra command. With neither
// Message nor Err set, Error returns "": the cause was already reported (a
// failing command writes its own diagnostics to the inherited stderr) and
// main only sets the status. With only Err set, Error returns Err's text.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Message == "" {
		if e.Err != nil {
			return e.Err.Error()
		}
		return ""
	}
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *ExitError) Unwrap() error { return e.Err }

// GetExitCode extracts the exit code from err. Non-ExitError errors are
// engine trouble and map to ExitInternal.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ExitInternal
}

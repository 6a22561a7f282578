package execution

import "fmt"

// Report is the outcome of one execution step. It travels by value so that
// verification and I/O failures never unwind the caller's control flow.
type Report struct {
	OK      bool
	Message string
	Err     error
}

func ok(msg string) Report { return Report{OK: true, Message: msg} }

func fail(err error, format string, args ...any) Report {
	return Report{Message: fmt.Sprintf(format, args...), Err: err}
}

func (r Report) Error() error {
	if r.OK {
		return nil
	}
	if r.Err != nil {
		return fmt.Errorf("%s: %w", r.Message, r.Err)
	}
	return fmt.Errorf("%s", r.Message)
}

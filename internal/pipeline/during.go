package pipeline

import (
	"fmt"

	"github.com/npuw-go/npuw/internal/subrequest"
)

// during runs f while r's inference is in flight (§4.5, §9): it starts r
// asynchronously, runs f on the calling goroutine to prepare the next
// step, then waits for r to finish before returning. A panic inside f is
// converted to an error only after r has been waited on, so a failed
// prepare step never leaves a subrequest running unobserved.
func during(r subrequest.Subrequest, f func() error) error {
	if err := r.StartAsync(); err != nil {
		return fmt.Errorf("pipeline: start_async: %w", err)
	}

	var ferr error
	func() {
		defer func() {
			if p := recover(); p != nil {
				ferr = fmt.Errorf("pipeline: prepare-next panic: %v", p)
			}
		}()
		ferr = f()
	}()

	if werr := r.Wait(); werr != nil {
		return werr
	}
	return ferr
}

// safeInfer runs r.Infer, converting any panic escaping the subrequest
// implementation into an error rather than crashing the driver (same
// defensive shape as the teacher's safeReset/safeEncode).
func safeInfer(r subrequest.Subrequest) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("pipeline: infer panic: %v", p)
		}
	}()
	return r.Infer()
}

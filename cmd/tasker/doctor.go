package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tasker-core/core/internal/cdp"
)

const chromiumProbeTimeout = 15 * time.Second

// missingChromiumError marks a startup failure as exit code 2 ("missing
// runtime dependency") rather than the generic exit code 1.
type missingChromiumError struct{ cause error }

func (e *missingChromiumError) Error() string {
	return fmt.Sprintf("chromium not found or failed to launch: %v", e.cause)
}

func (e *missingChromiumError) Unwrap() error { return e.cause }

func asMissingChromium(err error) (*missingChromiumError, bool) {
	var m *missingChromiumError
	if errors.As(err, &m) {
		return m, true
	}
	return nil, false
}

// probeChromium launches and immediately tears down a headless Chromium
// instance to confirm the runtime dependency the exit-code table requires
// is actually present, rather than just scanning PATH for a binary name.
func probeChromium(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, chromiumProbeTimeout)
	defer cancel()

	driver, err := cdp.Launch(ctx, cdp.Config{Headless: true})
	if err != nil {
		return &missingChromiumError{cause: err}
	}
	driver.Close()
	return nil
}

func buildDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check that tasker-core's runtime dependencies are present",
		Long:  `Verifies a Chromium binary can be launched headless, the only external runtime dependency tasker-core has.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if err := probeChromium(cmd.Context()); err != nil {
				fmt.Fprintf(out, "chromium: FAIL (%v)\n", err)
				return err
			}
			fmt.Fprintln(out, "chromium: OK")
			return nil
		},
	}
}
